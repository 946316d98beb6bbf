package postgres

import (
	"database/sql"

	"github.com/attractor-run/control-plane/internal/store"
)

// New wires every postgres-backed implementation into a *store.Store over
// a shared *sql.DB connection pool.
func New(db *sql.DB) *store.Store {
	return &store.Store{
		Projects:                NewProjectStore(db),
		Environments:            NewEnvironmentStore(db),
		AttractorDefs:           NewAttractorDefStore(db),
		GlobalAttractors:        NewGlobalAttractorStore(db),
		AttractorDefVersions:    NewAttractorDefVersionStore(db),
		GlobalAttractorVersions: NewGlobalAttractorVersionStore(db),
		Runs:                    NewRunStore(db),
		RunEvents:               NewRunEventStore(db),
		RunCheckpoints:          NewRunCheckpointStore(db),
		RunNodeOutcomes:         NewRunNodeOutcomeStore(db),
		RunQuestions:            NewRunQuestionStore(db),
		RunReviews:              NewRunReviewStore(db),
		Artifacts:               NewArtifactStore(db),
		SpecBundles:             NewSpecBundleStore(db),
		ProviderSecrets:         NewProviderSecretStore(db),
	}
}

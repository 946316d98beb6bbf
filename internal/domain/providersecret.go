package domain

import (
	"strings"
	"time"

	"github.com/attractor-run/control-plane/internal/apierr"
)

// ProviderSecret is a project- or global-scope credential reference for a
// model provider. The control plane never stores the credential value
// itself: SecretRef names where the value actually lives (an environment
// variable baked into the runner image, a path in a secret manager), the
// same indirection the provider clients use when they resolve their api
// key from an env var rather than a literal.
type ProviderSecret struct {
	ID        string
	Scope     Scope
	ProjectID string
	Provider  string
	SecretRef string
	CreatedAt time.Time
}

// NewProviderSecret validates the same scope shape AttractorDef uses:
// PROJECT scope requires a projectId, GLOBAL scope ignores it.
func NewProviderSecret(id string, scope Scope, projectID, provider, secretRef string) (*ProviderSecret, error) {
	if scope != ScopeGlobal && scope != ScopeProject {
		return nil, apierr.Validation("providerSecret scope %q is invalid", scope)
	}
	if scope == ScopeProject && strings.TrimSpace(projectID) == "" {
		return nil, apierr.Validation("PROJECT-scope providerSecret requires a projectId")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, apierr.Validation("providerSecret provider is required")
	}
	if strings.TrimSpace(secretRef) == "" {
		return nil, apierr.Validation("providerSecret secretRef is required")
	}
	return &ProviderSecret{
		ID:        id,
		Scope:     scope,
		ProjectID: projectID,
		Provider:  provider,
		SecretRef: secretRef,
	}, nil
}

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/idgen"
)

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	project, err := domain.NewProject(idgen.NewUUID(), req.Name, req.Namespace, req.DefaultBranch)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	project.RepoFullName = req.RepoFullName
	project.DefaultEnvironmentID = req.DefaultEnvironmentID
	if err := s.store.Projects.Create(r.Context(), project); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.Projects.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	env, err := domain.NewEnvironment(idgen.NewUUID(), req.Name, req.Kind, req.RunnerImageRef)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.store.Environments.Create(r.Context(), env); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.store.Environments.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleCreateProjectAttractor(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	if _, err := s.store.Projects.Get(r.Context(), projectID); err != nil {
		writeAPIError(w, err)
		return
	}
	var req CreateAttractorDefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	def, err := domain.NewAttractorDef(idgen.NewUUID(), projectID, domain.ScopeProject, req.Name, req.DefaultRunType, req.ModelConfig)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	def.Description = req.Description
	if err := s.store.AttractorDefs.Create(r.Context(), def); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListProjectAttractors(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.AttractorDefs.ListByProject(r.Context(), r.PathValue("projectId"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleGetAttractorDef(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.AttractorDefs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handlePutProjectAttractorContent implements the attractor put()
// operation for a PROJECT-scope def: §4.2's canonicalize-lint-hash-dedupe
// flow, with an optional expectedContentVersion for optimistic
// concurrency.
func (s *Server) handlePutProjectAttractorContent(w http.ResponseWriter, r *http.Request) {
	defID := r.PathValue("id")
	def, err := s.store.AttractorDefs.Get(r.Context(), defID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if def.Scope != domain.ScopeProject {
		writeAPIError(w, apierr.Precondition("attractor %s is GLOBAL-scope; edit it via the global endpoint", defID))
		return
	}
	var req PutAttractorContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	result, err := s.attractors.PutProjectAttractor(r.Context(), def.ID, def.ProjectID, def.Name, []byte(req.Content), req.ExpectedContentVersion)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListAttractorVersions(w http.ResponseWriter, r *http.Request) {
	defID := r.PathValue("id")
	def, err := s.store.AttractorDefs.Get(r.Context(), defID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	versions := s.store.AttractorDefVersions
	if def.Scope == domain.ScopeGlobal {
		versions = s.store.GlobalAttractorVersions
	}
	rows, err := versions.List(r.Context(), defID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCreateGlobalAttractor(w http.ResponseWriter, r *http.Request) {
	var req CreateGlobalAttractorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeAPIError(w, apierr.Validation("name is required"))
		return
	}
	g := &domain.GlobalAttractor{ID: idgen.NewUUID(), Name: req.Name}
	if err := s.store.GlobalAttractors.Create(r.Context(), g); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handlePutGlobalAttractorContent(w http.ResponseWriter, r *http.Request) {
	globalID := r.PathValue("id")
	g, err := s.store.GlobalAttractors.Get(r.Context(), globalID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var req PutAttractorContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	result, err := s.attractors.PutGlobalAttractor(r.Context(), g.ID, g.Name, []byte(req.Content), req.ExpectedContentVersion)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePromoteGlobalAttractor(w http.ResponseWriter, r *http.Request) {
	globalID := r.PathValue("id")
	g, err := s.store.GlobalAttractors.Get(r.Context(), globalID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var req PromoteAttractorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := s.attractors.Promote(r.Context(), g, req.DefaultRunType, req.ModelConfig, req.Description, req.ProjectIDs); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"promoted": len(req.ProjectIDs)})
}

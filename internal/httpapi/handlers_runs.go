package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
)

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	run, err := s.controller.CreateRun(r.Context(), domain.CreateRunInput{
		ProjectID:      req.ProjectID,
		AttractorDefID: req.AttractorDefID,
		RunType:        req.RunType,
		SourceBranch:   req.SourceBranch,
		TargetBranch:   req.TargetBranch,
		EnvironmentID:  req.EnvironmentID,
		SpecBundleID:   req.SpecBundleID,
		Force:          req.Force,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newRunView(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunView(run))
}

func (s *Server) handleListProjectRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	runs, err := s.store.Runs.ListByProject(r.Context(), r.PathValue("projectId"), limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	views := make([]RunView, len(runs))
	for i, run := range runs {
		views[i] = newRunView(run)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

// handleSelfIterate implements the planning-to-implementation chain
// (scenario 1): it pins the planning run's spec bundle onto a new
// implementation run using the same attractor, carrying the planning
// run's id onto the resulting RunQueued event.
func (s *Server) handleSelfIterate(w http.ResponseWriter, r *http.Request) {
	planningRunID := r.PathValue("id")
	planningRun, err := s.store.Runs.Get(r.Context(), planningRunID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if planningRun.RunType != domain.RunTypePlanning {
		writeAPIError(w, apierr.Precondition("run %s is not a planning run", planningRunID))
		return
	}
	if planningRun.Status != domain.RunStatusSucceeded {
		writeAPIError(w, apierr.Precondition("run %s has not succeeded (status %s)", planningRunID, planningRun.Status))
		return
	}
	bundle, err := s.store.SpecBundles.GetByRun(r.Context(), planningRunID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	var req SelfIterateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	run, err := s.controller.CreateRun(r.Context(), domain.CreateRunInput{
		ProjectID:           planningRun.ProjectID,
		AttractorDefID:      planningRun.AttractorDefID,
		RunType:             domain.RunTypeImplementation,
		SourceBranch:        req.SourceBranch,
		TargetBranch:        req.TargetBranch,
		EnvironmentID:       req.EnvironmentID,
		SpecBundleID:        bundle.ID,
		Force:               req.Force,
		SourcePlanningRunID: planningRunID,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newRunView(run))
}

// handleRunEvents streams run.events.<runId>: the durable prefix via
// ListSince, then whatever this process's Broadcaster carries live. A
// heartbeat comment keeps idle connections (load balancers, browsers) from
// timing out while a run sits at a human-wait node.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.store.Runs.Get(r.Context(), runID); err != nil {
		writeAPIError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	live, done, unsub := s.events.Subscribe(runID)
	defer unsub()

	history, err := s.events.ListSince(r.Context(), runID, "", 0)
	if err == nil {
		for _, e := range history {
			writeSSEEvent(w, flusher, *e)
		}
	}

	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
		case ev, ok := <-live:
			if !ok {
				select {
				case <-done:
					w.Write([]byte("event: done\ndata: {}\n\n"))
					flusher.Flush()
				default:
				}
				return
			}
			writeSSEEvent(w, flusher, ev)
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, e domain.RunEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.store.Artifacts.ListByRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	key := r.PathValue("key")
	artifacts, err := s.store.Artifacts.ListByRun(r.Context(), runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var path, contentType string
	for _, a := range artifacts {
		if a.Key == key {
			path, contentType = a.Path, a.ContentType
			break
		}
	}
	if path == "" {
		writeAPIError(w, apierr.NotFound("artifact %q not found for run %s", key, runID))
		return
	}
	body, info, err := s.objects.Get(r.Context(), path)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	defer body.Close()
	if contentType == "" {
		contentType = info.ContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if readErr != nil {
			return
		}
	}
}

func (s *Server) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := s.store.RunQuestions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// handleAnswerQuestion transitions a PENDING question to ANSWERED. The
// graph engine's human node polls store.RunQuestions itself and emits
// HumanQuestionAnswered once it observes the transition; this handler does
// not append an event directly.
func (s *Server) handleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req AnswerQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Answer == "" {
		writeAPIError(w, apierr.Validation("answer is required"))
		return
	}
	if err := s.store.RunQuestions.Answer(r.Context(), id, req.Answer, time.Now()); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

package server

import (
	"errors"
	"net/http"

	"github.com/bozp-pzob/ai-news-sub003/internal/job"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// AggregateAPI starts a local-mode one-shot job: the configuration and its
// secrets arrive with the request and storage is a local file. No platform
// quota applies.
func (s *Server) AggregateAPI(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config  service.Configuration `json:"config"`
		Secrets map[string]string     `json:"secrets,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpResponse(w, "invalid body", http.StatusBadRequest)
		return
	}
	if len(req.Config.Sources) == 0 && !req.Config.Settings.OnlyGenerate {
		httpResponse(w, "at least one source is required", http.StatusBadRequest)
		return
	}

	status, err := s.jobs.StartLocal(r.Context(), req.Config, req.Secrets)
	if err != nil {
		httpResponse(w, err.Error(), statusFromError(err))
		return
	}
	httpJSON(w, status, http.StatusAccepted)
}

// RunOnceAPI starts a platform-mode one-shot job for a stored configuration.
func (s *Server) RunOnceAPI(w http.ResponseWriter, r *http.Request, id string) {
	u, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	rec, ok := s.loadOwned(w, r, u, id)
	if !ok {
		return
	}

	status, err := s.jobs.StartPlatform(r.Context(), u, rec.ID, service.ModeOnce)
	if err != nil {
		httpResponse(w, err.Error(), statusFromError(err))
		return
	}
	httpJSON(w, status, http.StatusAccepted)
}

// RunContinuousAPI starts a platform-mode continuous job.
func (s *Server) RunContinuousAPI(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		ConfigID string `json:"configId"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ConfigID == "" {
		httpResponse(w, "configId is required", http.StatusBadRequest)
		return
	}
	rec, ok := s.loadOwned(w, r, u, req.ConfigID)
	if !ok {
		return
	}

	status, err := s.jobs.StartPlatform(r.Context(), u, rec.ID, service.ModeContinuous)
	if err != nil {
		httpResponse(w, err.Error(), statusFromError(err))
		return
	}
	httpJSON(w, status, http.StatusAccepted)
}

// JobStatusAPI returns the current snapshot for GET /job/{id}.
func (s *Server) JobStatusAPI(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r, "/job/")
	if len(segs) != 1 {
		httpResponse(w, "not found", http.StatusNotFound)
		return
	}

	status, ok := s.jobs.Status(segs[0])
	if !ok {
		httpResponse(w, "job not found", http.StatusNotFound)
		return
	}
	httpJSON(w, status, http.StatusOK)
}

// JobStopAPI handles POST /job/{id}/stop with cooperative cancellation. Only
// the owner of the job's configuration or an admin may stop a platform job.
func (s *Server) JobStopAPI(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r, "/job/")
	if len(segs) != 2 || segs[1] != "stop" {
		httpResponse(w, "not found", http.StatusNotFound)
		return
	}

	u, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	switch err := s.jobs.StopFor(r.Context(), segs[0], u); {
	case errors.Is(err, job.ErrJobNotFound):
		httpResponse(w, "job not found or already finished", http.StatusNotFound)
	case errors.Is(err, job.ErrJobForbidden):
		httpResponse(w, "forbidden", http.StatusForbidden)
	case err != nil:
		httpResponse(w, err.Error(), http.StatusInternalServerError)
	default:
		httpResponse(w, "stop requested", http.StatusAccepted)
	}
}

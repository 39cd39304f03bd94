package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// searchRequest is the semantic search payload.
type searchRequest struct {
	ConfigID  string   `json:"configId"`
	Query     string   `json:"query"`
	Limit     int      `json:"limit,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
	Types     []string `json:"types,omitempty"`
	Sources   []string `json:"sources,omitempty"`
	StartDate int64    `json:"startDate,omitempty"`
	EndDate   int64    `json:"endDate,omitempty"`
}

// SearchAPI runs one semantic search: POST /search.
func (s *Server) SearchAPI(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil || req.ConfigID == "" || req.Query == "" {
		httpResponse(w, "configId and query are required", http.StatusBadRequest)
		return
	}
	s.search(w, r, req)
}

// SearchGetAPI is the GET variant: /search/{configId}?q=...
func (s *Server) SearchGetAPI(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r, "/search/")
	if len(segs) != 1 {
		httpResponse(w, "not found", http.StatusNotFound)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		httpResponse(w, "q is required", http.StatusBadRequest)
		return
	}
	req := searchRequest{ConfigID: segs[0], Query: q}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		req.Limit = v
	}
	s.search(w, r, req)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request, req searchRequest) {
	if s.embedder == nil {
		httpResponse(w, "semantic search is not configured", http.StatusServiceUnavailable)
		return
	}

	rec, ok := s.loadConfig(w, r, req.ConfigID)
	if !ok {
		return
	}
	u, err := s.currentUser(r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !s.canView(u, rec) {
		httpResponse(w, "not found", http.StatusNotFound)
		return
	}

	sr := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	start := time.Now()
	defer func() { s.recordUsage(r, rec.ID, sr.code, time.Since(start)) }()

	if !s.passPaymentGate(sr, r, u, rec) {
		return
	}

	results, err := s.runSearch(r, rec, u, req)
	if err != nil {
		httpResponse(sr, err.Error(), http.StatusInternalServerError)
		return
	}
	httpJSON(sr, map[string]any{"results": results, "count": len(results)}, http.StatusOK)
}

func (s *Server) runSearch(r *http.Request, rec *service.ConfigRecord, u *service.User, req searchRequest) ([]service.SearchResult, error) {
	vec, err := s.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	maxLimit := 20
	if u != nil {
		maxLimit = s.quotas.Limits(u).SearchLimitMax
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}

	st, closeStore, err := s.storeFor(r, rec)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	return st.SearchByEmbedding(r.Context(), service.SearchQuery{
		Vector:    vec,
		Limit:     limit,
		Threshold: req.Threshold,
		Filter: service.SearchFilter{
			Types:     req.Types,
			Sources:   req.Sources,
			StartDate: req.StartDate,
			EndDate:   req.EndDate,
		},
	})
}

// SearchMultiAPI searches several configurations in parallel. A failing
// configuration yields an error entry without affecting the others.
func (s *Server) SearchMultiAPI(w http.ResponseWriter, r *http.Request) {
	if s.embedder == nil {
		httpResponse(w, "semantic search is not configured", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		ConfigIDs []string `json:"configIds"`
		Query     string   `json:"query"`
		Limit     int      `json:"limit,omitempty"`
		Threshold float64  `json:"threshold,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil || len(req.ConfigIDs) == 0 || req.Query == "" {
		httpResponse(w, "configIds and query are required", http.StatusBadRequest)
		return
	}
	if len(req.ConfigIDs) > 10 {
		httpResponse(w, "at most 10 configurations per search", http.StatusBadRequest)
		return
	}

	u, err := s.currentUser(r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Embed once; the vector is shared across configurations.
	vec, err := s.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type multiResult struct {
		ConfigID string                 `json:"configId"`
		Results  []service.SearchResult `json:"results,omitempty"`
		Error    string                 `json:"error,omitempty"`
	}

	out := make([]multiResult, len(req.ConfigIDs))
	var wg sync.WaitGroup
	for i, id := range req.ConfigIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			out[i] = multiResult{ConfigID: id}

			rec, err := s.db.GetConfig(r.Context(), id)
			if err != nil || rec == nil {
				out[i].Error = "configuration not found"
				return
			}
			if !s.canView(u, rec) {
				out[i].Error = "configuration not found"
				return
			}
			// Monetized configurations are excluded from multi-search rather
			// than issuing challenges per entry.
			if rec.MonetizationEnabled && (u == nil || (u.ID != rec.UserID && u.Tier != service.TierAdmin)) {
				out[i].Error = "payment required"
				return
			}

			st, closeStore, err := s.storeFor(r, rec)
			if err != nil {
				out[i].Error = err.Error()
				return
			}
			defer closeStore()

			limit := req.Limit
			if limit <= 0 || limit > 20 {
				limit = 20
			}
			results, err := st.SearchByEmbedding(r.Context(), service.SearchQuery{
				Vector:    vec,
				Limit:     limit,
				Threshold: req.Threshold,
			})
			if err != nil {
				out[i].Error = err.Error()
				return
			}
			out[i].Results = results
		}(i, id)
	}
	wg.Wait()

	httpJSON(w, map[string]any{"results": out}, http.StatusOK)
}

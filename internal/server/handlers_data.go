package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bozp-pzob/ai-news-sub003/internal/payment"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
	"github.com/bozp-pzob/ai-news-sub003/internal/store"
)

// dataReadRouter serves GET /configs/{id}/{items|summaries|topics|stats|context|summary}.
// Every data read passes visibility, the payment gate, and usage accounting.
func (s *Server) dataReadRouter(w http.ResponseWriter, r *http.Request, id, sub string) {
	rec, ok := s.loadConfig(w, r, id)
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

	st, closeStore, err := s.storeFor(r, rec)
	if err != nil {
		httpResponse(sr, err.Error(), http.StatusInternalServerError)
		return
	}
	defer closeStore()

	switch sub {
	case "items":
		s.itemsAPI(sr, r, st)
	case "summaries":
		s.summariesAPI(sr, r, st)
	case "topics":
		s.topicsAPI(sr, r, st)
	case "stats":
		s.statsAPI(sr, r, st)
	case "context":
		s.contextAPI(sr, r, st)
	case "summary":
		s.summaryAPI(sr, r, st)
	default:
		httpResponse(sr, "not found", http.StatusNotFound)
	}
}

// passPaymentGate enforces x402 on monetized configurations. Owners and
// admins bypass unconditionally.
func (s *Server) passPaymentGate(w http.ResponseWriter, r *http.Request, u *service.User, rec *service.ConfigRecord) bool {
	if !rec.MonetizationEnabled {
		return true
	}
	if u != nil && (u.ID == rec.UserID || u.Tier == service.TierAdmin) {
		return true
	}

	proof, err := payment.ParseProof(r.Header.Get("X-Payment-Proof"))
	if err != nil {
		s.paymentRequired(w, rec, err.Error())
		return false
	}
	if proof == nil {
		s.paymentRequired(w, rec, "payment required")
		return false
	}

	userID := ""
	if u != nil {
		userID = u.ID
	}
	if _, err := s.gate.Settle(r.Context(), rec, userID, proof); err != nil {
		if errors.Is(err, payment.ErrAlreadyUsed) {
			httpResponse(w, payment.ErrAlreadyUsed.Error(), http.StatusBadRequest)
			return false
		}
		s.paymentRequired(w, rec, err.Error())
		return false
	}
	return true
}

func (s *Server) paymentRequired(w http.ResponseWriter, rec *service.ConfigRecord, reason string) {
	details := s.gate.Challenge(rec)
	details.WriteHeaders(w.Header())
	httpJSON(w, map[string]any{"message": reason, "payment": details}, http.StatusPaymentRequired)
}

// storeFor opens the read-side store for a configuration: the external tenant
// database when configured and valid, the shared platform scope otherwise.
func (s *Server) storeFor(r *http.Request, rec *service.ConfigRecord) (service.Store, func(), error) {
	if rec.StorageType == "external" && rec.ExternalDBURLCipher != "" {
		url, err := s.secrets.DecryptValue(rec.ExternalDBURLCipher)
		if err != nil {
			return nil, nil, err
		}
		ext, err := store.OpenExternal(r.Context(), url)
		if err != nil {
			return nil, nil, err
		}
		return ext.Scoped(rec.ID), func() { ext.Close() }, nil
	}
	return s.db.Scoped(rec.ID), func() {}, nil
}

// timeWindow reads start/end epoch-second query parameters, defaulting to the
// trailing 24 hours.
func timeWindow(r *http.Request) (int64, int64) {
	now := time.Now().Unix()
	start := now - 24*3600
	end := now
	if v, err := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64); err == nil {
		start = v
	}
	if v, err := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64); err == nil {
		end = v
	}
	return start, end
}

func (s *Server) itemsAPI(w http.ResponseWriter, r *http.Request, st service.Store) {
	start, end := timeWindow(r)
	items, err := st.GetItemsBetween(r.Context(), start, end)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpJSON(w, map[string]any{"items": items, "count": len(items)}, http.StatusOK)
}

func (s *Server) summariesAPI(w http.ResponseWriter, r *http.Request, st service.Store) {
	start, end := timeWindow(r)
	sums, err := st.GetSummaryBetween(r.Context(), start, end)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpJSON(w, map[string]any{"summaries": sums, "count": len(sums)}, http.StatusOK)
}

func (s *Server) topicsAPI(w http.ResponseWriter, r *http.Request, st service.Store) {
	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	topics, err := st.TopicCounts(r.Context(), limit)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpJSON(w, map[string]any{"topics": topics}, http.StatusOK)
}

func (s *Server) statsAPI(w http.ResponseWriter, r *http.Request, st service.Store) {
	sources, err := st.SourceStats(r.Context())
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	first, last, err := st.DateRange(r.Context())
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	total := 0
	for _, sc := range sources {
		total += sc.Count
	}
	httpJSON(w, map[string]any{
		"sources":    sources,
		"totalItems": total,
		"dateRange":  map[string]int64{"first": first, "last": last},
	}, http.StatusOK)
}

// contextAPI returns a day's items plus any summaries, shaped for LLM context
// assembly by the caller.
func (s *Server) contextAPI(w http.ResponseWriter, r *http.Request, st service.Store) {
	start, end := dayWindow(r)
	items, err := st.GetItemsBetween(r.Context(), start, end)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sums, err := st.GetSummaryBetween(r.Context(), start, end)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpJSON(w, map[string]any{
		"date":      time.Unix(start, 0).UTC().Format("2006-01-02"),
		"items":     items,
		"summaries": sums,
	}, http.StatusOK)
}

// summaryAPI returns the summaries for one date (?date=YYYY-MM-DD, default
// today).
func (s *Server) summaryAPI(w http.ResponseWriter, r *http.Request, st service.Store) {
	start, end := dayWindow(r)
	sums, err := st.GetSummaryBetween(r.Context(), start, end)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(sums) == 0 {
		httpResponse(w, "no summary for date", http.StatusNotFound)
		return
	}
	httpJSON(w, sums[0], http.StatusOK)
}

// dayWindow resolves ?date=YYYY-MM-DD into a UTC day span, defaulting to
// today.
func dayWindow(r *http.Request) (int64, int64) {
	day := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		if parsed, err := time.Parse("2006-01-02", raw); err == nil {
			day = parsed
		}
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return start.Unix(), start.Add(24 * time.Hour).Unix()
}

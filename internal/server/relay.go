package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/worldline-go/klient"
	"golang.org/x/time/rate"

	"github.com/bozp-pzob/ai-news-sub003/internal/config"
)

// Relay forwarding timeouts per variant.
const (
	relayExecuteTimeout = 120 * time.Second
	relayStatusTimeout  = 15 * time.Second
	relayHealthTimeout  = 10 * time.Second
)

// relay forwards encrypted payloads to user-controlled executors. The server
// never decrypts the payload and never logs or persists the target URL.
type relay struct {
	perHour int
	client  *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRelay(cfg config.Relay, kc *klient.Client) *relay {
	// Redirects are disabled: a redirect would re-send the payload to a
	// location the caller never approved.
	client := &http.Client{
		Transport: kc.HTTP.Transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &relay{
		perHour:  cfg.RatePerHour,
		client:   client,
		limiters: map[string]*rate.Limiter{},
	}
}

// allow applies the per-user hourly rate limit. A non-positive limit disables
// the relay entirely.
func (rl *relay) allow(userKey string) bool {
	if rl.perHour <= 0 {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.limiters[userKey]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(rl.perHour)), rl.perHour)
		rl.limiters[userKey] = lim
	}
	return lim.Allow()
}

// relayRequest is the forward payload. The encrypted fields are opaque here.
type relayRequest struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
	TargetURL string `json:"targetUrl"`
}

func (s *Server) RelayExecuteAPI(w http.ResponseWriter, r *http.Request) {
	s.relayForward(w, r, "/execute", relayExecuteTimeout)
}

func (s *Server) RelayStatusAPI(w http.ResponseWriter, r *http.Request) {
	s.relayForward(w, r, "/status", relayStatusTimeout)
}

func (s *Server) RelayHealthAPI(w http.ResponseWriter, r *http.Request) {
	s.relayForward(w, r, "/health", relayHealthTimeout)
}

func (s *Server) relayForward(w http.ResponseWriter, r *http.Request, suffix string, timeout time.Duration) {
	u, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req relayRequest
	if err := decodeJSON(r, &req); err != nil {
		httpResponse(w, "invalid body", http.StatusBadRequest)
		return
	}

	target, err := url.Parse(req.TargetURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		httpResponse(w, "targetUrl must be an http or https URL", http.StatusBadRequest)
		return
	}

	if !s.relay.allow(u.ID) {
		w.Header().Set("Retry-After", "3600")
		httpResponse(w, "relay rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := json.Marshal(map[string]string{
		"encrypted": req.Encrypted,
		"iv":        req.IV,
		"tag":       req.Tag,
	})
	if err != nil {
		httpResponse(w, "invalid body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	fwd, err := http.NewRequestWithContext(ctx, http.MethodPost,
		target.JoinPath(suffix).String(), bytes.NewReader(body))
	if err != nil {
		httpResponse(w, "forward failed", http.StatusBadGateway)
		return
	}
	fwd.Header.Set("Content-Type", "application/json")

	resp, err := s.relay.client.Do(fwd)
	if err != nil {
		// The error may embed the target URL; never echo or log it.
		httpResponse(w, "local executor unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, io.LimitReader(resp.Body, 4<<20))
}

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// currentUser resolves the caller from the identity header set by the auth
// gateway in front of this service. Returns nil when the request is anonymous.
func (s *Server) currentUser(r *http.Request) (*service.User, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return nil, nil
	}
	return s.db.GetUser(r.Context(), id)
}

// requireUser resolves the caller and writes the error response when the
// request is anonymous or the user is banned. The bool reports success.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (*service.User, bool) {
	u, err := s.currentUser(r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if u == nil {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	if u.IsBanned {
		httpResponse(w, "account suspended", http.StatusForbidden)
		return nil, false
	}
	return u, true
}

// adminAuthMiddleware protects maintenance endpoints. With no admin_token
// configured every admin request is rejected.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth || token != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response code for usage accounting.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// recordUsage writes one api_usage row fire-and-forget. Failures are invisible
// to the caller.
func (s *Server) recordUsage(r *http.Request, configID string, code int, took time.Duration) {
	row := service.APIUsage{
		ConfigID:       configID,
		UserID:         r.Header.Get("X-User-ID"),
		WalletAddress:  r.Header.Get("X-Wallet-Address"),
		Endpoint:       r.URL.Path,
		Method:         r.Method,
		QueryParams:    r.URL.RawQuery,
		StatusCode:     code,
		ResponseTimeMS: took.Milliseconds(),
		IPAddress:      clientIP(r),
		UserAgent:      r.UserAgent(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.db.RecordUsage(ctx, row)
	}()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusFromError maps the error taxonomy onto HTTP codes.
func statusFromError(err error) int {
	var cfgErr *service.ConfigError
	var missing *service.MissingSecretError
	var quotaErr *service.QuotaError
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &missing):
		return http.StatusBadRequest
	case errors.As(err, &quotaErr):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rakunlabs/ada"
	"github.com/worldline-go/klient"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/bozp-pzob/ai-news-sub003/internal/config"
	"github.com/bozp-pzob/ai-news-sub003/internal/job"
	"github.com/bozp-pzob/ai-news-sub003/internal/payment"
	"github.com/bozp-pzob/ai-news-sub003/internal/quota"
	"github.com/bozp-pzob/ai-news-sub003/internal/registry"
	"github.com/bozp-pzob/ai-news-sub003/internal/secret"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
	"github.com/bozp-pzob/ai-news-sub003/internal/statusbus"
	"github.com/bozp-pzob/ai-news-sub003/internal/store"
)

// Options wires the server's collaborators.
type Options struct {
	Config   *config.Config
	DB       *store.Postgres
	Jobs     *job.Manager
	Bus      *statusbus.Bus
	Registry *registry.Registry
	Quota    *quota.Service
	Secrets  *secret.Store
	Gate     *payment.Gate
	HTTP     *klient.Client

	// Embedder turns search queries into vectors. Nil disables semantic
	// search.
	Embedder service.AIProvider
}

type Server struct {
	config config.Server

	server *ada.Server

	db       *store.Postgres
	jobs     *job.Manager
	bus      *statusbus.Bus
	registry *registry.Registry
	quotas   *quota.Service
	secrets  *secret.Store
	gate     *payment.Gate
	embedder service.AIProvider
	relay    *relay

	upgrader websocket.Upgrader
}

func New(_ context.Context, opts Options) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:   opts.Config.Server,
		server:   mux,
		db:       opts.DB,
		jobs:     opts.Jobs,
		bus:      opts.Bus,
		registry: opts.Registry,
		quotas:   opts.Quota,
		secrets:  opts.Secrets,
		gate:     opts.Gate,
		embedder: opts.Embedder,
		relay:    newRelay(opts.Config.Relay, opts.HTTP),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	if s.config.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", s.config.BasePath)
	}

	baseGroup := mux.Group(s.config.BasePath)
	baseGroup.GET("/healthz", s.HealthAPI)
	baseGroup.GET("/ws", s.WSAPI)

	apiGroup := baseGroup.Group("/api")

	// Plugin catalog
	apiGroup.GET("/plugins", s.PluginsAPI)

	// Run / lifecycle
	apiGroup.POST("/aggregate", s.AggregateAPI)
	apiGroup.POST("/runs/continuous", s.RunContinuousAPI)
	apiGroup.GET("/job/*", s.JobStatusAPI)
	apiGroup.POST("/job/*", s.JobStopAPI)

	// Configurations: CRUD, secrets, run, data reads
	apiGroup.GET("/configs", s.ListConfigsAPI)
	apiGroup.POST("/configs", s.CreateConfigAPI)
	apiGroup.GET("/configs/*", s.configGetRouter)
	apiGroup.POST("/configs/*", s.configPostRouter)
	apiGroup.PUT("/configs/*", s.UpdateConfigAPI)
	apiGroup.DELETE("/configs/*", s.DeleteConfigAPI)

	// Semantic search
	apiGroup.POST("/search", s.SearchAPI)
	apiGroup.POST("/search/multi", s.SearchMultiAPI)
	apiGroup.GET("/search/*", s.SearchGetAPI)

	// Relay (zero-knowledge forwarder)
	apiGroup.POST("/relay/execute", s.RelayExecuteAPI)
	apiGroup.POST("/relay/status", s.RelayStatusAPI)
	apiGroup.POST("/relay/health", s.RelayHealthAPI)

	// Webhook ingestion (public; authenticates by per-webhook secret)
	apiGroup.POST("/webhooks/*", s.WebhookIngestAPI)

	// Maintenance (protected by admin token)
	adminGroup := apiGroup.Group("/admin")
	adminGroup.Use(s.adminAuthMiddleware())
	adminGroup.POST("/reset-daily", s.ResetDailyAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// configGetRouter dispatches GET /configs/{id}[/subresource]. "public" is the
// browsing listing, not an id.
func (s *Server) configGetRouter(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r, "/configs/")
	switch {
	case len(segs) == 1 && segs[0] == "public":
		s.PublicConfigsAPI(w, r)
	case len(segs) == 1:
		s.GetConfigAPI(w, r, segs[0])
	case len(segs) == 2 && segs[1] == "secrets":
		s.ListSecretsAPI(w, r, segs[0])
	case len(segs) == 2:
		s.dataReadRouter(w, r, segs[0], segs[1])
	default:
		httpResponse(w, "not found", http.StatusNotFound)
	}
}

// configPostRouter dispatches POST /configs/{id}/{action}.
func (s *Server) configPostRouter(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r, "/configs/")
	if len(segs) != 2 {
		httpResponse(w, "not found", http.StatusNotFound)
		return
	}
	switch segs[1] {
	case "run":
		s.RunOnceAPI(w, r, segs[0])
	case "secrets":
		s.SetSecretsAPI(w, r, segs[0])
	default:
		httpResponse(w, "not found", http.StatusNotFound)
	}
}

// pathSegments returns the non-empty path segments after the last occurrence
// of marker, so routing stays independent of the configured base path.
func pathSegments(r *http.Request, marker string) []string {
	p := r.URL.Path
	i := strings.LastIndex(p, marker)
	if i < 0 {
		return nil
	}
	rest := strings.Trim(p[i+len(marker):], "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func (s *Server) HealthAPI(w http.ResponseWriter, _ *http.Request) {
	httpJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// PluginsAPI lists the visible plugin catalog grouped by kind.
func (s *Server) PluginsAPI(w http.ResponseWriter, _ *http.Request) {
	out := map[string][]registry.Entry{}
	for _, kind := range []registry.Kind{
		registry.KindSource, registry.KindEnricher, registry.KindGenerator,
		registry.KindAI, registry.KindStorage,
	} {
		var visible []registry.Entry
		for _, e := range s.registry.List(kind) {
			if !e.Hidden {
				visible = append(visible, e)
			}
		}
		out[string(kind)] = visible
	}
	httpJSON(w, out, http.StatusOK)
}

// ResetDailyAPI zeroes the per-day counters. Normally driven by the midnight
// cron; exposed for operational recovery.
func (s *Server) ResetDailyAPI(w http.ResponseWriter, r *http.Request) {
	if err := s.db.ResetDailyCounters(r.Context()); err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponse(w, "daily counters reset", http.StatusOK)
}

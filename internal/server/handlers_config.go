package server

import (
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/bozp-pzob/ai-news-sub003/internal/registry"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
	"github.com/bozp-pzob/ai-news-sub003/internal/store"
)

// configRequest is the create/update payload.
type configRequest struct {
	service.Configuration

	StorageType         string `json:"storage_type,omitempty"`
	ExternalDBURL       string `json:"external_db_url,omitempty"` // plaintext, encrypted before persist
	MonetizationEnabled bool   `json:"monetization_enabled"`
	PricePerQuery       int64  `json:"price_per_query"`
	OwnerWallet         string `json:"owner_wallet,omitempty"`
}

func (s *Server) ListConfigsAPI(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	recs, err := s.db.ListConfigs(r.Context(), u.ID)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpJSON(w, recs, http.StatusOK)
}

func (s *Server) PublicConfigsAPI(w http.ResponseWriter, r *http.Request) {
	recs, err := s.db.ListPublicConfigs(r.Context())
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Public browsing exposes metadata only, never declarations or settings.
	type publicConfig struct {
		ID                  string `json:"id"`
		Name                string `json:"name"`
		Slug                string `json:"slug"`
		Description         string `json:"description,omitempty"`
		MonetizationEnabled bool   `json:"monetization_enabled"`
		PricePerQuery       int64  `json:"price_per_query,omitempty"`
		TotalItems          int64  `json:"total_items"`
		IsFeatured          bool   `json:"is_featured"`
	}
	out := make([]publicConfig, 0, len(recs))
	for _, rec := range recs {
		out = append(out, publicConfig{
			ID:                  rec.ID,
			Name:                rec.Name,
			Slug:                rec.Slug,
			Description:         rec.Description,
			MonetizationEnabled: rec.MonetizationEnabled,
			PricePerQuery:       rec.PricePerQuery,
			TotalItems:          rec.TotalItems,
			IsFeatured:          rec.IsFeatured,
		})
	}
	httpJSON(w, out, http.StatusOK)
}

func (s *Server) CreateConfigAPI(w http.ResponseWriter, r *http.Request) {
	u, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.quotas.CanCreateConfig(r.Context(), u); err != nil {
		httpResponse(w, err.Error(), statusFromError(err))
		return
	}

	var req configRequest
	if err := decodeJSON(r, &req); err != nil {
		httpResponse(w, "invalid body", http.StatusBadRequest)
		return
	}

	rec := s.buildRecord(w, r, u, req, nil)
	if rec == nil {
		return
	}

	created, err := s.db.CreateConfig(r.Context(), *rec)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpJSON(w, created, http.StatusCreated)
}

func (s *Server) GetConfigAPI(w http.ResponseWriter, r *http.Request, id string) {
	rec, ok := s.loadConfig(w, r, id)
	if !ok {
		return
	}

	u, _ := s.currentUser(r)
	if !s.canView(u, rec) {
		httpResponse(w, "not found", http.StatusNotFound)
		return
	}
	httpJSON(w, rec, http.StatusOK)
}

func (s *Server) UpdateConfigAPI(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r, "/configs/")
	if len(segs) != 1 {
		httpResponse(w, "not found", http.StatusNotFound)
		return
	}
	u, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	rec, ok := s.loadOwned(w, r, u, segs[0])
	if !ok {
		return
	}

	var req configRequest
	if err := decodeJSON(r, &req); err != nil {
		httpResponse(w, "invalid body", http.StatusBadRequest)
		return
	}

	next := s.buildRecord(w, r, u, req, rec)
	if next == nil {
		return
	}

	updated, err := s.db.UpdateConfig(r.Context(), rec.ID, *next)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.bus.PublishConfigChanged(rec.ID)
	httpJSON(w, updated, http.StatusOK)
}

func (s *Server) DeleteConfigAPI(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r, "/configs/")
	if len(segs) != 1 {
		httpResponse(w, "not found", http.StatusNotFound)
		return
	}
	u, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	rec, ok := s.loadOwned(w, r, u, segs[0])
	if !ok {
		return
	}

	if jobID, active := s.jobs.ActiveJobID(rec.ID); active {
		s.jobs.Stop(jobID)
	}
	if err := s.db.DeleteConfig(r.Context(), rec.ID); err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// buildRecord validates a request into a persistable record, applying the
// tier rules: visibility clamp, monetization check, declaration validation,
// external DB probe + encryption. Writes the error response itself and
// returns nil on failure.
func (s *Server) buildRecord(w http.ResponseWriter, r *http.Request, u *service.User, req configRequest, prev *service.ConfigRecord) *service.ConfigRecord {
	cfg := req.Configuration
	if cfg.Name == "" {
		httpResponse(w, "name is required", http.StatusBadRequest)
		return nil
	}
	if cfg.Slug == "" {
		cfg.Slug = slugify(cfg.Name)
	}
	cfg.UserID = u.ID
	cfg.Visibility = s.quotas.ClampVisibility(u, cfg.Visibility)
	if cfg.Visibility == "" {
		cfg.Visibility = service.VisibilityUnlisted
	}

	if err := s.quotas.CheckMonetization(u, req.MonetizationEnabled); err != nil {
		httpResponse(w, "monetization requires a paid tier", http.StatusForbidden)
		return nil
	}

	for kind, decls := range map[registry.Kind][]service.PluginDecl{
		registry.KindSource:    cfg.Sources,
		registry.KindEnricher:  cfg.Enrichers,
		registry.KindGenerator: cfg.Generators,
		registry.KindAI:        cfg.AI,
		registry.KindStorage:   cfg.Storage,
	} {
		for _, decl := range decls {
			if err := s.registry.Validate(kind, decl); err != nil {
				httpResponse(w, err.Error(), http.StatusBadRequest)
				return nil
			}
		}
	}

	rec := service.ConfigRecord{Configuration: cfg}
	if prev != nil {
		rec = *prev
		rec.Configuration = cfg
	} else {
		rec.ID = ulid.Make().String()
	}
	rec.MonetizationEnabled = req.MonetizationEnabled
	rec.PricePerQuery = req.PricePerQuery
	rec.OwnerWallet = req.OwnerWallet

	rec.StorageType = req.StorageType
	if rec.StorageType == "" {
		rec.StorageType = "platform"
	}
	if rec.StorageType == "external" {
		if !s.quotas.Limits(u).AllowExternalDB {
			httpResponse(w, "external storage requires a paid tier", http.StatusForbidden)
			return nil
		}
		if req.ExternalDBURL != "" {
			ct, err := s.secrets.EncryptValue(req.ExternalDBURL)
			if err != nil {
				httpResponse(w, err.Error(), http.StatusInternalServerError)
				return nil
			}
			rec.ExternalDBURLCipher = ct

			probeErr := store.ProbeExternal(r.Context(), req.ExternalDBURL)
			_ = rec.ExternalDBValid.Scan(probeErr == nil)
			if probeErr != nil {
				rec.ExternalDBError = probeErr.Error()
			} else {
				rec.ExternalDBError = ""
			}
		}
	}

	return &rec
}

// loadConfig fetches a configuration by id or slug, writing 404 on miss.
func (s *Server) loadConfig(w http.ResponseWriter, r *http.Request, id string) (*service.ConfigRecord, bool) {
	rec, err := s.db.GetConfig(r.Context(), id)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if rec == nil {
		rec, err = s.db.GetConfigBySlug(r.Context(), id)
		if err != nil {
			httpResponse(w, err.Error(), http.StatusInternalServerError)
			return nil, false
		}
	}
	if rec == nil {
		httpResponse(w, "not found", http.StatusNotFound)
		return nil, false
	}
	return rec, true
}

func (s *Server) loadOwned(w http.ResponseWriter, r *http.Request, u *service.User, id string) (*service.ConfigRecord, bool) {
	rec, ok := s.loadConfig(w, r, id)
	if !ok {
		return nil, false
	}
	if rec.UserID != u.ID && u.Tier != service.TierAdmin {
		httpResponse(w, "forbidden", http.StatusForbidden)
		return nil, false
	}
	return rec, true
}

func (s *Server) canView(u *service.User, rec *service.ConfigRecord) bool {
	if rec.Visibility == service.VisibilityPublic || rec.Visibility == service.VisibilityUnlisted {
		return true
	}
	if u == nil {
		return false
	}
	return rec.UserID == u.ID || u.Tier == service.TierAdmin
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// ─── Secrets ───

func (s *Server) SetSecretsAPI(w http.ResponseWriter, r *http.Request, id string) {
	u, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	rec, ok := s.loadOwned(w, r, u, id)
	if !ok {
		return
	}

	var values map[string]string
	if err := decodeJSON(r, &values); err != nil {
		httpResponse(w, "invalid body", http.StatusBadRequest)
		return
	}
	for name, plain := range values {
		if err := s.secrets.Set(r.Context(), rec.ID, name, plain); err != nil {
			httpResponse(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	httpResponse(w, "secrets stored", http.StatusOK)
}

func (s *Server) ListSecretsAPI(w http.ResponseWriter, r *http.Request, id string) {
	u, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	rec, ok := s.loadOwned(w, r, u, id)
	if !ok {
		return
	}

	names, err := s.secrets.Names(r.Context(), rec.ID)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpJSON(w, map[string][]string{"names": names}, http.StatusOK)
}

package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/worldline-go/types"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// WebhookIngestAPI receives external webhook payloads: POST /webhooks/{id}.
// The response is always 200 regardless of outcome, so callers cannot
// enumerate webhook ids or trigger retry storms; only authenticated payloads
// are buffered.
func (s *Server) WebhookIngestAPI(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r, "/webhooks/")
	ok := func() {
		httpResponse(w, "ok", http.StatusOK)
	}
	if len(segs) != 1 {
		ok()
		return
	}
	webhookID := segs[0]

	secret, err := s.db.GetWebhookSecret(r.Context(), webhookID)
	if err != nil || secret == "" {
		ok()
		return
	}
	provided := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
		ok()
		return
	}

	var payload types.Map[any]
	if err := decodeJSON(r, &payload); err != nil {
		ok()
		return
	}

	ev := service.WebhookEvent{
		WebhookID: webhookID,
		Payload:   payload,
		SourceIP:  clientIP(r),
		Headers: types.Map[any]{
			"content-type": r.Header.Get("Content-Type"),
			"user-agent":   r.UserAgent(),
		},
	}
	_ = s.db.BufferWebhook(r.Context(), ev)
	ok()
}

package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// webhookSource drains payloads buffered by the webhook ingestion endpoint in
// FIFO order. The drain itself marks rows processed, so no cursor is needed.
type webhookSource struct {
	name      string
	webhookID string
	itemType  string
	store     service.WebhookStorer
}

func newWebhookSource(name string, params map[string]any, deps Deps) (*webhookSource, error) {
	id := paramStr(params, "webhookId", "")
	if id == "" {
		return nil, service.ConfigErrorf("source %q: webhookId is required", name)
	}
	if deps.Webhooks == nil {
		return nil, service.ConfigErrorf("source %q: webhook buffer unavailable in this mode", name)
	}
	return &webhookSource{
		name:      name,
		webhookID: id,
		itemType:  paramStr(params, "type", "webhookEvent"),
		store:     deps.Webhooks,
	}, nil
}

func (s *webhookSource) Name() string { return s.name }

func (s *webhookSource) FetchItems(ctx context.Context) ([]service.ContentItem, error) {
	events, err := s.store.DrainWebhooks(ctx, s.webhookID, 200)
	if err != nil {
		return nil, err
	}

	out := make([]service.ContentItem, 0, len(events))
	for _, ev := range events {
		text := ""
		if raw, err := json.Marshal(ev.Payload); err == nil {
			text = string(raw)
		}
		out = append(out, service.ContentItem{
			CID:    fmt.Sprintf("webhook-%s-%d", s.webhookID, ev.ID),
			Type:   s.itemType,
			Source: s.name,
			Text:   text,
			Date:   ev.ReceivedAt.Unix(),
			Metadata: map[string]any{
				"webhookId": s.webhookID,
				"bufferId":  ev.ID,
			},
		})
	}
	return out, nil
}

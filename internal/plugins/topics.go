package plugins

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// defaultKeywords is the built-in topic map used when a configuration does not
// supply its own.
var defaultKeywords = map[string][]string{
	"release":     {"release", "shipped", "launch", "v1.", "v2.", "changelog"},
	"security":    {"vulnerability", "cve", "exploit", "patch", "security"},
	"governance":  {"proposal", "vote", "governance", "quorum"},
	"markets":     {"price", "market cap", "volume", "rally", "dip"},
	"development": {"merge", "pull request", "refactor", "fix", "feature"},
	"community":   {"ama", "meetup", "event", "announcement"},
}

// topicsEnricher tags items from a keyword map. When a provider is configured,
// items that matched nothing are sent to the model for extraction.
type topicsEnricher struct {
	name      string
	keywords  map[string][]string
	maxTopics int
	ai        service.AIProvider
}

func newTopicsEnricher(name string, params map[string]any, deps Deps) (*topicsEnricher, error) {
	ai, err := deps.provider(paramStr(params, "provider", ""))
	if err != nil {
		return nil, err
	}

	kw := parseKeywords(paramStr(params, "keywords", ""))
	if len(kw) == 0 {
		kw = defaultKeywords
	}

	return &topicsEnricher{
		name:      name,
		keywords:  kw,
		maxTopics: paramInt(params, "maxTopics", 5),
		ai:        ai,
	}, nil
}

// parseKeywords accepts "topic:kw1|kw2,topic2:kw3" and returns the map form.
func parseKeywords(raw string) map[string][]string {
	out := map[string][]string{}
	for _, pair := range strings.Split(raw, ",") {
		topic, list, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || topic == "" {
			continue
		}
		var kws []string
		for _, k := range strings.Split(list, "|") {
			if k = strings.TrimSpace(k); k != "" {
				kws = append(kws, strings.ToLower(k))
			}
		}
		if len(kws) > 0 {
			out[strings.TrimSpace(topic)] = kws
		}
	}
	return out
}

func (e *topicsEnricher) Name() string { return e.name }

func (e *topicsEnricher) Enrich(ctx context.Context, items []service.ContentItem) ([]service.ContentItem, error) {
	for i := range items {
		if err := ctx.Err(); err != nil {
			return items, err
		}

		topics := e.match(items[i].Title + " " + items[i].Text)
		if len(topics) == 0 && e.ai != nil && items[i].Text != "" {
			extracted, err := e.extract(ctx, items[i].Text)
			if err != nil {
				// Extraction is best effort; the keyword pass already ran.
				continue
			}
			topics = extracted
		}
		if len(topics) > e.maxTopics {
			topics = topics[:e.maxTopics]
		}
		items[i].Topics = mergeTopics(items[i].Topics, topics)
	}
	return items, nil
}

func (e *topicsEnricher) match(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for topic, kws := range e.keywords {
		for _, kw := range kws {
			if strings.Contains(lower, kw) {
				out = append(out, topic)
				break
			}
		}
	}
	// Map iteration order is random; the same item must always get the same
	// tags, including after the maxTopics cut.
	sort.Strings(out)
	return out
}

func (e *topicsEnricher) extract(ctx context.Context, text string) ([]string, error) {
	const limit = 2000
	if len(text) > limit {
		text = text[:limit]
	}
	prompt := fmt.Sprintf(
		"Extract up to %d short topic tags from the following content. "+
			"Reply with a comma-separated list only, no prose.\n\n%s",
		e.maxTopics, text)

	resp, err := e.ai.Complete(ctx, prompt, service.CompleteOptions{MaxTokens: 64})
	if err != nil {
		return nil, err
	}

	var topics []string
	for _, t := range strings.Split(resp, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		t = strings.Trim(t, ".\"'")
		if t != "" {
			topics = append(topics, t)
		}
	}
	return topics, nil
}

func mergeTopics(existing, add []string) []string {
	seen := map[string]bool{}
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range add {
		if !seen[t] {
			existing = append(existing, t)
			seen[t] = true
		}
	}
	return existing
}

package plugins

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/worldline-go/types"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// dailySummaryGenerator renders stored items into one markdown digest per
// window, grouped by source and channel. With a provider configured it
// prepends an AI-written narrative; without one (or when the window asks to
// skip AI) the grouped digest stands alone.
type dailySummaryGenerator struct {
	name     string
	interval time.Duration
	schedule string
	maxItems int
	store    service.Store
	ai       service.AIProvider
}

func newDailySummaryGenerator(decl service.PluginDecl, params map[string]any, deps Deps) (service.Generator, error) {
	if deps.Store == nil {
		return nil, service.ConfigErrorf("generator %q: no storage configured", decl.Name)
	}
	ai, err := deps.provider(paramStr(params, "provider", ""))
	if err != nil {
		return nil, err
	}

	interval := paramDuration(params, "interval", time.Hour)
	if decl.Interval != "" {
		interval = paramDuration(map[string]any{"interval": decl.Interval}, "interval", interval)
	}

	g := &dailySummaryGenerator{
		name:     decl.Name,
		interval: interval,
		schedule: decl.Schedule,
		maxItems: paramInt(params, "maxItems", 200),
		store:    deps.Store,
		ai:       ai,
	}
	if g.schedule == "" {
		g.schedule = paramStr(params, "schedule", "")
	}
	if g.schedule != "" {
		return &cronDailySummary{dailySummaryGenerator: g}, nil
	}
	return g, nil
}

// cronDailySummary is the cron-scheduled variant. Separate type so the
// CronGenerator assertion only matches when a schedule was declared.
type cronDailySummary struct {
	*dailySummaryGenerator
}

func (g *cronDailySummary) Schedule() string { return g.schedule }

func (g *dailySummaryGenerator) Name() string { return g.name }

func (g *dailySummaryGenerator) Interval() time.Duration { return g.interval }

func (g *dailySummaryGenerator) Generate(ctx context.Context, w service.GenerateWindow) (*service.SummaryItem, error) {
	items, err := g.store.GetItemsBetween(ctx, w.Start.Unix(), w.End.Unix())
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > g.maxItems {
		items = items[:g.maxItems]
	}

	groups := groupItems(items)
	md := renderMarkdown(w, groups)

	if g.ai != nil && !w.SkipAI {
		narrative, err := g.narrate(ctx, groups)
		if err == nil && narrative != "" {
			md = "## Overview\n\n" + narrative + "\n\n" + md
		}
		// A failed narrative degrades to the grouped digest, never the run.
	}

	date := w.Start.UTC()
	return &service.SummaryItem{
		Type:       "dailySummary",
		Title:      fmt.Sprintf("Daily Summary for %s", date.Format("2006-01-02")),
		Categories: categoriesMap(groups),
		Markdown:   md,
		Date:       time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC).Unix(),
	}, nil
}

// group is one source/channel bucket.
type group struct {
	Source  string
	Channel string
	Items   []service.ContentItem
}

func groupItems(items []service.ContentItem) []group {
	keyed := map[string]*group{}
	var order []string
	for _, it := range items {
		channel := ""
		if it.Metadata != nil {
			if v, ok := it.Metadata["channelId"].(string); ok {
				channel = v
			} else if v, ok := it.Metadata["chatId"].(string); ok {
				channel = v
			}
		}
		key := it.Source + "/" + channel
		g, ok := keyed[key]
		if !ok {
			g = &group{Source: it.Source, Channel: channel}
			keyed[key] = g
			order = append(order, key)
		}
		g.Items = append(g.Items, it)
	}

	sort.Strings(order)
	out := make([]group, 0, len(order))
	for _, key := range order {
		out = append(out, *keyed[key])
	}
	return out
}

func renderMarkdown(w service.GenerateWindow, groups []group) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Daily Summary (%s)\n\n", w.Start.UTC().Format("2006-01-02"))

	for _, g := range groups {
		heading := g.Source
		if g.Channel != "" {
			heading += " / " + g.Channel
		}
		fmt.Fprintf(&b, "## %s\n\n", heading)
		for _, it := range g.Items {
			line := it.Title
			if line == "" {
				line = firstLine(it.Text, 120)
			}
			if it.Link != "" {
				fmt.Fprintf(&b, "- [%s](%s)\n", line, it.Link)
			} else {
				fmt.Fprintf(&b, "- %s\n", line)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func categoriesMap(groups []group) types.Map[any] {
	out := types.Map[any]{}
	for _, g := range groups {
		titles := make([]any, 0, len(g.Items))
		for _, it := range g.Items {
			line := it.Title
			if line == "" {
				line = firstLine(it.Text, 120)
			}
			titles = append(titles, line)
		}
		key := g.Source
		if g.Channel != "" {
			key += "/" + g.Channel
		}
		out[key] = titles
	}
	return out
}

func (g *dailySummaryGenerator) narrate(ctx context.Context, groups []group) (string, error) {
	var b strings.Builder
	b.WriteString("Write a concise 2-3 paragraph summary of today's activity based on these items:\n\n")
	for _, grp := range groups {
		fmt.Fprintf(&b, "%s:\n", grp.Source)
		for i, it := range grp.Items {
			if i >= 20 {
				break
			}
			line := it.Title
			if line == "" {
				line = firstLine(it.Text, 200)
			}
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}

	return g.ai.Complete(ctx, b.String(), service.CompleteOptions{MaxTokens: 600})
}

func firstLine(text string, max int) string {
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	if len(line) > max {
		line = line[:max] + "…"
	}
	return line
}

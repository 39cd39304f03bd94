package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worldline-go/types"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

type stubAI struct {
	completions int
	reply       string
}

func (s *stubAI) Name() string { return "stub" }

func (s *stubAI) Complete(context.Context, string, service.CompleteOptions) (string, error) {
	s.completions++
	return s.reply, nil
}

func (s *stubAI) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1}, nil
}

// stubStore backs generator tests with a fixed item window.
type stubStore struct {
	service.Store
	items []service.ContentItem
}

func (s *stubStore) GetItemsBetween(context.Context, int64, int64) ([]service.ContentItem, error) {
	return s.items, nil
}

func TestParseKeywords(t *testing.T) {
	kw := parseKeywords("defi:swap|liquidity, nft:mint")
	require.Len(t, kw, 2)
	assert.Equal(t, []string{"swap", "liquidity"}, kw["defi"])
	assert.Equal(t, []string{"mint"}, kw["nft"])

	assert.Empty(t, parseKeywords(""))
	assert.Empty(t, parseKeywords("no-colon-here"))
}

func TestTopicsEnricherKeywordMatch(t *testing.T) {
	e, err := newTopicsEnricher("topics-1", map[string]any{
		"keywords": "release:shipped|launch,security:cve",
	}, Deps{})
	require.NoError(t, err)

	items, err := e.Enrich(context.Background(), []service.ContentItem{
		{CID: "a", Title: "v2 shipped today", Text: "also fixes CVE-2026-1234"},
		{CID: "b", Text: "nothing relevant"},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"release", "security"}, []string(items[0].Topics))
	assert.Empty(t, []string(items[1].Topics))
}

func TestTopicsEnricherAIFallback(t *testing.T) {
	ai := &stubAI{reply: "rollup, bridges"}
	e, err := newTopicsEnricher("topics-1", map[string]any{
		"keywords": "release:shipped",
		"provider": "ai-1",
	}, Deps{Providers: map[string]service.AIProvider{"ai-1": ai}})
	require.NoError(t, err)

	items, err := e.Enrich(context.Background(), []service.ContentItem{
		{CID: "a", Text: "a long post about L2 infrastructure"},
		{CID: "b", Title: "v3 shipped"}, // keyword hit, no AI needed
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"rollup", "bridges"}, []string(items[0].Topics))
	assert.Equal(t, []string{"release"}, []string(items[1].Topics))
	assert.Equal(t, 1, ai.completions)
}

func TestTopicsEnricherDanglingProvider(t *testing.T) {
	_, err := newTopicsEnricher("topics-1", map[string]any{"provider": "nope"}, Deps{})
	var ce *service.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestTopicsEnricherDeterministicOrder(t *testing.T) {
	e, err := newTopicsEnricher("topics-1", map[string]any{
		"keywords":  "beta:shipped,alpha:cve,gamma:shipped",
		"maxTopics": 2,
	}, Deps{})
	require.NoError(t, err)

	// Repeated enrichment of the same text must yield the same tags in the
	// same order, including the subset kept by maxTopics.
	for i := 0; i < 20; i++ {
		items, err := e.Enrich(context.Background(), []service.ContentItem{
			{CID: "a", Text: "shipped a fix for CVE-2026-1"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, []string(items[0].Topics))
	}
}

func TestMergeTopicsDedupes(t *testing.T) {
	out := mergeTopics([]string{"a", "b"}, []string{"b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestDailySummaryGenerate(t *testing.T) {
	day := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	st := &stubStore{items: []service.ContentItem{
		{Source: "discord", Title: "hello", Link: "https://x/1",
			Metadata: types.Map[any]{"channelId": "general"}, Date: day.Unix()},
		{Source: "git", Text: "fix: crash on empty batch\nlong body", Date: day.Unix()},
	}}

	gen, err := newDailySummaryGenerator(
		service.PluginDecl{Name: "daily", PluginName: "dailySummary"},
		map[string]any{}, Deps{Store: st})
	require.NoError(t, err)

	sum, err := gen.Generate(context.Background(), service.GenerateWindow{
		Start: day, End: day.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.NotNil(t, sum)

	assert.Equal(t, "dailySummary", sum.Type)
	assert.Equal(t, day.Unix(), sum.Date)
	assert.Contains(t, sum.Markdown, "## discord / general")
	assert.Contains(t, sum.Markdown, "[hello](https://x/1)")
	assert.Contains(t, sum.Markdown, "fix: crash on empty batch")
	assert.NotContains(t, sum.Markdown, "long body")
	assert.Contains(t, sum.Categories, "discord/general")
}

func TestDailySummaryEmptyWindow(t *testing.T) {
	gen, err := newDailySummaryGenerator(
		service.PluginDecl{Name: "daily", PluginName: "dailySummary"},
		map[string]any{}, Deps{Store: &stubStore{}})
	require.NoError(t, err)

	sum, err := gen.Generate(context.Background(), service.GenerateWindow{End: time.Now()})
	require.NoError(t, err)
	assert.Nil(t, sum)
}

func TestDailySummarySkipAI(t *testing.T) {
	ai := &stubAI{reply: "narrative"}
	st := &stubStore{items: []service.ContentItem{{Source: "s", Title: "t", Date: 1}}}

	gen, err := newDailySummaryGenerator(
		service.PluginDecl{Name: "daily", PluginName: "dailySummary"},
		map[string]any{"provider": "ai-1"},
		Deps{Store: st, Providers: map[string]service.AIProvider{"ai-1": ai}})
	require.NoError(t, err)

	sum, err := gen.Generate(context.Background(), service.GenerateWindow{
		End: time.Now(), SkipAI: true,
	})
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 0, ai.completions)
	assert.NotContains(t, sum.Markdown, "## Overview")

	sum, err = gen.Generate(context.Background(), service.GenerateWindow{End: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, ai.completions)
	assert.Contains(t, sum.Markdown, "## Overview")
}

func TestDailySummaryScheduleSelectsCronVariant(t *testing.T) {
	plain, err := newDailySummaryGenerator(
		service.PluginDecl{Name: "daily", PluginName: "dailySummary"},
		map[string]any{}, Deps{Store: &stubStore{}})
	require.NoError(t, err)
	_, isCron := plain.(service.CronGenerator)
	assert.False(t, isCron)

	cronGen, err := newDailySummaryGenerator(
		service.PluginDecl{Name: "daily", PluginName: "dailySummary", Schedule: "0 0 * * *"},
		map[string]any{}, Deps{Store: &stubStore{}})
	require.NoError(t, err)
	cg, isCron := cronGen.(service.CronGenerator)
	require.True(t, isCron)
	assert.Equal(t, "0 0 * * *", cg.Schedule())
}

func TestDailySummaryIntervalFromDecl(t *testing.T) {
	gen, err := newDailySummaryGenerator(
		service.PluginDecl{Name: "daily", PluginName: "dailySummary", Interval: "30m"},
		map[string]any{}, Deps{Store: &stubStore{}})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, gen.Interval())
}

func TestFirstLineTruncates(t *testing.T) {
	assert.Equal(t, "head", firstLine("head\ntail", 120))
	assert.Equal(t, "abcde…", firstLine("abcdefgh", 5))
}

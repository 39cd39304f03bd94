package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// ─── fakes ───

type memStore struct {
	mu        sync.Mutex
	items     map[string]service.ContentItem // cid -> item
	summaries []service.SummaryItem
	cursors   map[string]string
}

func newMemStore() *memStore {
	return &memStore{items: map[string]service.ContentItem{}, cursors: map[string]string{}}
}

func (m *memStore) SaveItems(_ context.Context, items []service.ContentItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := 0
	for _, it := range items {
		if _, ok := m.items[it.CID]; ok {
			continue
		}
		m.items[it.CID] = it
		stored++
	}
	return stored, nil
}

func (m *memStore) GetItem(_ context.Context, cid string) (*service.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[cid]; ok {
		return &it, nil
	}
	return nil, nil
}

func (m *memStore) GetItemsBetween(_ context.Context, start, end int64) ([]service.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []service.ContentItem
	for _, it := range m.items {
		if it.Date >= start && it.Date < end {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memStore) SaveSummary(_ context.Context, s service.SummaryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}

func (m *memStore) GetSummaryBetween(context.Context, int64, int64) ([]service.SummaryItem, error) {
	return nil, nil
}

func (m *memStore) GetCursor(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[key], nil
}

func (m *memStore) SetCursor(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[key] = token
	return nil
}

func (m *memStore) SearchByEmbedding(context.Context, service.SearchQuery) ([]service.SearchResult, error) {
	return nil, nil
}
func (m *memStore) TopicCounts(context.Context, int) ([]service.TopicCount, error) { return nil, nil }
func (m *memStore) SourceStats(context.Context) ([]service.SourceCount, error)     { return nil, nil }
func (m *memStore) DateRange(context.Context) (int64, int64, error)                { return 0, 0, nil }

type fakeSource struct {
	name    string
	batches [][]service.ContentItem
	errs    []error
	calls   int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchItems(context.Context) ([]service.ContentItem, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.batches) {
		return f.batches[i], nil
	}
	return nil, nil
}

type fakeHistorical struct {
	fakeSource
	dates []time.Time
}

func (f *fakeHistorical) FetchHistorical(_ context.Context, date time.Time) ([]service.ContentItem, error) {
	f.dates = append(f.dates, date)
	return []service.ContentItem{{
		CID:  "hist-" + date.Format("2006-01-02"),
		Type: "histItem",
		Date: date.Unix(),
	}}, nil
}

type topicTagger struct{}

func (topicTagger) Name() string { return "tagger" }

func (topicTagger) Enrich(_ context.Context, items []service.ContentItem) ([]service.ContentItem, error) {
	for i := range items {
		items[i].Topics = append(items[i].Topics, "tagged")
	}
	return items, nil
}

type fakeGenerator struct {
	name    string
	windows []service.GenerateWindow
	out     *service.SummaryItem
}

func (f *fakeGenerator) Name() string            { return f.name }
func (f *fakeGenerator) Interval() time.Duration { return time.Hour }

func (f *fakeGenerator) Generate(_ context.Context, w service.GenerateWindow) (*service.SummaryItem, error) {
	f.windows = append(f.windows, w)
	return f.out, nil
}

type fakeEmbedder struct {
	embedded []string
}

func (f *fakeEmbedder) Name() string { return "embed" }

func (f *fakeEmbedder) Complete(context.Context, string, service.CompleteOptions) (string, error) {
	return "", nil
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.embedded = append(f.embedded, text)
	return []float32{0.5}, nil
}

type captureReporter struct {
	mu      sync.Mutex
	sources map[string]service.SourceStat
	stored  int
	gens    []string
	errs    []error
}

func newCaptureReporter() *captureReporter {
	return &captureReporter{sources: map[string]service.SourceStat{}}
}

func (c *captureReporter) Phase(service.JobPhase) {}
func (c *captureReporter) Source(name string, stat service.SourceStat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = stat
}
func (c *captureReporter) Stored(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored += n
}
func (c *captureReporter) Generated(typ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens = append(c.gens, typ)
}
func (c *captureReporter) ReportError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func item(cid, text string, date int64) service.ContentItem {
	return service.ContentItem{CID: cid, Type: "msg", Text: text, Date: date}
}

// ─── tests ───

func TestCycleDedupesAndEnriches(t *testing.T) {
	st := newMemStore()
	now := time.Now().Unix()

	// One item already persisted from an earlier cycle.
	_, err := st.SaveItems(context.Background(), []service.ContentItem{item("known", "old", now)})
	require.NoError(t, err)

	rep := newCaptureReporter()
	p := New(Config{
		ConfigID: "cfg-1",
		Store:    st,
		Sources: []service.Source{&fakeSource{name: "src", batches: [][]service.ContentItem{{
			item("known", "old", now),   // store-level duplicate
			item("fresh-1", "one", now), // new
			item("fresh-2", "two", now), // new
			item("fresh-1", "one", now), // in-batch duplicate
		}}}},
		Enrichers: []service.Enricher{topicTagger{}},
		Reporter:  rep,
	})

	require.NoError(t, p.Cycle(context.Background()))

	assert.Equal(t, 2, rep.stored)
	stat := rep.sources["src"]
	assert.Equal(t, 4, stat.Fetched)
	assert.Equal(t, 2, stat.New)

	saved, err := st.GetItem(context.Background(), "fresh-1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Contains(t, []string(saved.Topics), "tagged")

	// The pre-existing item never went through the enricher again.
	known, err := st.GetItem(context.Background(), "known")
	require.NoError(t, err)
	assert.Empty(t, []string(known.Topics))
}

func TestNormalizeSynthesizesCIDAndClampsFutureDates(t *testing.T) {
	now := time.Now().Unix()
	items := normalize("src", []service.ContentItem{
		{Type: "msg", Text: "no cid here", Date: now},
		{CID: "future", Type: "msg", Date: now + 3600},
	})

	assert.NotEmpty(t, items[0].CID)
	assert.Contains(t, items[0].CID, "synth-")
	assert.Equal(t, "src", items[0].Source)

	assert.LessOrEqual(t, items[1].Date, time.Now().Unix())
	assert.Equal(t, true, items[1].Metadata["dateClamped"])
	assert.Equal(t, now+3600, items[1].Metadata["originalDate"])
}

func TestSyntheticCIDDeterministic(t *testing.T) {
	a := service.ContentItem{Source: "s", Type: "msg", Date: 100, Link: "https://x"}
	b := service.ContentItem{Source: "s", Type: "msg", Date: 100, Link: "https://x"}
	c := service.ContentItem{Source: "s", Type: "msg", Date: 101, Link: "https://x"}

	assert.Equal(t, SyntheticCID(a), SyntheticCID(b))
	assert.NotEqual(t, SyntheticCID(a), SyntheticCID(c))
}

func TestCycleAllSourcesFailed(t *testing.T) {
	rep := newCaptureReporter()
	p := New(Config{
		ConfigID: "cfg-1",
		Store:    newMemStore(),
		Sources: []service.Source{
			&fakeSource{name: "a", errs: []error{errors.New("down")}},
			&fakeSource{name: "b", errs: []error{errors.New("down too")}},
		},
		Reporter: rep,
	})

	err := p.Cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all sources failed")
}

func TestCyclePartialFailureSucceeds(t *testing.T) {
	st := newMemStore()
	rep := newCaptureReporter()
	p := New(Config{
		ConfigID: "cfg-1",
		Store:    st,
		Sources: []service.Source{
			&fakeSource{name: "ok", batches: [][]service.ContentItem{{item("x", "t", time.Now().Unix())}}},
			&fakeSource{name: "bad", errs: []error{errors.New("down")}},
		},
		Reporter: rep,
	})

	require.NoError(t, p.Cycle(context.Background()))
	assert.Equal(t, 1, rep.stored)
	assert.NotEmpty(t, rep.sources["bad"].Error)
	require.Len(t, rep.errs, 1)
}

func TestWithRetryOnlyRetryable(t *testing.T) {
	p := New(Config{ConfigID: "cfg-1", Store: newMemStore(), Retries: 3})

	calls := 0
	err := p.withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return service.RetryableErr(errors.New("transient"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	permanent := errors.New("permanent")
	err = p.withRetry(context.Background(), func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
}

func TestEmbedOnlyAboveRuneThreshold(t *testing.T) {
	emb := &fakeEmbedder{}
	p := New(Config{ConfigID: "cfg-1", Store: newMemStore(), Embedder: emb, EmbedThreshold: 5})

	items := []service.ContentItem{
		item("at", "aaaaa", 1),         // exactly at the threshold
		item("above", "aaaaaa", 1),     // one rune over
		item("short-wide", "ééééé", 1), // 5 runes but 10 bytes
	}
	require.NoError(t, p.embed(context.Background(), items))

	assert.Empty(t, items[0].Embedding, "text at the threshold must not be embedded")
	assert.NotEmpty(t, items[1].Embedding)
	assert.Empty(t, items[2].Embedding, "the threshold counts runes, not bytes")
	assert.Equal(t, []string{"aaaaaa"}, emb.embedded)
}

func TestRunOnceHistoricalRange(t *testing.T) {
	st := newMemStore()
	rep := newCaptureReporter()
	hist := &fakeHistorical{fakeSource: fakeSource{name: "hist"}}
	plain := &fakeSource{name: "plain"}

	p := New(Config{
		ConfigID: "cfg-1",
		Store:    st,
		Sources:  []service.Source{hist, plain},
		Settings: service.Settings{
			RunOnce:   true,
			After:     "2026-08-01",
			Before:    "2026-08-03",
			OnlyFetch: true,
		},
		Reporter: rep,
	})

	require.NoError(t, p.RunOnce(context.Background()))

	require.Len(t, hist.dates, 3)
	assert.Equal(t, "2026-08-01", hist.dates[0].Format("2006-01-02"))
	assert.Equal(t, "2026-08-03", hist.dates[2].Format("2006-01-02"))

	// Sources without historical support are skipped, not failed.
	assert.Equal(t, "no-historical", rep.sources["plain"].Skipped)
	assert.Equal(t, 3, rep.stored)
}

func TestRunOnceGeneratesOverWindow(t *testing.T) {
	st := newMemStore()
	rep := newCaptureReporter()
	gen := &fakeGenerator{name: "daily", out: &service.SummaryItem{Type: "dailySummary", Markdown: "# hi"}}

	p := New(Config{
		ConfigID:   "cfg-1",
		Store:      st,
		Generators: []service.Generator{gen},
		Settings:   service.Settings{RunOnce: true, OnlyGenerate: true, Date: "2026-08-10"},
		Reporter:   rep,
	})

	require.NoError(t, p.RunOnce(context.Background()))

	require.Len(t, gen.windows, 1)
	assert.Equal(t, "2026-08-10", gen.windows[0].Start.Format("2006-01-02"))
	assert.Equal(t, 24*time.Hour, gen.windows[0].End.Sub(gen.windows[0].Start))

	require.Len(t, st.summaries, 1)
	assert.Equal(t, "cfg-1", st.summaries[0].ConfigID, "pipeline must stamp the configuration id")
	assert.Equal(t, []string{"dailySummary"}, rep.gens)
}

func TestRunOnceOnlyFetchSkipsGenerators(t *testing.T) {
	gen := &fakeGenerator{name: "daily"}
	p := New(Config{
		ConfigID:   "cfg-1",
		Store:      newMemStore(),
		Sources:    []service.Source{&fakeSource{name: "s"}},
		Generators: []service.Generator{gen},
		Settings:   service.Settings{RunOnce: true, OnlyFetch: true},
	})

	require.NoError(t, p.RunOnce(context.Background()))
	assert.Empty(t, gen.windows)
}

func TestNilSummaryIsNotSaved(t *testing.T) {
	st := newMemStore()
	gen := &fakeGenerator{name: "daily", out: nil}
	p := New(Config{
		ConfigID:   "cfg-1",
		Store:      st,
		Generators: []service.Generator{gen},
		Settings:   service.Settings{RunOnce: true, OnlyGenerate: true},
	})

	require.NoError(t, p.RunOnce(context.Background()))
	assert.Empty(t, st.summaries)
}

func TestHistoricalDates(t *testing.T) {
	dates, err := HistoricalDates(service.Settings{Date: "2026-08-10"})
	require.NoError(t, err)
	require.Len(t, dates, 1)

	dates, err = HistoricalDates(service.Settings{After: "2026-08-01", Before: "2026-08-05"})
	require.NoError(t, err)
	assert.Len(t, dates, 5)

	dates, err = HistoricalDates(service.Settings{})
	require.NoError(t, err)
	assert.Empty(t, dates)

	_, err = HistoricalDates(service.Settings{After: "2026-08-01"})
	assert.Error(t, err)

	_, err = HistoricalDates(service.Settings{After: "2026-08-05", Before: "2026-08-01"})
	assert.Error(t, err)

	_, err = HistoricalDates(service.Settings{Date: "not-a-date"})
	assert.Error(t, err)
}

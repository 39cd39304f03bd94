// Package aggregator runs the fetch, dedupe, enrich, embed, store pipeline for
// one configuration, plus generator scheduling. The job manager owns lifecycle
// and quota; this package only moves data.
package aggregator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// Reporter receives pipeline progress. Calls are made inline from the
// pipeline; implementations must not block.
type Reporter interface {
	Phase(phase service.JobPhase)
	Source(name string, stat service.SourceStat)
	Stored(newItems int)
	Generated(summaryType string)
	ReportError(err error)
}

type nopReporter struct{}

func (nopReporter) Phase(service.JobPhase)            {}
func (nopReporter) Source(string, service.SourceStat) {}
func (nopReporter) Stored(int)                        {}
func (nopReporter) Generated(string)                  {}
func (nopReporter) ReportError(error)                 {}

// Config assembles a pipeline for one configuration.
type Config struct {
	ConfigID   string
	Store      service.Store
	Sources    []service.Source
	Enrichers  []service.Enricher
	Generators []service.Generator

	// Embedder is used to embed items whose text exceeds EmbedThreshold.
	// Nil disables embedding.
	Embedder       service.AIProvider
	EmbedThreshold int

	FanOut  int // parallel source fetches, default 4
	Retries int // extra attempts for retryable errors

	// SkipAI drops embedding and tells generators to avoid AI calls.
	SkipAI bool

	Settings service.Settings
	Reporter Reporter
	Logger   *slog.Logger
}

// Pipeline executes fetch cycles and generator runs for one configuration.
type Pipeline struct {
	cfg Config
	log *slog.Logger
	rep Reporter

	// writeMu serializes dedupe+store per configuration so cursor updates
	// stay coherent across the source fan-out.
	writeMu sync.Mutex

	// genMu is the per-configuration generator lock.
	genMu   sync.Mutex
	lastGen map[string]time.Time
	nextGen map[string]time.Time // cron generators
}

func New(cfg Config) *Pipeline {
	if cfg.FanOut <= 0 {
		cfg.FanOut = 4
	}
	if cfg.Reporter == nil {
		cfg.Reporter = nopReporter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		log:     cfg.Logger.With("config_id", cfg.ConfigID),
		rep:     cfg.Reporter,
		lastGen: map[string]time.Time{},
		nextGen: map[string]time.Time{},
	}
}

// RunOnce executes a one-shot job honoring the configuration settings:
// onlyGenerate skips fetching, onlyFetch skips generators, a historical date
// or range drives fetchHistorical per day. Generators run once after the
// final batch.
func (p *Pipeline) RunOnce(ctx context.Context) error {
	if !p.cfg.Settings.OnlyGenerate {
		dates, err := HistoricalDates(p.cfg.Settings)
		if err != nil {
			return err
		}
		if len(dates) > 0 {
			if err := p.runHistorical(ctx, dates); err != nil {
				return err
			}
		} else if err := p.Cycle(ctx); err != nil {
			return err
		}
	}

	if p.cfg.Settings.OnlyFetch {
		return nil
	}

	window, err := p.generateWindow()
	if err != nil {
		return err
	}
	return p.runGenerators(ctx, window)
}

// RunContinuous loops fetch cycles until the context is cancelled, invoking
// any generator whose interval (or cron schedule) has elapsed after each
// cycle. Returns nil on cancellation.
func (p *Pipeline) RunContinuous(ctx context.Context, cycleInterval time.Duration) error {
	if cycleInterval <= 0 {
		cycleInterval = time.Minute
	}
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	for {
		if err := p.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if service.Fatal(err) {
				return err
			}
			p.rep.ReportError(err)
			p.log.Warn("fetch cycle failed", "error", err)
		}

		if !p.cfg.Settings.OnlyFetch {
			if err := p.runDueGenerators(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.rep.ReportError(err)
				p.log.Warn("generator run failed", "error", err)
			}
		}

		p.rep.Phase(service.PhaseWaiting)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle runs one fetch pass over every source with bounded fan-out. Each
// source's batch is deduped, enriched, embedded, and stored under the
// per-configuration write lock.
func (p *Pipeline) Cycle(ctx context.Context) error {
	p.rep.Phase(service.PhaseFetching)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FanOut)

	var (
		mu       sync.Mutex
		failures int
		firstErr error
	)
	for _, src := range p.cfg.Sources {
		src := src
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := p.fetchAndStore(gctx, src, nil)
			if err != nil {
				if service.Fatal(err) {
					return err
				}
				mu.Lock()
				failures++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(p.cfg.Sources) > 0 && failures == len(p.cfg.Sources) {
		return fmt.Errorf("all sources failed: %w", firstErr)
	}
	return nil
}

// runHistorical drives fetchHistorical per date for sources that support it.
// Sources without historical support are recorded as skipped.
func (p *Pipeline) runHistorical(ctx context.Context, dates []time.Time) error {
	p.rep.Phase(service.PhaseFetching)

	for _, src := range p.cfg.Sources {
		hs, ok := src.(service.HistoricalSource)
		if !ok {
			p.rep.Source(src.Name(), service.SourceStat{Skipped: "no-historical"})
			continue
		}

		for _, date := range dates {
			if err := ctx.Err(); err != nil {
				return err
			}
			date := date
			err := p.fetchAndStore(ctx, src, func(ctx context.Context) ([]service.ContentItem, error) {
				return hs.FetchHistorical(ctx, date)
			})
			if err != nil && service.Fatal(err) {
				return err
			}
		}
	}
	return nil
}

// fetchAndStore fetches one batch from a source (with retry for retryable
// failures) and pushes it through the processing stages. fetch overrides the
// default FetchItems when historical mode drives a specific date.
func (p *Pipeline) fetchAndStore(ctx context.Context, src service.Source, fetch func(context.Context) ([]service.ContentItem, error)) error {
	if fetch == nil {
		fetch = src.FetchItems
	}

	var items []service.ContentItem
	err := p.withRetry(ctx, func() error {
		var ferr error
		items, ferr = fetch(ctx)
		return ferr
	})

	stat := service.SourceStat{Fetched: len(items), LastFetchAt: time.Now().UTC()}
	if err != nil {
		stat.Error = err.Error()
		p.rep.Source(src.Name(), stat)
		p.rep.ReportError(fmt.Errorf("source %s: %w", src.Name(), err))
		return err
	}

	stored, err := p.processBatch(ctx, src.Name(), items)
	stat.New = stored
	if err != nil {
		stat.Error = err.Error()
	}
	p.rep.Source(src.Name(), stat)
	if err != nil {
		p.rep.ReportError(fmt.Errorf("source %s: %w", src.Name(), err))
		return err
	}
	return nil
}

// processBatch normalizes, dedupes, enriches, embeds, and persists one batch.
// Runs under the per-configuration write lock.
func (p *Pipeline) processBatch(ctx context.Context, source string, items []service.ContentItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	items = normalize(source, items)

	// In-batch collapse keeps the first occurrence per cid; the store's
	// uniqueness constraint remains the authoritative arbiter.
	seen := make(map[string]bool, len(items))
	fresh := items[:0]
	for _, it := range items {
		if seen[it.CID] {
			continue
		}
		seen[it.CID] = true

		existing, err := p.cfg.Store.GetItem(ctx, it.CID)
		if err != nil {
			return 0, err
		}
		if existing == nil {
			fresh = append(fresh, it)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	if len(p.cfg.Enrichers) > 0 {
		p.rep.Phase(service.PhaseEnriching)
		for _, e := range p.cfg.Enrichers {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			var err error
			fresh, err = e.Enrich(ctx, fresh)
			if err != nil {
				return 0, fmt.Errorf("enricher %s: %w", e.Name(), err)
			}
		}
	}

	if err := p.embed(ctx, fresh); err != nil {
		return 0, err
	}

	p.rep.Phase(service.PhaseStoring)
	stored, err := p.cfg.Store.SaveItems(ctx, fresh)
	if err != nil {
		return 0, err
	}
	p.rep.Stored(stored)
	return stored, nil
}

// embed fills embeddings for items whose text exceeds the threshold. Embedding
// failures degrade the item, not the batch.
func (p *Pipeline) embed(ctx context.Context, items []service.ContentItem) error {
	if p.cfg.Embedder == nil || p.cfg.SkipAI || p.cfg.EmbedThreshold <= 0 {
		return nil
	}
	for i := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if utf8.RuneCountInString(items[i].Text) <= p.cfg.EmbedThreshold {
			continue
		}
		vec, err := p.cfg.Embedder.Embed(ctx, items[i].Text)
		if err != nil {
			p.log.Warn("embedding failed", "cid", items[i].CID, "error", err)
			continue
		}
		items[i].Embedding = vec
	}
	return nil
}

// normalize synthesizes missing cids and clamps future dates.
func normalize(source string, items []service.ContentItem) []service.ContentItem {
	now := time.Now().Unix()
	for i := range items {
		if items[i].Source == "" {
			items[i].Source = source
		}
		if items[i].CID == "" {
			items[i].CID = SyntheticCID(items[i])
		}
		if items[i].Date > now {
			if items[i].Metadata == nil {
				items[i].Metadata = map[string]any{}
			}
			items[i].Metadata["originalDate"] = items[i].Date
			items[i].Metadata["dateClamped"] = true
			items[i].Date = now
		}
	}
	return items
}

// SyntheticCID derives a deterministic content id for items whose source did
// not provide one, so dedupe remains meaningful.
func SyntheticCID(it service.ContentItem) string {
	basis := it.Link
	if basis == "" {
		basis = it.Text
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", it.Source, it.Type, it.Date, basis)))
	return "synth-" + hex.EncodeToString(sum[:16])
}

func (p *Pipeline) withRetry(ctx context.Context, fn func() error) error {
	backoff := time.Second
	var err error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = fn(); err == nil || !service.Retryable(err) {
			return err
		}
	}
	return err
}

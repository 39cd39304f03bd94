// Command historical backfills content for past dates into a local sqlite
// database. It runs the pipeline directly, without the platform job manager,
// so it needs no platform database or account.
//
// Exit codes: 0 success, 1 configuration error, 2 runtime fault, 3 cancelled.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rakunlabs/logi"
	"github.com/worldline-go/klient"

	"github.com/bozp-pzob/ai-news-sub003/internal/aggregator"
	"github.com/bozp-pzob/ai-news-sub003/internal/plugins"
	"github.com/bozp-pzob/ai-news-sub003/internal/registry"
	"github.com/bozp-pzob/ai-news-sub003/internal/secret"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
	"github.com/bozp-pzob/ai-news-sub003/internal/store"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitRuntime   = 2
	exitCancelled = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		sourcePath   = flag.String("source", "", "configuration JSON file (required)")
		date         = flag.String("date", "", "single date to backfill (YYYY-MM-DD)")
		after        = flag.String("after", "", "range start, inclusive (YYYY-MM-DD)")
		before       = flag.String("before", "", "range end, inclusive (YYYY-MM-DD)")
		output       = flag.String("output", "", "sqlite output path (default data/<slug>.db)")
		onlyFetch    = flag.Bool("only-fetch", false, "fetch and store without running generators")
		onlyGenerate = flag.Bool("only-generate", false, "run generators over already stored items")
		logLevel     = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logi.InitializeLog(logi.WithLevel(*logLevel))

	if *sourcePath == "" {
		fmt.Fprintln(os.Stderr, "usage: historical --source config.json [--date YYYY-MM-DD | --after ... --before ...]")
		return exitConfig
	}

	cfg, err := loadConfiguration(*sourcePath)
	if err != nil {
		slog.Error("configuration unreadable", "path", *sourcePath, "error", err)
		return exitConfig
	}

	cfg.Settings.RunOnce = true
	cfg.Settings.OnlyFetch = *onlyFetch
	cfg.Settings.OnlyGenerate = *onlyGenerate
	if *date != "" {
		cfg.Settings.Date = *date
	}
	if *after != "" || *before != "" {
		cfg.Settings.After = *after
		cfg.Settings.Before = *before
	}
	if _, err := aggregator.HistoricalDates(cfg.Settings); err != nil {
		slog.Error("invalid date selection", "error", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := backfill(ctx, cfg, *output); err != nil {
		switch {
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			slog.Warn("cancelled")
			return exitCancelled
		case isConfigErr(err):
			slog.Error("configuration error", "error", err)
			return exitConfig
		default:
			slog.Error("backfill failed", "error", err)
			return exitRuntime
		}
	}
	return exitOK
}

func loadConfiguration(path string) (service.Configuration, error) {
	var cfg service.Configuration
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Slug == "" {
		cfg.Slug = "historical"
	}
	return cfg, nil
}

func backfill(ctx context.Context, cfg service.Configuration, output string) error {
	reg, err := registry.Load()
	if err != nil {
		return err
	}
	for kind, decls := range map[registry.Kind][]service.PluginDecl{
		registry.KindSource:    cfg.Sources,
		registry.KindEnricher:  cfg.Enrichers,
		registry.KindGenerator: cfg.Generators,
		registry.KindAI:        cfg.AI,
		registry.KindStorage:   cfg.Storage,
	} {
		for _, decl := range decls {
			if err := reg.Validate(kind, decl); err != nil {
				return err
			}
		}
	}

	if output == "" {
		output = filepath.Join("data", cfg.Slug+".db")
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}
	st, err := store.OpenSQLite(ctx, output, cfg.Slug)
	if err != nil {
		return service.ConfigErrorf("open output store: %v", err)
	}
	defer st.Close()

	kc, err := klient.New(klient.WithDisableBaseURLCheck(true))
	if err != nil {
		return err
	}

	// Secret references resolve from the environment; there is no platform
	// secret store in local mode.
	lookup := secret.Lookup(func(_ context.Context, name string) (string, bool, error) {
		v, ok := os.LookupEnv(name)
		return v, ok, nil
	})

	providers := map[string]service.AIProvider{}
	deps := plugins.Deps{
		Cursors:   st,
		HTTP:      kc,
		Store:     st,
		Providers: providers,
	}

	var (
		sources    []service.Source
		enrichers  []service.Enricher
		generators []service.Generator
		embedder   service.AIProvider
	)
	for _, decl := range cfg.AI {
		params, err := secret.ResolveParams(ctx, decl.Params, lookup)
		if err != nil {
			return err
		}
		p, err := plugins.NewAI(decl, params, deps)
		if err != nil {
			return err
		}
		providers[decl.Name] = p
		if embedder == nil {
			embedder = p
		}
	}
	for _, decl := range cfg.Sources {
		params, err := secret.ResolveParams(ctx, decl.Params, lookup)
		if err != nil {
			return err
		}
		s, err := plugins.NewSource(decl, params, deps)
		if err != nil {
			return err
		}
		sources = append(sources, s)
	}
	for _, decl := range cfg.Enrichers {
		params, err := secret.ResolveParams(ctx, decl.Params, lookup)
		if err != nil {
			return err
		}
		e, err := plugins.NewEnricher(decl, params, deps)
		if err != nil {
			return err
		}
		enrichers = append(enrichers, e)
	}
	for _, decl := range cfg.Generators {
		params, err := secret.ResolveParams(ctx, decl.Params, lookup)
		if err != nil {
			return err
		}
		g, err := plugins.NewGenerator(decl, params, deps)
		if err != nil {
			return err
		}
		generators = append(generators, g)
	}

	if len(sources) == 0 && !cfg.Settings.OnlyGenerate {
		return service.ConfigErrorf("configuration declares no sources")
	}

	pipe := aggregator.New(aggregator.Config{
		ConfigID:       cfg.Slug,
		Store:          st,
		Sources:        sources,
		Enrichers:      enrichers,
		Generators:     generators,
		Embedder:       embedder,
		EmbedThreshold: 80,
		Retries:        2,
		Settings:       cfg.Settings,
		Logger:         slog.Default(),
	})
	return pipe.RunOnce(ctx)
}

func isConfigErr(err error) bool {
	var ce *service.ConfigError
	var ms *service.MissingSecretError
	return errors.As(err, &ce) || errors.As(err, &ms)
}

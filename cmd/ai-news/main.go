package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"
	"github.com/robfig/cron/v3"
	"github.com/worldline-go/klient"

	"github.com/bozp-pzob/ai-news-sub003/internal/config"
	"github.com/bozp-pzob/ai-news-sub003/internal/job"
	"github.com/bozp-pzob/ai-news-sub003/internal/payment"
	"github.com/bozp-pzob/ai-news-sub003/internal/plugins"
	"github.com/bozp-pzob/ai-news-sub003/internal/quota"
	"github.com/bozp-pzob/ai-news-sub003/internal/registry"
	"github.com/bozp-pzob/ai-news-sub003/internal/secret"
	"github.com/bozp-pzob/ai-news-sub003/internal/server"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
	"github.com/bozp-pzob/ai-news-sub003/internal/statusbus"
	"github.com/bozp-pzob/ai-news-sub003/internal/store"
)

var version = "v0.0.0"

func main() {
	into.Init(run,
		into.WithMsgf("%s [%s]", config.Service, version),
	)
}

func run(ctx context.Context) error {
	var cfg config.Config
	if err := chu.Load(ctx, config.Service, &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.SetDefaults()

	logi.InitializeLog(logi.WithLevel(cfg.LogLevel))

	slog.Info("starting", "service", config.Service, "version", version)

	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	if cfg.Database.VectorBackend == "milvus" {
		if cfg.Database.MilvusAddress == "" {
			return fmt.Errorf("vector_backend milvus requires milvus_address")
		}
		mv, err := store.OpenMilvus(ctx, cfg.Database.MilvusAddress)
		if err != nil {
			return fmt.Errorf("open milvus: %w", err)
		}
		defer mv.Close()
		db.SetVectorIndex(mv)
		slog.Info("vector index", "backend", "milvus", "address", cfg.Database.MilvusAddress)
	}

	cipher, err := secret.NewCipher(cfg.Secret.Key)
	if err != nil {
		return err
	}
	secrets := secret.NewStore(cipher, db)

	reg, err := registry.Load()
	if err != nil {
		return err
	}

	httpClient, err := klient.New(klient.WithDisableBaseURLCheck(true))
	if err != nil {
		return fmt.Errorf("http client: %w", err)
	}

	bus := statusbus.New()
	quotas := quota.New(&cfg, db, db)
	gate := payment.New(cfg.Payment, db, httpClient)

	var embedder service.AIProvider
	if cfg.AI.APIKey != "" {
		embedder, err = plugins.NewAI(
			service.PluginDecl{Name: "platform", PluginName: "openai"},
			map[string]any{
				"apiKey":  cfg.AI.APIKey,
				"baseUrl": cfg.AI.BaseURL,
				"model":   cfg.AI.PaidTierModel,
			},
			plugins.Deps{},
		)
		if err != nil {
			return fmt.Errorf("platform ai: %w", err)
		}
	} else {
		slog.Warn("no platform AI key configured; semantic search disabled")
	}

	jobs := job.NewManager(ctx, job.Options{
		Config:   &cfg,
		Bus:      bus,
		Registry: reg,
		Quota:    quotas,
		Secrets:  secrets,
		Cipher:   cipher,
		DB:       db,
		HTTP:     httpClient,
		Logger:   slog.Default(),
	})
	defer jobs.Wait()

	// Daily counters reset at midnight UTC.
	sched := cron.New(cron.WithLocation(time.UTC))
	if _, err := sched.AddFunc("0 0 * * *", func() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.ResetDailyCounters(rctx); err != nil {
			slog.Error("daily counter reset failed", "error", err)
		} else {
			slog.Info("daily counters reset")
		}
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	srv, err := server.New(ctx, server.Options{
		Config:   &cfg,
		DB:       db,
		Jobs:     jobs,
		Bus:      bus,
		Registry: reg,
		Quota:    quotas,
		Secrets:  secrets,
		Gate:     gate,
		HTTP:     httpClient,
		Embedder: embedder,
	})
	if err != nil {
		return err
	}

	return srv.Start(ctx)
}

package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/klient"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/bozp-pzob/ai-news-sub003/internal/aggregator"
	"github.com/bozp-pzob/ai-news-sub003/internal/config"
	"github.com/bozp-pzob/ai-news-sub003/internal/quota"
	"github.com/bozp-pzob/ai-news-sub003/internal/registry"
	"github.com/bozp-pzob/ai-news-sub003/internal/secret"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
	"github.com/bozp-pzob/ai-news-sub003/internal/statusbus"
	"github.com/bozp-pzob/ai-news-sub003/internal/store"
)

// retainWindow is how long a terminal job's snapshot stays queryable before
// the manager forgets it.
const retainWindow = 5 * time.Minute

// PlatformStore is the slice of the shared database the manager needs:
// configuration reads, run bookkeeping, per-config scoping, and the webhook
// buffer.
type PlatformStore interface {
	service.WebhookStorer
	GetConfig(ctx context.Context, id string) (*service.ConfigRecord, error)
	SetRunStatus(ctx context.Context, id, status, lastError string, at time.Time) error
	Scoped(configID string) service.Store
}

var _ PlatformStore = (*store.Postgres)(nil)

// Options wires the manager's collaborators.
type Options struct {
	Config   *config.Config
	Bus      *statusbus.Bus
	Registry *registry.Registry
	Quota    *quota.Service
	Secrets  *secret.Store
	Cipher   *secret.Cipher
	DB       PlatformStore
	HTTP     *klient.Client
	Logger   *slog.Logger
}

// Manager runs jobs. At most one active job per configuration and at most
// MaxConcurrent active jobs overall; excess starts are rejected, not queued.
type Manager struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *statusbus.Bus
	reg     *registry.Registry
	quotas  *quota.Service
	secrets *secret.Store
	cipher  *secret.Cipher
	db      PlatformStore
	http    *klient.Client

	baseCtx       context.Context
	cycleInterval time.Duration
	retain        time.Duration

	mu       sync.Mutex
	active   int
	jobs     map[string]*Job
	byConfig map[string]string
	wg       sync.WaitGroup
}

// NewManager builds a manager. baseCtx bounds every job: when it is cancelled
// (process shutdown) all jobs stop cooperatively.
func NewManager(baseCtx context.Context, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cycle, err := str2duration.ParseDuration(opts.Config.Jobs.CycleInterval)
	if err != nil || cycle <= 0 {
		cycle = time.Minute
	}

	return &Manager{
		cfg:           opts.Config,
		log:           log,
		bus:           opts.Bus,
		reg:           opts.Registry,
		quotas:        opts.Quota,
		secrets:       opts.Secrets,
		cipher:        opts.Cipher,
		db:            opts.DB,
		http:          opts.HTTP,
		baseCtx:       baseCtx,
		cycleInterval: cycle,
		retain:        retainWindow,
		jobs:          map[string]*Job{},
		byConfig:      map[string]string{},
	}
}

// Wait blocks until every running job has finished. Called on shutdown after
// the base context is cancelled.
func (m *Manager) Wait() { m.wg.Wait() }

// StartPlatform launches a job for a stored configuration on behalf of its
// owner. Quota checks and tier adjustments happen here; a rejected job never
// leaves queued.
func (m *Manager) StartPlatform(ctx context.Context, user *service.User, configID string, mode service.JobMode) (service.JobStatus, error) {
	var zero service.JobStatus

	rec, err := m.db.GetConfig(ctx, configID)
	if err != nil {
		return zero, err
	}
	if rec == nil {
		return zero, service.ConfigErrorf("configuration %s not found", configID)
	}

	if mode == service.ModeOnce {
		if err := m.quotas.CanRunOnce(ctx, user, configID); err != nil {
			return zero, err
		}
	} else if m.quotas.Limits(user).MaxContinuous <= 0 {
		return zero, &service.QuotaError{Kind: "continuous-tier"}
	}

	adj := m.quotas.Adjust(user, rec.Configuration)

	cfg := rec.Configuration
	cfg.Settings.RunOnce = mode == service.ModeOnce

	in := buildInput{
		configID: configID,
		cfg:      cfg,
		lookup:   m.secrets.Lookup(configID),
		adj:      adj,
	}
	if rec.StorageType == "external" {
		in.externalURLCipher = rec.ExternalDBURLCipher
	}

	return m.start(ctx, in, mode, user)
}

// StartLocal launches a one-shot local-mode job: configuration and secrets
// arrive with the request, storage is a local sqlite file, no quota applies.
func (m *Manager) StartLocal(ctx context.Context, cfg service.Configuration, secrets map[string]string) (service.JobStatus, error) {
	if cfg.ID == "" {
		cfg.ID = ulid.Make().String()
	}

	in := buildInput{
		configID: cfg.ID,
		cfg:      cfg,
		lookup:   secret.StaticLookup(secrets),
		local:    true,
	}
	return m.start(ctx, in, service.ModeOnce, nil)
}

func (m *Manager) start(ctx context.Context, in buildInput, mode service.JobMode, user *service.User) (service.JobStatus, error) {
	var zero service.JobStatus

	m.mu.Lock()
	if _, busy := m.byConfig[in.configID]; busy {
		m.mu.Unlock()
		return zero, service.ConfigErrorf("a job is already active for configuration %s", in.configID)
	}
	if m.active >= m.cfg.Jobs.MaxConcurrent {
		m.mu.Unlock()
		return zero, &service.QuotaError{Kind: "global-concurrency"}
	}
	jobID := ulid.Make().String()
	m.byConfig[in.configID] = jobID
	m.active++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.byConfig, in.configID)
		m.active--
		m.mu.Unlock()
	}

	j := newJob(m.bus, jobID, in.configID, mode)
	j.local = in.local
	if user != nil {
		j.userID = user.ID
		j.platformAI = in.adj.ForcePlatformAI || wantsPlatformAI(in.cfg)
	}
	in.onAICall = j.addAICalls
	if in.adj.AISkipped {
		j.markAISkipped()
	}

	b, err := m.build(ctx, in)
	if err != nil {
		release()
		return zero, err
	}

	pipe := aggregator.New(aggregator.Config{
		ConfigID:       in.configID,
		Store:          b.store,
		Sources:        b.sources,
		Enrichers:      b.enrichers,
		Generators:     b.generators,
		Embedder:       b.embedder,
		EmbedThreshold: m.cfg.AI.EmbedThreshold,
		FanOut:         m.cfg.Jobs.SourceFanOut,
		Retries:        m.cfg.Jobs.Retries,
		SkipAI:         in.adj.AISkipped,
		Settings:       in.cfg.Settings,
		Reporter:       j,
		Logger:         m.log,
	})

	jobCtx, cancel := context.WithCancel(m.baseCtx)
	j.cancel = cancel

	m.mu.Lock()
	m.jobs[jobID] = j
	m.mu.Unlock()

	m.bus.PublishJobStarted(in.configID, jobID)
	j.transition(service.JobQueued, service.PhaseConnecting)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer b.close()
		defer release()
		m.run(jobCtx, j, pipe, mode)
		m.retire(jobID)
	}()

	return j.Snapshot(), nil
}

func (m *Manager) run(ctx context.Context, j *Job, pipe *aggregator.Pipeline, mode service.JobMode) {
	j.transition(service.JobRunning, service.PhaseFetching)

	var err error
	if mode == service.ModeOnce {
		err = pipe.RunOnce(ctx)
	} else {
		err = pipe.RunContinuous(ctx, m.cycleInterval)
	}

	snap := j.Snapshot()
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		j.finish(service.JobCancelled, "")
		m.log.Info("job cancelled", "job_id", snap.ID, "config_id", snap.ConfigID)

	case err != nil:
		j.finish(service.JobFailed, err.Error())
		m.log.Error("job failed", "job_id", snap.ID, "config_id", snap.ConfigID, "error", err)
		m.bookkeep(func(bctx context.Context) {
			_ = m.db.SetRunStatus(bctx, snap.ConfigID, "failed", err.Error(), time.Now().UTC())
		})

	default:
		j.finish(service.JobCompleted, "")
		m.log.Info("job completed", "job_id", snap.ID, "config_id", snap.ConfigID,
			"fetched", snap.Stats.TotalItemsFetched, "new", snap.Stats.NewItems)
		m.bookkeep(func(bctx context.Context) {
			_ = m.db.SetRunStatus(bctx, snap.ConfigID, "completed", "", time.Now().UTC())
			if mode == service.ModeOnce {
				if err := m.quotas.RecordRunCompleted(bctx, snap.ConfigID); err != nil {
					m.log.Warn("run counter update failed", "config_id", snap.ConfigID, "error", err)
				}
			}
			if j.platformAI && j.userID != "" {
				if err := m.quotas.RecordAICalls(bctx, j.userID, j.aiCalls()); err != nil {
					m.log.Warn("ai counter update failed", "user_id", j.userID, "error", err)
				}
			}
		})
	}
}

// bookkeep runs completion-side persistence with its own deadline; the job's
// context is already done by the time these writes happen.
func (m *Manager) bookkeep(fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fn(ctx)
}

// retire drops a terminal job from the index after the late-replay window.
func (m *Manager) retire(jobID string) {
	time.AfterFunc(m.retain, func() {
		m.mu.Lock()
		delete(m.jobs, jobID)
		m.mu.Unlock()
		m.bus.Forget(jobID)
	})
}

var (
	// ErrJobNotFound reports an unknown or already-terminal job.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobForbidden reports a stop attempt by someone other than the owner
	// of the job's configuration or an admin.
	ErrJobForbidden = errors.New("job belongs to another user")
)

// StopFor requests cancellation on behalf of a caller. Platform jobs may be
// stopped only by the owner of their configuration or an admin; local jobs
// are addressed by id alone.
func (m *Manager) StopFor(ctx context.Context, jobID string, u *service.User) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	if !j.local {
		if u == nil {
			return ErrJobForbidden
		}
		if u.Tier != service.TierAdmin {
			rec, err := m.db.GetConfig(ctx, j.Snapshot().ConfigID)
			if err != nil {
				return err
			}
			if rec == nil || rec.UserID != u.ID {
				return ErrJobForbidden
			}
		}
	}

	if !m.Stop(jobID) {
		return ErrJobNotFound
	}
	return nil
}

// Stop requests cooperative cancellation. Returns false for unknown or
// already-terminal jobs.
func (m *Manager) Stop(jobID string) bool {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	j.mu.Lock()
	terminal := j.status.Status.Terminal()
	cancel := j.cancel
	j.mu.Unlock()

	if terminal || cancel == nil {
		return false
	}
	cancel()
	return true
}

// Status returns the current snapshot for a job, falling back to the bus's
// retained cell for recently retired jobs.
func (m *Manager) Status(jobID string) (service.JobStatus, bool) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	m.mu.Unlock()
	if ok {
		return j.Snapshot(), true
	}
	return m.bus.Retained(jobID)
}

// ActiveJobID returns the active job for a configuration, if any.
func (m *Manager) ActiveJobID(configID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byConfig[configID]
	return id, ok
}

func wantsPlatformAI(cfg service.Configuration) bool {
	for _, decl := range cfg.AI {
		if b, ok := decl.Params["usePlatformAI"].(bool); ok && b {
			return true
		}
	}
	return false
}

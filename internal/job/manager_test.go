package job

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozp-pzob/ai-news-sub003/internal/config"
	"github.com/bozp-pzob/ai-news-sub003/internal/quota"
	"github.com/bozp-pzob/ai-news-sub003/internal/registry"
	"github.com/bozp-pzob/ai-news-sub003/internal/secret"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
	"github.com/bozp-pzob/ai-news-sub003/internal/statusbus"
)

// ─── fakes ───

// nullStore satisfies service.Store for jobs that move no data.
type nullStore struct{}

func (nullStore) SaveItems(context.Context, []service.ContentItem) (int, error) { return 0, nil }
func (nullStore) GetItem(context.Context, string) (*service.ContentItem, error) { return nil, nil }
func (nullStore) GetItemsBetween(context.Context, int64, int64) ([]service.ContentItem, error) {
	return nil, nil
}
func (nullStore) SaveSummary(context.Context, service.SummaryItem) error { return nil }
func (nullStore) GetSummaryBetween(context.Context, int64, int64) ([]service.SummaryItem, error) {
	return nil, nil
}
func (nullStore) GetCursor(context.Context, string) (string, error) { return "", nil }
func (nullStore) SetCursor(context.Context, string, string) error   { return nil }
func (nullStore) SearchByEmbedding(context.Context, service.SearchQuery) ([]service.SearchResult, error) {
	return nil, nil
}
func (nullStore) TopicCounts(context.Context, int) ([]service.TopicCount, error) { return nil, nil }
func (nullStore) SourceStats(context.Context) ([]service.SourceCount, error)     { return nil, nil }
func (nullStore) DateRange(context.Context) (int64, int64, error)                { return 0, 0, nil }

// fakePlatform backs both the manager's PlatformStore and the quota service's
// ConfigStorer.
type fakePlatform struct {
	mu       sync.Mutex
	recs     map[string]*service.ConfigRecord
	runs     map[string]int
	statuses map[string][]string
}

func newFakePlatform(recs ...*service.ConfigRecord) *fakePlatform {
	p := &fakePlatform{
		recs:     map[string]*service.ConfigRecord{},
		runs:     map[string]int{},
		statuses: map[string][]string{},
	}
	for _, rec := range recs {
		p.recs[rec.ID] = rec
	}
	return p
}

func (p *fakePlatform) GetConfig(_ context.Context, id string) (*service.ConfigRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.recs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (p *fakePlatform) SetRunStatus(_ context.Context, id, status, _ string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[id] = append(p.statuses[id], status)
	return nil
}

func (p *fakePlatform) IncrementRunsToday(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs[id]++
	return nil
}

func (p *fakePlatform) runsToday(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs[id]
}

func (p *fakePlatform) runStatuses(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.statuses[id]...)
}

func (p *fakePlatform) Scoped(string) service.Store { return nullStore{} }

func (p *fakePlatform) GetWebhookSecret(context.Context, string) (string, error) { return "", nil }
func (p *fakePlatform) BufferWebhook(context.Context, service.WebhookEvent) error {
	return nil
}
func (p *fakePlatform) DrainWebhooks(context.Context, string, int) ([]service.WebhookEvent, error) {
	return nil, nil
}

func (p *fakePlatform) ListConfigs(_ context.Context, userID string) ([]service.ConfigRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []service.ConfigRecord
	for _, rec := range p.recs {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (p *fakePlatform) ListPublicConfigs(context.Context) ([]service.ConfigRecord, error) {
	return nil, nil
}
func (p *fakePlatform) GetConfigBySlug(context.Context, string) (*service.ConfigRecord, error) {
	return nil, nil
}
func (p *fakePlatform) CreateConfig(_ context.Context, rec service.ConfigRecord) (*service.ConfigRecord, error) {
	return &rec, nil
}
func (p *fakePlatform) UpdateConfig(_ context.Context, _ string, rec service.ConfigRecord) (*service.ConfigRecord, error) {
	return &rec, nil
}
func (p *fakePlatform) DeleteConfig(context.Context, string) error                    { return nil }
func (p *fakePlatform) SetExternalDBStatus(context.Context, string, bool, string) error { return nil }

type fakeUsers struct{}

func (fakeUsers) GetUser(context.Context, string) (*service.User, error) { return nil, nil }
func (fakeUsers) IncrementAICalls(context.Context, string, int) error    { return nil }
func (fakeUsers) ResetDailyCounters(context.Context) error               { return nil }

type memSecrets struct{}

func (memSecrets) GetSecret(context.Context, string, string) (string, error)  { return "", nil }
func (memSecrets) SetSecret(context.Context, string, string, string) error    { return nil }
func (memSecrets) ListSecretNames(context.Context, string) ([]string, error)  { return nil, nil }
func (memSecrets) DeleteSecret(context.Context, string, string) error         { return nil }

// ─── fixture ───

func configRec(id, owner string) *service.ConfigRecord {
	return &service.ConfigRecord{
		Configuration: service.Configuration{ID: id, UserID: owner, Name: id, Slug: id},
		StorageType:   "platform",
	}
}

func paidUser(id string) *service.User  { return &service.User{ID: id, Tier: service.TierPaid} }
func freeUser(id string) *service.User  { return &service.User{ID: id, Tier: service.TierFree} }
func adminUser(id string) *service.User { return &service.User{ID: id, Tier: service.TierAdmin} }

func newTestManager(t *testing.T, plat *fakePlatform, maxConcurrent int) *Manager {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Jobs = config.Jobs{MaxConcurrent: maxConcurrent, SourceFanOut: 2, CycleInterval: "1h", Retries: 1}

	reg, err := registry.Load()
	require.NoError(t, err)

	cipher, err := secret.NewCipher(hex.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)

	baseCtx, cancel := context.WithCancel(context.Background())

	m := NewManager(baseCtx, Options{
		Config:   cfg,
		Bus:      statusbus.New(),
		Registry: reg,
		Quota:    quota.New(cfg, fakeUsers{}, plat),
		Secrets:  secret.NewStore(cipher, memSecrets{}),
		Cipher:   cipher,
		DB:       plat,
	})
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	return m
}

func waitStatus(t *testing.T, m *Manager, jobID string, want service.JobStatusValue) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := m.Status(jobID)
		return ok && st.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

// ─── tests ───

func TestSingleActiveJobPerConfig(t *testing.T) {
	plat := newFakePlatform(configRec("cfg-1", "user-a"))
	m := newTestManager(t, plat, 4)
	u := paidUser("user-a")

	st, err := m.StartPlatform(context.Background(), u, "cfg-1", service.ModeContinuous)
	require.NoError(t, err)

	_, err = m.StartPlatform(context.Background(), u, "cfg-1", service.ModeContinuous)
	var ce *service.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "already active")

	require.NoError(t, m.StopFor(context.Background(), st.ID, u))
	waitStatus(t, m, st.ID, service.JobCancelled)

	// The per-config slot frees up once the job is retired from the index.
	require.Eventually(t, func() bool {
		_, active := m.ActiveJobID("cfg-1")
		return !active
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGlobalConcurrencyCap(t *testing.T) {
	plat := newFakePlatform(configRec("cfg-1", "user-a"), configRec("cfg-2", "user-a"))
	m := newTestManager(t, plat, 1)
	u := paidUser("user-a")

	st, err := m.StartPlatform(context.Background(), u, "cfg-1", service.ModeContinuous)
	require.NoError(t, err)

	_, err = m.StartPlatform(context.Background(), u, "cfg-2", service.ModeContinuous)
	var qe *service.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "global-concurrency", qe.Kind)

	require.NoError(t, m.StopFor(context.Background(), st.ID, u))
	waitStatus(t, m, st.ID, service.JobCancelled)
}

func TestContinuousRequiresTier(t *testing.T) {
	plat := newFakePlatform(configRec("cfg-1", "user-a"))
	m := newTestManager(t, plat, 4)

	_, err := m.StartPlatform(context.Background(), freeUser("user-a"), "cfg-1", service.ModeContinuous)
	var qe *service.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "continuous-tier", qe.Kind)
}

func TestCompletedOnceRunIncrementsRunsToday(t *testing.T) {
	plat := newFakePlatform(configRec("cfg-1", "user-a"))
	m := newTestManager(t, plat, 4)

	st, err := m.StartPlatform(context.Background(), paidUser("user-a"), "cfg-1", service.ModeOnce)
	require.NoError(t, err)
	waitStatus(t, m, st.ID, service.JobCompleted)

	require.Eventually(t, func() bool {
		return plat.runsToday("cfg-1") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"completed"}, plat.runStatuses("cfg-1"))
}

func TestCancelledRunNeverBooksCompletion(t *testing.T) {
	plat := newFakePlatform(configRec("cfg-1", "user-a"))
	m := newTestManager(t, plat, 4)
	u := paidUser("user-a")

	st, err := m.StartPlatform(context.Background(), u, "cfg-1", service.ModeContinuous)
	require.NoError(t, err)

	require.NoError(t, m.StopFor(context.Background(), st.ID, u))
	waitStatus(t, m, st.ID, service.JobCancelled)
	require.Eventually(t, func() bool {
		_, active := m.ActiveJobID("cfg-1")
		return !active
	}, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, plat.runsToday("cfg-1"), "cancelled runs must not count against the daily quota")
	assert.Empty(t, plat.runStatuses("cfg-1"))
}

func TestStopForRequiresOwnership(t *testing.T) {
	plat := newFakePlatform(configRec("cfg-1", "user-a"))
	m := newTestManager(t, plat, 4)

	st, err := m.StartPlatform(context.Background(), paidUser("user-a"), "cfg-1", service.ModeContinuous)
	require.NoError(t, err)

	err = m.StopFor(context.Background(), st.ID, paidUser("user-b"))
	require.ErrorIs(t, err, ErrJobForbidden)

	snap, ok := m.Status(st.ID)
	require.True(t, ok)
	assert.False(t, snap.Status.Terminal(), "a foreign stop attempt must not touch the job")

	require.ErrorIs(t, m.StopFor(context.Background(), "no-such-job", paidUser("user-a")), ErrJobNotFound)

	require.NoError(t, m.StopFor(context.Background(), st.ID, adminUser("root")))
	waitStatus(t, m, st.ID, service.JobCancelled)
}

func TestRetireForgetsTerminalJobs(t *testing.T) {
	plat := newFakePlatform(configRec("cfg-1", "user-a"))
	m := newTestManager(t, plat, 4)
	m.retain = 10 * time.Millisecond

	st, err := m.StartPlatform(context.Background(), paidUser("user-a"), "cfg-1", service.ModeOnce)
	require.NoError(t, err)
	waitStatus(t, m, st.ID, service.JobCompleted)

	require.Eventually(t, func() bool {
		if _, ok := m.Status(st.ID); ok {
			return false
		}
		_, retained := m.bus.Retained(st.ID)
		return !retained
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTerminalStateIsAbsorbing(t *testing.T) {
	j := newJob(statusbus.New(), "job-1", "cfg-1", service.ModeOnce)

	j.transition(service.JobRunning, service.PhaseFetching)
	j.finish(service.JobCancelled, "")

	j.transition(service.JobRunning, service.PhaseFetching)
	j.finish(service.JobCompleted, "")
	j.Phase(service.PhaseStoring)

	snap := j.Snapshot()
	assert.Equal(t, service.JobCancelled, snap.Status)
	assert.Empty(t, snap.Phase)
	assert.Empty(t, snap.Error)
}

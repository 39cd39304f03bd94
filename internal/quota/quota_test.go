package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozp-pzob/ai-news-sub003/internal/config"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

type fakeConfigs struct {
	owned map[string][]service.ConfigRecord // userID -> configs
	byID  map[string]*service.ConfigRecord
	runs  map[string]int
}

func newFakeConfigs() *fakeConfigs {
	return &fakeConfigs{
		owned: map[string][]service.ConfigRecord{},
		byID:  map[string]*service.ConfigRecord{},
		runs:  map[string]int{},
	}
}

func (f *fakeConfigs) ListConfigs(_ context.Context, userID string) ([]service.ConfigRecord, error) {
	return f.owned[userID], nil
}
func (f *fakeConfigs) ListPublicConfigs(context.Context) ([]service.ConfigRecord, error) {
	return nil, nil
}
func (f *fakeConfigs) GetConfig(_ context.Context, id string) (*service.ConfigRecord, error) {
	return f.byID[id], nil
}
func (f *fakeConfigs) GetConfigBySlug(context.Context, string) (*service.ConfigRecord, error) {
	return nil, nil
}
func (f *fakeConfigs) CreateConfig(_ context.Context, rec service.ConfigRecord) (*service.ConfigRecord, error) {
	return &rec, nil
}
func (f *fakeConfigs) UpdateConfig(_ context.Context, _ string, rec service.ConfigRecord) (*service.ConfigRecord, error) {
	return &rec, nil
}
func (f *fakeConfigs) DeleteConfig(context.Context, string) error { return nil }
func (f *fakeConfigs) SetExternalDBStatus(context.Context, string, bool, string) error {
	return nil
}
func (f *fakeConfigs) IncrementRunsToday(_ context.Context, id string) error {
	f.runs[id]++
	return nil
}
func (f *fakeConfigs) SetRunStatus(context.Context, string, string, string, time.Time) error {
	return nil
}

type fakeUsers struct {
	aiCalls map[string]int
}

func (f *fakeUsers) GetUser(context.Context, string) (*service.User, error) { return nil, nil }
func (f *fakeUsers) IncrementAICalls(_ context.Context, id string, n int) error {
	if f.aiCalls == nil {
		f.aiCalls = map[string]int{}
	}
	f.aiCalls[id] += n
	return nil
}
func (f *fakeUsers) ResetDailyCounters(context.Context) error { return nil }

func testService(configs *fakeConfigs, users *fakeUsers) *Service {
	cfg := &config.Config{}
	cfg.Tiers.DailyAILimit = 100
	cfg.SetDefaults()
	return New(cfg, users, configs)
}

func TestCanCreateConfigCap(t *testing.T) {
	configs := newFakeConfigs()
	s := testService(configs, &fakeUsers{})
	u := &service.User{ID: "u1", Tier: service.TierFree}

	require.NoError(t, s.CanCreateConfig(context.Background(), u))

	configs.owned["u1"] = make([]service.ConfigRecord, 3) // free tier cap
	err := s.CanCreateConfig(context.Background(), u)
	var qe *service.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "max-configs", qe.Kind)

	// Paid tier has headroom at the same count.
	u.Tier = service.TierPaid
	assert.NoError(t, s.CanCreateConfig(context.Background(), u))
}

func TestBannedUserBlocked(t *testing.T) {
	s := testService(newFakeConfigs(), &fakeUsers{})
	u := &service.User{ID: "u1", Tier: service.TierPaid, IsBanned: true}

	var qe *service.QuotaError
	require.ErrorAs(t, s.CanCreateConfig(context.Background(), u), &qe)
	assert.Equal(t, "banned", qe.Kind)
}

func TestCanRunOnceDailyCap(t *testing.T) {
	configs := newFakeConfigs()
	configs.byID["cfg-1"] = &service.ConfigRecord{
		Configuration: service.Configuration{ID: "cfg-1"},
		RunsToday:     10, // free tier daily cap
	}
	s := testService(configs, &fakeUsers{})
	u := &service.User{ID: "u1", Tier: service.TierFree}

	var qe *service.QuotaError
	require.ErrorAs(t, s.CanRunOnce(context.Background(), u, "cfg-1"), &qe)
	assert.Equal(t, "daily-runs", qe.Kind)

	configs.byID["cfg-1"].RunsToday = 9
	assert.NoError(t, s.CanRunOnce(context.Background(), u, "cfg-1"))
}

func TestCanUsePlatformAI(t *testing.T) {
	s := testService(newFakeConfigs(), &fakeUsers{})

	assert.True(t, s.CanUsePlatformAI(&service.User{Tier: service.TierFree, AICallsToday: 99}))
	assert.False(t, s.CanUsePlatformAI(&service.User{Tier: service.TierFree, AICallsToday: 100}))
	// Admin is never throttled.
	assert.True(t, s.CanUsePlatformAI(&service.User{Tier: service.TierAdmin, AICallsToday: 1 << 20}))
}

func TestClampVisibility(t *testing.T) {
	s := testService(newFakeConfigs(), &fakeUsers{})

	free := &service.User{Tier: service.TierFree}
	paid := &service.User{Tier: service.TierPaid}

	assert.Equal(t, service.VisibilityUnlisted, s.ClampVisibility(free, service.VisibilityPrivate))
	assert.Equal(t, service.VisibilityPublic, s.ClampVisibility(free, service.VisibilityPublic))
	assert.Equal(t, service.VisibilityPrivate, s.ClampVisibility(paid, service.VisibilityPrivate))
}

func TestCheckMonetization(t *testing.T) {
	s := testService(newFakeConfigs(), &fakeUsers{})

	var qe *service.QuotaError
	require.ErrorAs(t, s.CheckMonetization(&service.User{Tier: service.TierFree}, true), &qe)
	assert.Equal(t, "monetization-tier", qe.Kind)

	assert.NoError(t, s.CheckMonetization(&service.User{Tier: service.TierFree}, false))
	assert.NoError(t, s.CheckMonetization(&service.User{Tier: service.TierPaid}, true))
}

func TestAdjustFreeTier(t *testing.T) {
	s := testService(newFakeConfigs(), &fakeUsers{})
	u := &service.User{Tier: service.TierFree}

	adj := s.Adjust(u, service.Configuration{})
	assert.True(t, adj.ForcePlatformStorage)
	assert.True(t, adj.ForcePlatformAI)
	assert.Equal(t, s.cfg.AI.FreeTierModel, adj.Model)
	assert.False(t, adj.AISkipped)
}

func TestAdjustPaidTier(t *testing.T) {
	s := testService(newFakeConfigs(), &fakeUsers{})
	u := &service.User{Tier: service.TierPaid}

	adj := s.Adjust(u, service.Configuration{})
	assert.False(t, adj.ForcePlatformStorage)
	assert.False(t, adj.ForcePlatformAI)
	assert.Equal(t, s.cfg.AI.PaidTierModel, adj.Model)
}

func TestAdjustSkipsAIWhenQuotaExhausted(t *testing.T) {
	s := testService(newFakeConfigs(), &fakeUsers{})
	u := &service.User{Tier: service.TierFree, AICallsToday: 100}

	cfg := service.Configuration{
		AI: []service.PluginDecl{{
			Name:       "ai-1",
			PluginName: "openai",
			Params:     map[string]any{"usePlatformAI": true},
		}},
	}
	adj := s.Adjust(u, cfg)
	assert.True(t, adj.AISkipped)

	// Own-key declarations are unaffected by platform quota.
	cfg.AI[0].Params = map[string]any{"apiKey": "process.env.KEY"}
	adj = s.Adjust(u, cfg)
	assert.False(t, adj.AISkipped)
}

func TestRecordAICallsIgnoresNonPositive(t *testing.T) {
	users := &fakeUsers{}
	s := testService(newFakeConfigs(), users)

	require.NoError(t, s.RecordAICalls(context.Background(), "u1", 0))
	require.NoError(t, s.RecordAICalls(context.Background(), "u1", 5))
	assert.Equal(t, 5, users.aiCalls["u1"])
}

// Package quota enforces per-tier limits and performs the quota/credential
// adjustments applied when a job starts. Counters are incremented on
// successful completion only, so failed jobs never consume quota.
package quota

import (
	"context"
	"fmt"

	"github.com/bozp-pzob/ai-news-sub003/internal/config"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// Service answers quota questions against the user and config stores.
type Service struct {
	cfg     *config.Config
	users   service.UserStorer
	configs service.ConfigStorer
}

func New(cfg *config.Config, users service.UserStorer, configs service.ConfigStorer) *Service {
	return &Service{cfg: cfg, users: users, configs: configs}
}

// Limits returns the tier limits for a user.
func (s *Service) Limits(u *service.User) config.TierLimits {
	return s.cfg.Limits(u.Tier)
}

// CanCreateConfig checks the per-tier configuration cap.
func (s *Service) CanCreateConfig(ctx context.Context, u *service.User) error {
	if u.IsBanned {
		return &service.QuotaError{Kind: "banned"}
	}
	owned, err := s.configs.ListConfigs(ctx, u.ID)
	if err != nil {
		return err
	}
	if len(owned) >= s.Limits(u).MaxConfigs {
		return &service.QuotaError{Kind: "max-configs"}
	}
	return nil
}

// CanRunOnce checks the per-user daily one-shot cap for a configuration.
func (s *Service) CanRunOnce(ctx context.Context, u *service.User, configID string) error {
	if u.IsBanned {
		return &service.QuotaError{Kind: "banned"}
	}
	rec, err := s.configs.GetConfig(ctx, configID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("config %s not found", configID)
	}
	if rec.RunsToday >= s.Limits(u).MaxRunsPerDay {
		return &service.QuotaError{Kind: "daily-runs"}
	}
	return nil
}

// CanUsePlatformAI reports whether the user still has platform-AI calls left
// today.
func (s *Service) CanUsePlatformAI(u *service.User) bool {
	return u.Tier == service.TierAdmin || u.AICallsToday < s.Limits(u).AICallsPerDay
}

// RecordRunCompleted increments runsToday for a completed one-shot. Called
// exactly once per completed job by the job manager.
func (s *Service) RecordRunCompleted(ctx context.Context, configID string) error {
	return s.configs.IncrementRunsToday(ctx, configID)
}

// RecordAICalls adds to the user's daily platform-AI counter.
func (s *Service) RecordAICalls(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	return s.users.IncrementAICalls(ctx, userID, n)
}

// ClampVisibility applies the tier visibility rule: free-tier users cannot
// publish private configurations, so private is downgraded to unlisted.
func (s *Service) ClampVisibility(u *service.User, visibility string) string {
	if u.Tier == service.TierFree && visibility == service.VisibilityPrivate {
		return service.VisibilityUnlisted
	}
	return visibility
}

// CheckMonetization rejects monetization on the free tier.
func (s *Service) CheckMonetization(u *service.User, enabled bool) error {
	if enabled && u.Tier == service.TierFree {
		return &service.QuotaError{Kind: "monetization-tier"}
	}
	return nil
}

// Adjustment is the result of applying tier rules to a configuration before a
// job starts.
type Adjustment struct {
	// AISkipped means platform-AI quota is exhausted: AI plugins and enrichers
	// are dropped and generators run with SkipAI.
	AISkipped bool

	// ForcePlatformStorage strips external storage declarations.
	ForcePlatformStorage bool

	// ForcePlatformAI overrides provider credentials with the platform key.
	ForcePlatformAI bool

	// Model is the tier-appropriate model to force, empty for no override.
	Model string
}

// Adjust computes the quota and credential adjustments for a job start, per
// the owning user's tier and remaining platform-AI quota.
func (s *Service) Adjust(u *service.User, cfg service.Configuration) Adjustment {
	var adj Adjustment

	wantsPlatformAI := false
	for _, decl := range cfg.AI {
		if b, ok := decl.Params["usePlatformAI"].(bool); ok && b {
			wantsPlatformAI = true
		}
	}

	if wantsPlatformAI && !s.CanUsePlatformAI(u) {
		adj.AISkipped = true
	}

	if u.Tier == service.TierFree {
		adj.ForcePlatformStorage = true
		adj.ForcePlatformAI = true
		adj.Model = s.cfg.AI.FreeTierModel
	} else if u.Tier == service.TierPaid {
		adj.Model = s.cfg.AI.PaidTierModel
	}

	return adj
}

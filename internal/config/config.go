package config

// Service is the canonical service name used by middleware and telemetry.
const Service = "ai-news"

// Config is the process configuration, loaded by chu from file + environment.
type Config struct {
	LogLevel string `cfg:"log_level" env:"LOG_LEVEL" default:"info"`

	Server   Server   `cfg:"server"`
	Database Database `cfg:"database"`
	AI       AI       `cfg:"ai"`
	Tiers    Tiers    `cfg:"tiers"`
	Payment  Payment  `cfg:"payment"`
	Relay    Relay    `cfg:"relay"`
	Secret   Secret   `cfg:"secret"`
	Jobs     Jobs     `cfg:"jobs"`
}

// Server configures the HTTP listener.
type Server struct {
	Host       string `cfg:"host" env:"HOST" default:"0.0.0.0"`
	Port       string `cfg:"port" env:"PORT" default:"3000"`
	BasePath   string `cfg:"base_path" env:"BASE_PATH"`
	AdminToken string `cfg:"admin_token" env:"ADMIN_TOKEN"`
}

// Database configures the shared multi-tenant store.
type Database struct {
	// URL is the platform database DSN (postgres).
	URL string `cfg:"url" env:"DATABASE_URL"`

	// VectorBackend selects the embedding index: "pgvector" (default) or
	// "milvus".
	VectorBackend string `cfg:"vector_backend" env:"VECTOR_BACKEND" default:"pgvector"`
	MilvusAddress string `cfg:"milvus_address" env:"MILVUS_ADDRESS"`
}

// AI configures the platform AI provider and per-tier models.
type AI struct {
	APIKey        string `cfg:"api_key" env:"PLATFORM_AI_API_KEY"`
	BaseURL       string `cfg:"base_url" env:"PLATFORM_AI_BASE_URL"`
	FreeTierModel string `cfg:"free_tier_model" env:"FREE_TIER_MODEL" default:"gpt-4o-mini"`
	PaidTierModel string `cfg:"paid_tier_model" env:"PAID_TIER_MODEL" default:"gpt-4o"`

	// EmbedThreshold is the text length (runes) an item must exceed before the
	// pipeline embeds it.
	EmbedThreshold int `cfg:"embed_threshold" env:"EMBED_THRESHOLD" default:"80"`
}

// TierLimits are the per-tier quota values.
type TierLimits struct {
	MaxConfigs      int `cfg:"max_configs"`
	MaxRunsPerDay   int `cfg:"max_runs_per_day"`
	AICallsPerDay   int `cfg:"ai_calls_per_day"`
	MaxContinuous   int `cfg:"max_continuous"`
	SearchLimitMax  int `cfg:"search_limit_max"`
	AllowExternalDB bool
}

// Tiers holds limits per tier name.
type Tiers struct {
	DailyAILimit int        `cfg:"daily_ai_limit" env:"DAILY_AI_CALL_LIMIT" default:"100"`
	Free         TierLimits `cfg:"free"`
	Paid         TierLimits `cfg:"paid"`
}

// Payment configures the x402 gate.
type Payment struct {
	FacilitatorURL     string `cfg:"facilitator_url" env:"FACILITATOR_URL"`
	PlatformWallet     string `cfg:"platform_wallet" env:"PLATFORM_WALLET"`
	PlatformFeePercent int    `cfg:"platform_fee_percent" env:"PLATFORM_FEE_PERCENT" default:"10"`
	Currency           string `cfg:"currency" env:"PAYMENT_CURRENCY" default:"USDC"`
	Network            string `cfg:"network" env:"PAYMENT_NETWORK" default:"solana"`
}

// Relay configures the zero-knowledge forwarder.
type Relay struct {
	RatePerHour int `cfg:"rate_per_hour" env:"RELAY_RATE_LIMIT" default:"30"`
}

// Secret configures at-rest encryption. Key is the process-wide symmetric key,
// hex or base64 encoded, 32 bytes once decoded.
type Secret struct {
	Key string `cfg:"key" env:"SECRET_KEY"`
}

// Jobs configures the job manager.
type Jobs struct {
	// MaxConcurrent caps globally active jobs.
	MaxConcurrent int `cfg:"max_concurrent" env:"JOBS_MAX_CONCURRENT" default:"16"`

	// SourceFanOut caps parallel source fetches within one job.
	SourceFanOut int `cfg:"source_fan_out" env:"JOBS_SOURCE_FAN_OUT" default:"4"`

	// CycleInterval is the pause between fetch cycles of a continuous job.
	CycleInterval string `cfg:"cycle_interval" env:"JOBS_CYCLE_INTERVAL" default:"60s"`

	// Retries is the bounded retry count for transient source/AI faults.
	Retries int `cfg:"retries" env:"JOBS_RETRIES" default:"3"`
}

// Defaults applied after load for tiers that were not configured.
func (c *Config) SetDefaults() {
	if c.Tiers.Free.MaxConfigs == 0 {
		c.Tiers.Free = TierLimits{MaxConfigs: 3, MaxRunsPerDay: 10, AICallsPerDay: c.Tiers.DailyAILimit, MaxContinuous: 0, SearchLimitMax: 20}
	}
	if c.Tiers.Paid.MaxConfigs == 0 {
		c.Tiers.Paid = TierLimits{MaxConfigs: 50, MaxRunsPerDay: 200, AICallsPerDay: c.Tiers.DailyAILimit * 10, MaxContinuous: 5, SearchLimitMax: 100, AllowExternalDB: true}
	}
}

// Limits returns the quota values for a tier name. Admin is unlimited.
func (c *Config) Limits(tier string) TierLimits {
	switch tier {
	case "paid":
		return c.Tiers.Paid
	case "admin":
		return TierLimits{
			MaxConfigs:      1 << 30,
			MaxRunsPerDay:   1 << 30,
			AICallsPerDay:   1 << 30,
			MaxContinuous:   1 << 30,
			SearchLimitMax:  1000,
			AllowExternalDB: true,
		}
	default:
		return c.Tiers.Free
	}
}

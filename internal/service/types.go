package service

import (
	"context"
	"time"

	"github.com/worldline-go/types"
)

// ContentItem is the atomic unit of fetched data. Items are immutable once
// written except for enricher updates to Topics and optional re-embedding.
type ContentItem struct {
	ID       int64               `json:"id"`
	ConfigID string              `json:"config_id"`
	CID      string              `json:"cid"` // source-provided content id, unique per configuration
	Type     string              `json:"type"`
	Source   string              `json:"source"` // originating source plugin instance name
	Title    string              `json:"title,omitempty"`
	Text     string              `json:"text,omitempty"`
	Link     string              `json:"link,omitempty"`
	Topics   types.Slice[string] `json:"topics"`
	Date     int64               `json:"date"` // epoch seconds
	Metadata types.Map[any]           `json:"metadata,omitempty"`

	// Embedding is filled by the pipeline when the item's text exceeds the
	// embedding threshold. Not serialized to clients.
	Embedding []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// SummaryItem is a derived artifact produced by a generator. At most one row
// exists per (configuration, type, date); re-generation overwrites.
type SummaryItem struct {
	ID         int64     `json:"id"`
	ConfigID   string    `json:"config_id"`
	Type       string    `json:"type"`
	Title      string    `json:"title,omitempty"`
	Categories types.Map[any] `json:"categories"` // nested by channel/group
	Markdown   string    `json:"markdown"`
	Date       int64     `json:"date"` // epoch seconds identifying the summarized period
	CreatedAt  time.Time `json:"created_at"`
}

// Cursor is an opaque high-water mark per source instance. Only the source
// that wrote a cursor ever reads it back.
type Cursor struct {
	CID       string `json:"cid"`        // logical key, e.g. "discordRaw-<channelId>"
	MessageID string `json:"message_id"` // opaque token
}

// ─── Configuration ───

// Visibility of a configuration.
const (
	VisibilityPublic   = "public"
	VisibilityUnlisted = "unlisted"
	VisibilityPrivate  = "private"
	VisibilityShared   = "shared"
)

// PluginDecl is a single plugin declaration inside a configuration. Params
// values may be literal JSON or textual references of the form
// "process.env.NAME" that resolve through the secret store at dispatch time.
type PluginDecl struct {
	Name       string         `json:"name"`
	PluginName string         `json:"pluginName"` // registry key
	Params     map[string]any `json:"params,omitempty"`
	Interval   string         `json:"interval,omitempty"` // generators: duration string ("30m")
	Schedule   string         `json:"schedule,omitempty"` // generators: cron expression, continuous mode only
}

// Settings controls how a configuration's jobs execute.
type Settings struct {
	RunOnce      bool   `json:"runOnce"`
	OnlyFetch    bool   `json:"onlyFetch"`
	OnlyGenerate bool   `json:"onlyGenerate"`
	Date         string `json:"date,omitempty"`  // single historical date (YYYY-MM-DD)
	After        string `json:"after,omitempty"` // inclusive historical window start
	Before       string `json:"before,omitempty"`
}

// Configuration is a tenant's declarative pipeline specification.
type Configuration struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Name        string       `json:"name"`
	Slug        string       `json:"slug"`
	Description string       `json:"description,omitempty"`
	Visibility  string       `json:"visibility"`
	Sources     []PluginDecl `json:"sources"`
	Enrichers   []PluginDecl `json:"enrichers"`
	Generators  []PluginDecl `json:"generators"`
	AI          []PluginDecl `json:"ai"`
	Storage     []PluginDecl `json:"storage"`
	Settings    Settings     `json:"settings"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ConfigRecord is the persisted row for a configuration, including platform
// bookkeeping the declarative Configuration does not carry.
type ConfigRecord struct {
	Configuration

	StorageType         string                 `json:"storage_type"` // "platform" or "external"
	ExternalDBURLCipher string                 `json:"-"`            // encrypted external DSN, never serialized
	ExternalDBValid     types.Null[bool]       `json:"external_db_valid"`
	ExternalDBError     string                 `json:"external_db_error,omitempty"`
	MonetizationEnabled bool                   `json:"monetization_enabled"`
	PricePerQuery       int64                  `json:"price_per_query"` // smallest unit
	OwnerWallet         string                 `json:"owner_wallet,omitempty"`
	TotalItems          int64                  `json:"total_items"`
	TotalQueries        int64                  `json:"total_queries"`
	TotalRevenue        int64                  `json:"total_revenue"`
	RunsToday           int                    `json:"runs_today"`
	Status              string                 `json:"status,omitempty"`
	LastRunAt           types.Null[types.Time] `json:"last_run_at"`
	LastError           string                 `json:"last_error,omitempty"`
	IsFeatured          bool                   `json:"is_featured"`
	DeletedAt           types.Null[types.Time] `json:"-"` // soft delete marker
}

// ─── Job ───

// JobMode selects one-shot versus continuous execution.
type JobMode string

const (
	ModeOnce       JobMode = "once"
	ModeContinuous JobMode = "continuous"
)

// JobStatusValue is the lifecycle state of a job. Terminal states are final.
type JobStatusValue string

const (
	JobQueued    JobStatusValue = "queued"
	JobRunning   JobStatusValue = "running"
	JobCompleted JobStatusValue = "completed"
	JobFailed    JobStatusValue = "failed"
	JobCancelled JobStatusValue = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s JobStatusValue) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobPhase is the fine-grained phase surfaced while a job is running.
type JobPhase string

const (
	PhaseConnecting JobPhase = "connecting"
	PhaseFetching   JobPhase = "fetching"
	PhaseEnriching  JobPhase = "enriching"
	PhaseStoring    JobPhase = "storing"
	PhaseGenerating JobPhase = "generating"
	PhaseIdle       JobPhase = "idle"
	PhaseWaiting    JobPhase = "waiting"
)

// SourceStat is per-source bookkeeping inside a job snapshot.
type SourceStat struct {
	Fetched     int       `json:"fetched"`
	New         int       `json:"new"`
	LastFetchAt time.Time `json:"last_fetch_at,omitempty"`
	Skipped     string    `json:"skipped,omitempty"` // non-empty reason, e.g. "no-historical"
	Error       string    `json:"error,omitempty"`
}

// JobStats aggregates progress counters for a job.
type JobStats struct {
	Sources           map[string]SourceStat `json:"sources,omitempty"`
	TotalItemsFetched int                   `json:"totalItemsFetched"`
	NewItems          int                   `json:"new"`
	AICalls           int                   `json:"aiCalls"`
	AISkipped         bool                  `json:"aiSkipped,omitempty"`
	Errors            []string              `json:"errors,omitempty"`
}

// JobStatus is the full snapshot published on the status bus. Updates for a
// single job are totally ordered by UpdatedAt.
type JobStatus struct {
	ID        string         `json:"id"`
	ConfigID  string         `json:"config_id"`
	Mode      JobMode        `json:"mode"`
	Status    JobStatusValue `json:"status"`
	Phase     JobPhase       `json:"phase,omitempty"`
	Stats     JobStats       `json:"stats"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ─── Users, tiers, payments ───

// Tiers control quotas and default storage/AI.
const (
	TierFree  = "free"
	TierPaid  = "paid"
	TierAdmin = "admin"
)

// User is the persisted platform user.
type User struct {
	ID            string                 `json:"id"`
	PrivyID       string                 `json:"privy_id"`
	Email         string                 `json:"email,omitempty"`
	WalletAddress string                 `json:"wallet_address,omitempty"`
	Tier          string                 `json:"tier"`
	IsBanned      bool                   `json:"is_banned"`
	BannedAt      types.Null[types.Time] `json:"banned_at"`
	BannedReason  string                 `json:"banned_reason,omitempty"`
	AICallsToday  int                    `json:"ai_calls_today"`
	Settings      types.Map[any]              `json:"settings,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Payment is a settled, single-use proof of purchase. TxSignature is globally
// unique; a payment is consumed at most once.
type Payment struct {
	ID          int64     `json:"id"`
	ConfigID    string    `json:"config_id"`
	UserID      string    `json:"user_id,omitempty"`
	PayerWallet string    `json:"payer_wallet"`
	Amount      int64     `json:"amount"`       // smallest unit
	PlatformFee int64     `json:"platform_fee"` // floored share, dust stays with the owner
	OwnerAmount int64     `json:"owner_amount"`
	TxSignature string    `json:"tx_signature"`
	Memo        string    `json:"memo"`
	Status      string    `json:"status"` // "completed"
	CreatedAt   time.Time `json:"created_at"`
}

// WebhookEvent is a buffered inbound webhook payload awaiting drain by its
// source plugin.
type WebhookEvent struct {
	ID         int64     `json:"id"`
	WebhookID  string    `json:"webhook_id"`
	Payload    types.Map[any] `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
	Processed  bool      `json:"processed"`
	SourceIP   string    `json:"source_ip,omitempty"`
	Headers    types.Map[any] `json:"headers,omitempty"`
}

// APIUsage is a fire-and-forget accounting row written per data-read request.
type APIUsage struct {
	ConfigID       string    `json:"config_id"`
	UserID         string    `json:"user_id,omitempty"`
	WalletAddress  string    `json:"wallet_address,omitempty"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	QueryParams    string    `json:"query_params,omitempty"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ─── Plugin contracts ───

// Source fetches items from an upstream. Implementations receive their
// resolved parameters and a cursor store at construction.
type Source interface {
	Name() string
	FetchItems(ctx context.Context) ([]ContentItem, error)
}

// HistoricalSource is optionally implemented by sources that can be driven
// over a past date. The pipeline checks for it via type assertion; sources
// without it are skipped in historical mode with reason "no-historical".
type HistoricalSource interface {
	Source
	FetchHistorical(ctx context.Context, date time.Time) ([]ContentItem, error)
}

// Enricher transforms a batch of items in declaration order. Enrichers may add
// topics and may mark items for embedding via metadata.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, items []ContentItem) ([]ContentItem, error)
}

// GenerateWindow is the time window a generator summarizes.
type GenerateWindow struct {
	Start time.Time
	End   time.Time

	// SkipAI hints the generator to avoid AI calls (quota exhausted).
	SkipAI bool
}

// Generator synthesizes derived content over stored items.
type Generator interface {
	Name() string
	Interval() time.Duration
	Generate(ctx context.Context, w GenerateWindow) (*SummaryItem, error)
}

// CronGenerator is optionally implemented by generators driven by a cron
// expression instead of a fixed interval (continuous mode only).
type CronGenerator interface {
	Generator
	Schedule() string
}

// CompleteOptions tunes a single completion call.
type CompleteOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// AIProvider is the narrow contract the pipeline and generators use.
type AIProvider interface {
	Name() string
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ─── Storer interfaces ───

// SearchFilter narrows an embedding search.
type SearchFilter struct {
	Types     []string
	Sources   []string
	StartDate int64 // epoch seconds, zero = unbounded
	EndDate   int64
}

// SearchQuery is a cosine-similarity top-k request.
type SearchQuery struct {
	Vector    []float32
	Limit     int
	Threshold float64 // minimum similarity, [-1,1]
	Filter    SearchFilter
}

// SearchResult is one hit from an embedding search.
type SearchResult struct {
	Item       ContentItem `json:"item"`
	Similarity float64     `json:"similarity"`
}

// TopicCount is an aggregated topic frequency.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// SourceCount is an aggregated per-source item count.
type SourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// ItemStorer persists content items scoped to a single configuration.
type ItemStorer interface {
	// SaveItems upserts by (configId, cid) and returns the number of new rows.
	// Idempotent.
	SaveItems(ctx context.Context, items []ContentItem) (int, error)
	GetItem(ctx context.Context, cid string) (*ContentItem, error)
	GetItemsBetween(ctx context.Context, startEpoch, endEpoch int64) ([]ContentItem, error)
}

// SummaryStorer persists generator output scoped to a single configuration.
type SummaryStorer interface {
	// SaveSummary upserts by (configId, type, date).
	SaveSummary(ctx context.Context, s SummaryItem) error
	GetSummaryBetween(ctx context.Context, startEpoch, endEpoch int64) ([]SummaryItem, error)
}

// CursorStorer persists opaque per-source progress tokens.
type CursorStorer interface {
	GetCursor(ctx context.Context, key string) (string, error)
	SetCursor(ctx context.Context, key, token string) error
}

// SearchStorer answers embedding and aggregate queries.
type SearchStorer interface {
	SearchByEmbedding(ctx context.Context, q SearchQuery) ([]SearchResult, error)
	TopicCounts(ctx context.Context, limit int) ([]TopicCount, error)
	SourceStats(ctx context.Context) ([]SourceCount, error)
	DateRange(ctx context.Context) (start, end int64, err error)
}

// Store is the unified persistence contract the pipeline uses. Every
// implementation is already scoped to one configuration; tenant isolation is
// an invariant of the contract, not a convention of callers.
type Store interface {
	ItemStorer
	SummaryStorer
	CursorStorer
	SearchStorer
}

// ConfigStorer defines CRUD operations for configuration records.
type ConfigStorer interface {
	ListConfigs(ctx context.Context, userID string) ([]ConfigRecord, error)
	ListPublicConfigs(ctx context.Context) ([]ConfigRecord, error)
	GetConfig(ctx context.Context, id string) (*ConfigRecord, error)
	GetConfigBySlug(ctx context.Context, slug string) (*ConfigRecord, error)
	CreateConfig(ctx context.Context, rec ConfigRecord) (*ConfigRecord, error)
	UpdateConfig(ctx context.Context, id string, rec ConfigRecord) (*ConfigRecord, error)
	DeleteConfig(ctx context.Context, id string) error

	SetExternalDBStatus(ctx context.Context, id string, valid bool, errMsg string) error
	IncrementRunsToday(ctx context.Context, id string) error
	SetRunStatus(ctx context.Context, id, status, lastError string, at time.Time) error
}

// UserStorer defines operations for platform users.
type UserStorer interface {
	GetUser(ctx context.Context, id string) (*User, error)
	IncrementAICalls(ctx context.Context, id string, n int) error
	ResetDailyCounters(ctx context.Context) error
}

// PaymentStorer records settled payments. RecordPayment must fail when the
// transaction signature was seen before.
type PaymentStorer interface {
	RecordPayment(ctx context.Context, p Payment) error
	HasSignature(ctx context.Context, signature string) (bool, error)
}

// WebhookStorer persists webhook secrets and buffered payloads.
type WebhookStorer interface {
	GetWebhookSecret(ctx context.Context, webhookID string) (string, error)
	BufferWebhook(ctx context.Context, ev WebhookEvent) error
	// DrainWebhooks returns unprocessed events in FIFO order and marks them
	// processed.
	DrainWebhooks(ctx context.Context, webhookID string, limit int) ([]WebhookEvent, error)
}

// UsageStorer records API usage rows. Implementations should be cheap; callers
// invoke it fire-and-forget.
type UsageStorer interface {
	RecordUsage(ctx context.Context, u APIUsage) error
}

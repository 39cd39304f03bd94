// Package store implements the unified storage adapter: a shared multi-tenant
// postgres backend, an external per-tenant backend opened from a
// configuration-supplied URL, a sqlite store for local one-shot runs, and the
// vector index used for semantic search.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

//go:embed schema.sql
var schemaSQL string

var pgd = goqu.Dialect("postgres")

// Postgres is the shared multi-tenant store. Per-configuration access goes
// through Scoped, which pins the config_id predicate into every query.
type Postgres struct {
	pool *pgxpool.Pool

	// vector, when non-nil, replaces pgvector SQL search with an external
	// vector index (milvus).
	vector VectorIndex
}

// Open connects to the platform database.
func Open(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// SetVectorIndex switches embedding search to an external index.
func (p *Postgres) SetVectorIndex(v VectorIndex) { p.vector = v }

// EnsureSchema applies the embedded DDL. Statements are idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() { p.pool.Close() }

// classify maps a database error onto the retryable/fatal taxonomy. Schema
// and constraint violations are fatal; everything else is assumed transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23 = integrity constraint violation, 42 = syntax/access.
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "23" || pgErr.Code[:2] == "42") {
			return service.FatalErr(err)
		}
	}
	return service.RetryableErr(err)
}

func (p *Postgres) exec(ctx context.Context, ds interface {
	ToSQL() (string, []interface{}, error)
}) (pgconn.CommandTag, error) {
	q, args, err := ds.ToSQL()
	if err != nil {
		return pgconn.CommandTag{}, service.FatalErr(err)
	}
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return tag, classify(err)
	}
	return tag, nil
}

// ─── ConfigStorer ───

func (p *Postgres) scanConfig(row pgx.Row) (*service.ConfigRecord, error) {
	var rec service.ConfigRecord
	var configJSON []byte
	var desc, status, lastError, extErr, ownerWallet, slug, extCipher *string
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Name, &slug, &desc, &rec.Visibility,
		&rec.StorageType, &extCipher, &rec.ExternalDBValid, &extErr,
		&configJSON, &rec.MonetizationEnabled, &rec.PricePerQuery, &ownerWallet,
		&rec.TotalItems, &rec.TotalQueries, &rec.TotalRevenue, &rec.RunsToday,
		&status, &rec.LastRunAt, &lastError, &rec.IsFeatured, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}

	if err := json.Unmarshal(configJSON, &rec.Configuration); err != nil {
		return nil, service.FatalErr(fmt.Errorf("decode config_json: %w", err))
	}
	rec.Slug = deref(slug)
	rec.Description = deref(desc)
	rec.Status = deref(status)
	rec.LastError = deref(lastError)
	rec.ExternalDBError = deref(extErr)
	rec.OwnerWallet = deref(ownerWallet)
	rec.ExternalDBURLCipher = deref(extCipher)
	return &rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var configCols = []any{
	"id", "user_id", "name", "slug", "description", "visibility",
	"storage_type", "external_db_url_ciphertext", "external_db_valid", "external_db_error",
	"config_json", "monetization_enabled", "price_per_query", "owner_wallet",
	"total_items", "total_queries", "total_revenue", "runs_today",
	"status", "last_run_at", "last_error", "is_featured", "updated_at",
}

func (p *Postgres) getConfigWhere(ctx context.Context, where goqu.Expression) (*service.ConfigRecord, error) {
	q, args, err := pgd.From("configs").Select(configCols...).
		Where(where, goqu.C("deleted_at").IsNull()).Prepared(true).ToSQL()
	if err != nil {
		return nil, service.FatalErr(err)
	}
	return p.scanConfig(p.pool.QueryRow(ctx, q, args...))
}

func (p *Postgres) GetConfig(ctx context.Context, id string) (*service.ConfigRecord, error) {
	return p.getConfigWhere(ctx, goqu.C("id").Eq(id))
}

func (p *Postgres) GetConfigBySlug(ctx context.Context, slug string) (*service.ConfigRecord, error) {
	return p.getConfigWhere(ctx, goqu.C("slug").Eq(slug))
}

func (p *Postgres) listConfigsWhere(ctx context.Context, where ...goqu.Expression) ([]service.ConfigRecord, error) {
	where = append(where, goqu.C("deleted_at").IsNull())
	q, args, err := pgd.From("configs").Select(configCols...).
		Where(where...).Order(goqu.C("updated_at").Desc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, service.FatalErr(err)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []service.ConfigRecord
	for rows.Next() {
		rec, err := p.scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) ListConfigs(ctx context.Context, userID string) ([]service.ConfigRecord, error) {
	return p.listConfigsWhere(ctx, goqu.C("user_id").Eq(userID))
}

func (p *Postgres) ListPublicConfigs(ctx context.Context) ([]service.ConfigRecord, error) {
	return p.listConfigsWhere(ctx, goqu.C("visibility").Eq(service.VisibilityPublic))
}

func (p *Postgres) CreateConfig(ctx context.Context, rec service.ConfigRecord) (*service.ConfigRecord, error) {
	cfgJSON, err := json.Marshal(rec.Configuration)
	if err != nil {
		return nil, service.FatalErr(err)
	}
	_, err = p.exec(ctx, pgd.Insert("configs").Rows(goqu.Record{
		"id":                         rec.ID,
		"user_id":                    rec.UserID,
		"name":                       rec.Name,
		"slug":                       rec.Slug,
		"description":                rec.Description,
		"visibility":                 rec.Visibility,
		"storage_type":               rec.StorageType,
		"external_db_url_ciphertext": rec.ExternalDBURLCipher,
		"config_json":                string(cfgJSON),
		"monetization_enabled":       rec.MonetizationEnabled,
		"price_per_query":            rec.PricePerQuery,
		"owner_wallet":               rec.OwnerWallet,
	}).Prepared(true))
	if err != nil {
		return nil, err
	}
	return p.GetConfig(ctx, rec.ID)
}

func (p *Postgres) UpdateConfig(ctx context.Context, id string, rec service.ConfigRecord) (*service.ConfigRecord, error) {
	cfgJSON, err := json.Marshal(rec.Configuration)
	if err != nil {
		return nil, service.FatalErr(err)
	}
	_, err = p.exec(ctx, pgd.Update("configs").Set(goqu.Record{
		"name":                       rec.Name,
		"slug":                       rec.Slug,
		"description":                rec.Description,
		"visibility":                 rec.Visibility,
		"storage_type":               rec.StorageType,
		"external_db_url_ciphertext": rec.ExternalDBURLCipher,
		"config_json":                string(cfgJSON),
		"monetization_enabled":       rec.MonetizationEnabled,
		"price_per_query":            rec.PricePerQuery,
		"owner_wallet":               rec.OwnerWallet,
		"updated_at":                 goqu.L("now()"),
	}).Where(goqu.C("id").Eq(id)).Prepared(true))
	if err != nil {
		return nil, err
	}
	return p.GetConfig(ctx, id)
}

func (p *Postgres) DeleteConfig(ctx context.Context, id string) error {
	_, err := p.exec(ctx, pgd.Update("configs").
		Set(goqu.Record{"deleted_at": goqu.L("now()")}).
		Where(goqu.C("id").Eq(id)).Prepared(true))
	return err
}

func (p *Postgres) SetExternalDBStatus(ctx context.Context, id string, valid bool, errMsg string) error {
	_, err := p.exec(ctx, pgd.Update("configs").Set(goqu.Record{
		"external_db_valid": valid,
		"external_db_error": errMsg,
	}).Where(goqu.C("id").Eq(id)).Prepared(true))
	return err
}

func (p *Postgres) IncrementRunsToday(ctx context.Context, id string) error {
	_, err := p.exec(ctx, pgd.Update("configs").
		Set(goqu.Record{"runs_today": goqu.L("runs_today + 1")}).
		Where(goqu.C("id").Eq(id)).Prepared(true))
	return err
}

func (p *Postgres) SetRunStatus(ctx context.Context, id, status, lastError string, at time.Time) error {
	_, err := p.exec(ctx, pgd.Update("configs").Set(goqu.Record{
		"status":      status,
		"last_error":  lastError,
		"last_run_at": at,
	}).Where(goqu.C("id").Eq(id)).Prepared(true))
	return err
}

// ─── UserStorer ───

func (p *Postgres) GetUser(ctx context.Context, id string) (*service.User, error) {
	q, args, err := pgd.From("users").Select(
		"id", "privy_id", "email", "wallet_address", "tier", "is_banned",
		"banned_reason", "ai_calls_today", "created_at", "updated_at",
	).Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return nil, service.FatalErr(err)
	}

	var (
		u                           service.User
		email, wallet, bannedReason *string
	)
	err = p.pool.QueryRow(ctx, q, args...).Scan(
		&u.ID, &u.PrivyID, &email, &wallet, &u.Tier, &u.IsBanned,
		&bannedReason, &u.AICallsToday, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	u.Email = deref(email)
	u.WalletAddress = deref(wallet)
	u.BannedReason = deref(bannedReason)
	return &u, nil
}

func (p *Postgres) IncrementAICalls(ctx context.Context, id string, n int) error {
	_, err := p.exec(ctx, pgd.Update("users").
		Set(goqu.Record{"ai_calls_today": goqu.L("ai_calls_today + ?", n)}).
		Where(goqu.C("id").Eq(id)).Prepared(true))
	return err
}

// ResetDailyCounters zeroes ai_calls_today and runs_today. Invoked by the
// midnight cron.
func (p *Postgres) ResetDailyCounters(ctx context.Context) error {
	if _, err := p.exec(ctx, pgd.Update("users").Set(goqu.Record{"ai_calls_today": 0})); err != nil {
		return err
	}
	_, err := p.exec(ctx, pgd.Update("configs").Set(goqu.Record{"runs_today": 0}))
	return err
}

// ─── PaymentStorer ───

// ErrDuplicateSignature reports an already-consumed payment proof.
var ErrDuplicateSignature = errors.New("payment signature already recorded")

func (p *Postgres) RecordPayment(ctx context.Context, pay service.Payment) error {
	tag, err := p.exec(ctx, pgd.Insert("payments").Rows(goqu.Record{
		"config_id":    pay.ConfigID,
		"user_id":      pay.UserID,
		"payer_wallet": pay.PayerWallet,
		"amount":       pay.Amount,
		"platform_fee": pay.PlatformFee,
		"owner_amount": pay.OwnerAmount,
		"tx_signature": pay.TxSignature,
		"memo":         pay.Memo,
		"status":       pay.Status,
	}).OnConflict(goqu.DoNothing()).Prepared(true))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateSignature
	}

	// Revenue bookkeeping on the config row; best-effort within the same call.
	_, err = p.exec(ctx, pgd.Update("configs").Set(goqu.Record{
		"total_queries": goqu.L("total_queries + 1"),
		"total_revenue": goqu.L("total_revenue + ?", pay.OwnerAmount),
	}).Where(goqu.C("id").Eq(pay.ConfigID)).Prepared(true))
	return err
}

func (p *Postgres) HasSignature(ctx context.Context, signature string) (bool, error) {
	q, args, err := pgd.From("payments").Select(goqu.L("1")).
		Where(goqu.C("tx_signature").Eq(signature)).Limit(1).Prepared(true).ToSQL()
	if err != nil {
		return false, service.FatalErr(err)
	}
	var one int
	err = p.pool.QueryRow(ctx, q, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// ─── WebhookStorer ───

func (p *Postgres) GetWebhookSecret(ctx context.Context, webhookID string) (string, error) {
	q, args, err := pgd.From("webhook_configs").Select("webhook_secret").
		Where(goqu.C("webhook_id").Eq(webhookID)).Prepared(true).ToSQL()
	if err != nil {
		return "", service.FatalErr(err)
	}
	var secret string
	err = p.pool.QueryRow(ctx, q, args...).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify(err)
	}
	return secret, nil
}

func (p *Postgres) BufferWebhook(ctx context.Context, ev service.WebhookEvent) error {
	_, err := p.exec(ctx, pgd.Insert("webhook_buffer").Rows(goqu.Record{
		"webhook_id": ev.WebhookID,
		"payload":    ev.Payload,
		"source_ip":  ev.SourceIP,
		"headers":    ev.Headers,
	}).Prepared(true))
	return err
}

func (p *Postgres) DrainWebhooks(ctx context.Context, webhookID string, limit int) ([]service.WebhookEvent, error) {
	q, args, err := pgd.Update("webhook_buffer").Set(goqu.Record{
		"processed":    true,
		"processed_at": goqu.L("now()"),
	}).Where(goqu.C("id").In(
		pgd.From("webhook_buffer").Select("id").
			Where(goqu.C("webhook_id").Eq(webhookID), goqu.C("processed").IsFalse()).
			Order(goqu.C("id").Asc()).Limit(uint(limit)),
	)).Returning("id", "webhook_id", "payload", "received_at").Prepared(true).ToSQL()
	if err != nil {
		return nil, service.FatalErr(err)
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []service.WebhookEvent
	for rows.Next() {
		var ev service.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.WebhookID, &ev.Payload, &ev.ReceivedAt); err != nil {
			return nil, classify(err)
		}
		ev.Processed = true
		out = append(out, ev)
	}
	return out, classify(rows.Err())
}

// ─── UsageStorer ───

func (p *Postgres) RecordUsage(ctx context.Context, u service.APIUsage) error {
	_, err := p.exec(ctx, pgd.Insert("api_usage").Rows(goqu.Record{
		"config_id":        u.ConfigID,
		"user_id":          u.UserID,
		"wallet_address":   u.WalletAddress,
		"endpoint":         u.Endpoint,
		"method":           u.Method,
		"query_params":     u.QueryParams,
		"status_code":      u.StatusCode,
		"response_time_ms": u.ResponseTimeMS,
		"ip_address":       u.IPAddress,
		"user_agent":       u.UserAgent,
	}).Prepared(true))
	return err
}

// ─── secret.Storer ───

func (p *Postgres) GetSecret(ctx context.Context, configID, name string) (string, error) {
	q, args, err := pgd.From("config_secrets").Select("ciphertext").
		Where(goqu.C("config_id").Eq(configID), goqu.C("name").Eq(name)).Prepared(true).ToSQL()
	if err != nil {
		return "", err
	}
	var ct string
	err = p.pool.QueryRow(ctx, q, args...).Scan(&ct)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify(err)
	}
	return ct, nil
}

func (p *Postgres) SetSecret(ctx context.Context, configID, name, ciphertext string) error {
	_, err := p.exec(ctx, pgd.Insert("config_secrets").Rows(goqu.Record{
		"config_id":  configID,
		"name":       name,
		"ciphertext": ciphertext,
	}).OnConflict(goqu.DoUpdate("config_id, name", goqu.Record{
		"ciphertext": ciphertext,
		"updated_at": goqu.L("now()"),
	})).Prepared(true))
	return err
}

func (p *Postgres) ListSecretNames(ctx context.Context, configID string) ([]string, error) {
	q, args, err := pgd.From("config_secrets").Select("name").
		Where(goqu.C("config_id").Eq(configID)).Order(goqu.C("name").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, classify(err)
		}
		names = append(names, n)
	}
	return names, classify(rows.Err())
}

func (p *Postgres) DeleteSecret(ctx context.Context, configID, name string) error {
	_, err := p.exec(ctx, pgd.Delete("config_secrets").
		Where(goqu.C("config_id").Eq(configID), goqu.C("name").Eq(name)).Prepared(true))
	return err
}

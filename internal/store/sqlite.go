package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "modernc.org/sqlite"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

var lited = goqu.Dialect("sqlite3")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    config_id  TEXT NOT NULL,
    cid        TEXT NOT NULL,
    type       TEXT NOT NULL,
    source     TEXT NOT NULL,
    title      TEXT,
    text       TEXT,
    link       TEXT,
    topics     TEXT NOT NULL DEFAULT '[]',
    date       INTEGER NOT NULL,
    metadata   TEXT,
    embedding  TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (config_id, cid)
);
CREATE TABLE IF NOT EXISTS summaries (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    config_id       TEXT NOT NULL,
    type            TEXT NOT NULL,
    title           TEXT,
    categories_json TEXT,
    markdown        TEXT,
    date            INTEGER NOT NULL,
    created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (config_id, type, date)
);
CREATE TABLE IF NOT EXISTS cursor (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    config_id  TEXT NOT NULL,
    cid        TEXT NOT NULL,
    message_id TEXT NOT NULL,
    UNIQUE (config_id, cid)
);`

// SQLite is the local store used by one-shot local mode and the historical
// CLI. It persists embeddings as JSON and answers searches with an in-memory
// cosine scan; local datasets are small enough that an index is not worth it.
type SQLite struct {
	db       *sql.DB
	configID string

	writeMu sync.Mutex
}

var _ service.Store = (*SQLite)(nil)

// OpenSQLite opens (and initializes) a local store scoped to one
// configuration. Path ":memory:" is valid.
func OpenSQLite(ctx context.Context, path, configID string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLite{db: db, configID: configID}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) SaveItems(ctx context.Context, items []service.ContentItem) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	newRows := 0
	for _, it := range items {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM items WHERE config_id = ? AND cid = ?`, s.configID, it.CID).Scan(&exists)
		isNew := errors.Is(err, sql.ErrNoRows)
		if err != nil && !isNew {
			return newRows, service.RetryableErr(err)
		}

		var emb any
		if it.Embedding != nil {
			raw, err := json.Marshal(it.Embedding)
			if err != nil {
				return newRows, service.FatalErr(err)
			}
			emb = string(raw)
		}

		q, args, err := lited.Insert("items").Rows(goqu.Record{
			"config_id": s.configID,
			"cid":       it.CID,
			"type":      it.Type,
			"source":    it.Source,
			"title":     it.Title,
			"text":      it.Text,
			"link":      it.Link,
			"topics":    it.Topics,
			"date":      it.Date,
			"metadata":  it.Metadata,
			"embedding": emb,
		}).OnConflict(goqu.DoUpdate("config_id, cid", goqu.Record{
			"topics":   it.Topics,
			"metadata": it.Metadata,
		})).Prepared(true).ToSQL()
		if err != nil {
			return newRows, service.FatalErr(err)
		}
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return newRows, service.FatalErr(err)
		}
		if isNew {
			newRows++
		}
	}
	return newRows, nil
}

func (s *SQLite) scanItems(rows *sql.Rows) ([]service.ContentItem, error) {
	var out []service.ContentItem
	for rows.Next() {
		var (
			it                service.ContentItem
			title, text, link sql.NullString
			emb               sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.CID, &it.Type, &it.Source, &title, &text, &link,
			&it.Topics, &it.Date, &it.Metadata, &emb, &it.CreatedAt); err != nil {
			return nil, service.RetryableErr(err)
		}
		it.ConfigID = s.configID
		it.Title = title.String
		it.Text = text.String
		it.Link = link.String
		if emb.Valid && emb.String != "" {
			if err := json.Unmarshal([]byte(emb.String), &it.Embedding); err != nil {
				return nil, service.FatalErr(err)
			}
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

const sqliteItemCols = `id, cid, type, source, title, text, link, topics, date, metadata, embedding, created_at`

func (s *SQLite) GetItem(ctx context.Context, cid string) (*service.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteItemCols+` FROM items WHERE config_id = ? AND cid = ?`, s.configID, cid)
	if err != nil {
		return nil, service.RetryableErr(err)
	}
	defer rows.Close()

	items, err := s.scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (s *SQLite) GetItemsBetween(ctx context.Context, startEpoch, endEpoch int64) ([]service.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteItemCols+` FROM items WHERE config_id = ? AND date >= ? AND date <= ? ORDER BY date ASC`,
		s.configID, startEpoch, endEpoch)
	if err != nil {
		return nil, service.RetryableErr(err)
	}
	defer rows.Close()
	return s.scanItems(rows)
}

func (s *SQLite) SaveSummary(ctx context.Context, sum service.SummaryItem) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	q, args, err := lited.Insert("summaries").Rows(goqu.Record{
		"config_id":       s.configID,
		"type":            sum.Type,
		"title":           sum.Title,
		"categories_json": sum.Categories,
		"markdown":        sum.Markdown,
		"date":            sum.Date,
	}).OnConflict(goqu.DoUpdate("config_id, type, date", goqu.Record{
		"title":           sum.Title,
		"categories_json": sum.Categories,
		"markdown":        sum.Markdown,
	})).Prepared(true).ToSQL()
	if err != nil {
		return service.FatalErr(err)
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return service.FatalErr(err)
	}
	return nil
}

func (s *SQLite) GetSummaryBetween(ctx context.Context, startEpoch, endEpoch int64) ([]service.SummaryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, title, categories_json, markdown, date, created_at
		 FROM summaries WHERE config_id = ? AND date >= ? AND date <= ? ORDER BY date ASC`,
		s.configID, startEpoch, endEpoch)
	if err != nil {
		return nil, service.RetryableErr(err)
	}
	defer rows.Close()

	var out []service.SummaryItem
	for rows.Next() {
		var (
			sum       service.SummaryItem
			title, md sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.Type, &title, &sum.Categories, &md, &sum.Date, &sum.CreatedAt); err != nil {
			return nil, service.RetryableErr(err)
		}
		sum.ConfigID = s.configID
		sum.Title = title.String
		sum.Markdown = md.String
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLite) GetCursor(ctx context.Context, key string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM cursor WHERE config_id = ? AND cid = ?`, s.configID, key).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", service.RetryableErr(err)
	}
	return token, nil
}

func (s *SQLite) SetCursor(ctx context.Context, key, token string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursor (config_id, cid, message_id) VALUES (?, ?, ?)
		 ON CONFLICT (config_id, cid) DO UPDATE SET message_id = excluded.message_id`,
		s.configID, key, token)
	if err != nil {
		return service.RetryableErr(err)
	}
	return nil
}

// SearchByEmbedding scans all embedded items and ranks by cosine similarity.
func (s *SQLite) SearchByEmbedding(ctx context.Context, q service.SearchQuery) ([]service.SearchResult, error) {
	items, err := s.GetItemsBetween(ctx, 0, math.MaxInt64)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	var out []service.SearchResult
	for _, it := range items {
		if len(it.Embedding) == 0 || !matchFilter(it, q.Filter) {
			continue
		}
		sim := cosine(q.Vector, it.Embedding)
		if q.Threshold != 0 && sim < q.Threshold {
			continue
		}
		out = append(out, service.SearchResult{Item: it, Similarity: sim})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *SQLite) TopicCounts(ctx context.Context, limit int) ([]service.TopicCount, error) {
	if limit <= 0 {
		limit = 20
	}
	items, err := s.GetItemsBetween(ctx, 0, math.MaxInt64)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, it := range items {
		for _, t := range it.Topics {
			counts[t]++
		}
	}

	out := make([]service.TopicCount, 0, len(counts))
	for t, n := range counts {
		out = append(out, service.TopicCount{Topic: t, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SQLite) SourceStats(ctx context.Context) ([]service.SourceCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, count(*) FROM items WHERE config_id = ? GROUP BY source ORDER BY count(*) DESC`, s.configID)
	if err != nil {
		return nil, service.RetryableErr(err)
	}
	defer rows.Close()

	var out []service.SourceCount
	for rows.Next() {
		var sc service.SourceCount
		if err := rows.Scan(&sc.Source, &sc.Count); err != nil {
			return nil, service.RetryableErr(err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLite) DateRange(ctx context.Context) (int64, int64, error) {
	var start, end int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(min(date), 0), COALESCE(max(date), 0) FROM items WHERE config_id = ?`, s.configID).
		Scan(&start, &end)
	if err != nil {
		return 0, 0, service.RetryableErr(err)
	}
	return start, end, nil
}

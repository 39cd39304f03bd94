package store

import (
	"context"
	"errors"
	"sync"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// Scope is a per-configuration view of the postgres store. The config_id
// predicate is pinned here so tenant isolation is an invariant of the
// contract, never a caller convention.
type Scope struct {
	p        *Postgres
	configID string

	// writeMu serializes writes for this configuration so cursor updates stay
	// coherent with item writes.
	writeMu sync.Mutex
}

// Scoped returns the store handle for one configuration.
func (p *Postgres) Scoped(configID string) service.Store {
	return &Scope{p: p, configID: configID}
}

var _ service.Store = (*Scope)(nil)

var itemCols = []any{
	"id", "cid", "type", "source", "title", "text", "link", "topics", "date", "metadata", "created_at",
}

func scanItem(row pgx.Row, configID string) (*service.ContentItem, error) {
	var (
		it                service.ContentItem
		title, text, link *string
	)
	err := row.Scan(&it.ID, &it.CID, &it.Type, &it.Source, &title, &text, &link,
		&it.Topics, &it.Date, &it.Metadata, &it.CreatedAt)
	if err != nil {
		return nil, err
	}
	it.ConfigID = configID
	it.Title = deref(title)
	it.Text = deref(text)
	it.Link = deref(link)
	return &it, nil
}

// SaveItems upserts by (config_id, cid) and returns the number of rows that
// did not exist before. On conflict only enricher-owned fields (topics,
// metadata, embedding) are refreshed; the original content is immutable.
func (s *Scope) SaveItems(ctx context.Context, items []service.ContentItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows := make([]any, 0, len(items))
	for _, it := range items {
		var emb any
		if it.Embedding != nil {
			emb = pgvector.NewVector(it.Embedding)
		}
		rows = append(rows, goqu.Record{
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
		})
	}

	q, args, err := pgd.Insert("items").Rows(rows...).
		OnConflict(goqu.DoUpdate("config_id, cid", goqu.Record{
			"topics":    goqu.L("excluded.topics"),
			"metadata":  goqu.L("excluded.metadata"),
			"embedding": goqu.L("COALESCE(excluded.embedding, items.embedding)"),
		})).
		Returning(goqu.L("(xmax = 0)")).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, service.FatalErr(err)
	}

	res, err := s.p.pool.Query(ctx, q, args...)
	if err != nil {
		return 0, classify(err)
	}
	defer res.Close()

	newRows := 0
	for res.Next() {
		var inserted bool
		if err := res.Scan(&inserted); err != nil {
			return 0, classify(err)
		}
		if inserted {
			newRows++
		}
	}
	if err := res.Err(); err != nil {
		return 0, classify(err)
	}

	if s.vectorIndex() != nil {
		if err := s.vectorIndex().Upsert(ctx, s.configID, items); err != nil {
			return newRows, service.RetryableErr(err)
		}
	}

	return newRows, nil
}

func (s *Scope) vectorIndex() VectorIndex { return s.p.vector }

func (s *Scope) GetItem(ctx context.Context, cid string) (*service.ContentItem, error) {
	q, args, err := pgd.From("items").Select(itemCols...).
		Where(goqu.C("config_id").Eq(s.configID), goqu.C("cid").Eq(cid)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, service.FatalErr(err)
	}
	it, err := scanItem(s.p.pool.QueryRow(ctx, q, args...), s.configID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return it, nil
}

func (s *Scope) GetItemsBetween(ctx context.Context, startEpoch, endEpoch int64) ([]service.ContentItem, error) {
	q, args, err := pgd.From("items").Select(itemCols...).
		Where(
			goqu.C("config_id").Eq(s.configID),
			goqu.C("date").Gte(startEpoch),
			goqu.C("date").Lte(endEpoch),
		).
		Order(goqu.C("date").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, service.FatalErr(err)
	}

	rows, err := s.p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []service.ContentItem
	for rows.Next() {
		it, err := scanItem(rows, s.configID)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, *it)
	}
	return out, classify(rows.Err())
}

// ─── Summaries ───

func (s *Scope) SaveSummary(ctx context.Context, sum service.SummaryItem) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.p.exec(ctx, pgd.Insert("summaries").Rows(goqu.Record{
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
		"created_at":      goqu.L("now()"),
	})).Prepared(true))
	return err
}

func (s *Scope) GetSummaryBetween(ctx context.Context, startEpoch, endEpoch int64) ([]service.SummaryItem, error) {
	q, args, err := pgd.From("summaries").
		Select("id", "type", "title", "categories_json", "markdown", "date", "created_at").
		Where(
			goqu.C("config_id").Eq(s.configID),
			goqu.C("date").Gte(startEpoch),
			goqu.C("date").Lte(endEpoch),
		).
		Order(goqu.C("date").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, service.FatalErr(err)
	}

	rows, err := s.p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []service.SummaryItem
	for rows.Next() {
		var (
			sum       service.SummaryItem
			title, md *string
		)
		if err := rows.Scan(&sum.ID, &sum.Type, &title, &sum.Categories, &md, &sum.Date, &sum.CreatedAt); err != nil {
			return nil, classify(err)
		}
		sum.ConfigID = s.configID
		sum.Title = deref(title)
		sum.Markdown = deref(md)
		out = append(out, sum)
	}
	return out, classify(rows.Err())
}

// ─── Cursors ───

func (s *Scope) GetCursor(ctx context.Context, key string) (string, error) {
	q, args, err := pgd.From("cursor").Select("message_id").
		Where(goqu.C("config_id").Eq(s.configID), goqu.C("cid").Eq(key)).
		Prepared(true).ToSQL()
	if err != nil {
		return "", service.FatalErr(err)
	}
	var token string
	err = s.p.pool.QueryRow(ctx, q, args...).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify(err)
	}
	return token, nil
}

func (s *Scope) SetCursor(ctx context.Context, key, token string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.p.exec(ctx, pgd.Insert("cursor").Rows(goqu.Record{
		"config_id":  s.configID,
		"cid":        key,
		"message_id": token,
	}).OnConflict(goqu.DoUpdate("config_id, cid", goqu.Record{
		"message_id": token,
	})).Prepared(true))
	return err
}

// ─── Search & aggregates ───

func (s *Scope) SearchByEmbedding(ctx context.Context, query service.SearchQuery) ([]service.SearchResult, error) {
	if idx := s.vectorIndex(); idx != nil {
		return s.searchViaIndex(ctx, idx, query)
	}
	return s.searchPgvector(ctx, query)
}

func (s *Scope) searchPgvector(ctx context.Context, query service.SearchQuery) ([]service.SearchResult, error) {
	vec := pgvector.NewVector(query.Vector)

	where := []goqu.Expression{
		goqu.C("config_id").Eq(s.configID),
		goqu.C("embedding").IsNotNull(),
	}
	if len(query.Filter.Types) > 0 {
		where = append(where, goqu.C("type").In(query.Filter.Types))
	}
	if len(query.Filter.Sources) > 0 {
		where = append(where, goqu.C("source").In(query.Filter.Sources))
	}
	if query.Filter.StartDate > 0 {
		where = append(where, goqu.C("date").Gte(query.Filter.StartDate))
	}
	if query.Filter.EndDate > 0 {
		where = append(where, goqu.C("date").Lte(query.Filter.EndDate))
	}
	if query.Threshold != 0 {
		where = append(where, goqu.L("1 - (embedding <=> ?) >= ?", vec, query.Threshold))
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}

	cols := append(append([]any{}, itemCols...), goqu.L("1 - (embedding <=> ?)", vec).As("similarity"))
	q, args, err := pgd.From("items").Select(cols...).
		Where(where...).
		Order(goqu.L("embedding <=> ?", vec).Asc()).
		Limit(uint(limit)).Prepared(true).ToSQL()
	if err != nil {
		return nil, service.FatalErr(err)
	}

	rows, err := s.p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []service.SearchResult
	for rows.Next() {
		var (
			it                service.ContentItem
			title, text, link *string
			sim               float64
		)
		if err := rows.Scan(&it.ID, &it.CID, &it.Type, &it.Source, &title, &text, &link,
			&it.Topics, &it.Date, &it.Metadata, &it.CreatedAt, &sim); err != nil {
			return nil, classify(err)
		}
		it.ConfigID = s.configID
		it.Title = deref(title)
		it.Text = deref(text)
		it.Link = deref(link)
		out = append(out, service.SearchResult{Item: it, Similarity: sim})
	}
	return out, classify(rows.Err())
}

// searchViaIndex asks the external vector index for cids and hydrates the
// items from postgres, re-applying filters the index cannot express.
func (s *Scope) searchViaIndex(ctx context.Context, idx VectorIndex, query service.SearchQuery) ([]service.SearchResult, error) {
	hits, err := idx.Search(ctx, s.configID, query)
	if err != nil {
		return nil, service.RetryableErr(err)
	}

	out := make([]service.SearchResult, 0, len(hits))
	for _, h := range hits {
		it, err := s.GetItem(ctx, h.CID)
		if err != nil {
			return nil, err
		}
		if it == nil {
			continue
		}
		if !matchFilter(*it, query.Filter) {
			continue
		}
		out = append(out, service.SearchResult{Item: *it, Similarity: h.Similarity})
	}
	return out, nil
}

func matchFilter(it service.ContentItem, f service.SearchFilter) bool {
	if len(f.Types) > 0 && !contains(f.Types, it.Type) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, it.Source) {
		return false
	}
	if f.StartDate > 0 && it.Date < f.StartDate {
		return false
	}
	if f.EndDate > 0 && it.Date > f.EndDate {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Scope) TopicCounts(ctx context.Context, limit int) ([]service.TopicCount, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
		SELECT t AS topic, count(*) AS n
		FROM items, jsonb_array_elements_text(topics) AS t
		WHERE config_id = $1
		GROUP BY t
		ORDER BY n DESC
		LIMIT $2`

	rows, err := s.p.pool.Query(ctx, q, s.configID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []service.TopicCount
	for rows.Next() {
		var tc service.TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Count); err != nil {
			return nil, classify(err)
		}
		out = append(out, tc)
	}
	return out, classify(rows.Err())
}

func (s *Scope) SourceStats(ctx context.Context) ([]service.SourceCount, error) {
	q, args, err := pgd.From("items").
		Select("source", goqu.COUNT("*").As("n")).
		Where(goqu.C("config_id").Eq(s.configID)).
		GroupBy("source").Order(goqu.C("n").Desc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, service.FatalErr(err)
	}

	rows, err := s.p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []service.SourceCount
	for rows.Next() {
		var sc service.SourceCount
		if err := rows.Scan(&sc.Source, &sc.Count); err != nil {
			return nil, classify(err)
		}
		out = append(out, sc)
	}
	return out, classify(rows.Err())
}

func (s *Scope) DateRange(ctx context.Context) (int64, int64, error) {
	const q = `SELECT COALESCE(min(date), 0), COALESCE(max(date), 0) FROM items WHERE config_id = $1`
	var start, end int64
	if err := s.p.pool.QueryRow(ctx, q, s.configID).Scan(&start, &end); err != nil {
		return 0, 0, classify(err)
	}
	return start, end, nil
}

package store

import (
	"context"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// VectorHit is a single match from a vector index. Similarity is cosine,
// in [-1,1].
type VectorHit struct {
	CID        string
	Similarity float64
}

// VectorIndex is the embedding index contract. The default backend is the
// pgvector column inside the items table; a milvus index can replace it when
// configured. Indexes store only (config_id, cid, embedding); items are
// hydrated from the relational store.
type VectorIndex interface {
	Upsert(ctx context.Context, configID string, items []service.ContentItem) error
	Search(ctx context.Context, configID string, q service.SearchQuery) ([]VectorHit, error)
}

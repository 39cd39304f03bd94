package store

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

const (
	milvusCollection = "item_embeddings"
	embeddingDim     = 1536
)

// Milvus is the optional external vector index backend.
type Milvus struct {
	c client.Client
}

// OpenMilvus connects and makes sure the collection and index exist.
func OpenMilvus(ctx context.Context, address string) (*Milvus, error) {
	c, err := client.NewClient(ctx, client.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("milvus connect: %w", err)
	}

	m := &Milvus{c: c}
	if err := m.ensureCollection(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return m, nil
}

func (m *Milvus) ensureCollection(ctx context.Context) error {
	has, err := m.c.HasCollection(ctx, milvusCollection)
	if err != nil {
		return fmt.Errorf("milvus has collection: %w", err)
	}
	if !has {
		schema := entity.NewSchema().WithName(milvusCollection).
			WithField(entity.NewField().WithName("id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(512).WithIsPrimaryKey(true)).
			WithField(entity.NewField().WithName("config_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128)).
			WithField(entity.NewField().WithName("cid").WithDataType(entity.FieldTypeVarChar).WithMaxLength(384)).
			WithField(entity.NewField().WithName("embedding").WithDataType(entity.FieldTypeFloatVector).WithDim(embeddingDim))
		if err := m.c.CreateCollection(ctx, schema, 1); err != nil {
			return fmt.Errorf("milvus create collection: %w", err)
		}

		idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
		if err != nil {
			return fmt.Errorf("milvus index: %w", err)
		}
		if err := m.c.CreateIndex(ctx, milvusCollection, "embedding", idx, false); err != nil {
			return fmt.Errorf("milvus create index: %w", err)
		}
	}

	if err := m.c.LoadCollection(ctx, milvusCollection, false); err != nil {
		return fmt.Errorf("milvus load collection: %w", err)
	}
	return nil
}

func (m *Milvus) Close() error { return m.c.Close() }

// Upsert writes the embeddings of items that carry one. The primary key is
// config_id + "/" + cid so re-embedding overwrites.
func (m *Milvus) Upsert(ctx context.Context, configID string, items []service.ContentItem) error {
	var (
		ids     []string
		configs []string
		cids    []string
		vectors [][]float32
	)
	for _, it := range items {
		if len(it.Embedding) == 0 {
			continue
		}
		ids = append(ids, configID+"/"+it.CID)
		configs = append(configs, configID)
		cids = append(cids, it.CID)
		vectors = append(vectors, it.Embedding)
	}
	if len(ids) == 0 {
		return nil
	}

	_, err := m.c.Upsert(ctx, milvusCollection, "",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("config_id", configs),
		entity.NewColumnVarChar("cid", cids),
		entity.NewColumnFloatVector("embedding", embeddingDim, vectors),
	)
	if err != nil {
		return fmt.Errorf("milvus upsert: %w", err)
	}
	return nil
}

// Search runs a cosine top-k over one configuration's partition of the
// collection.
func (m *Milvus) Search(ctx context.Context, configID string, q service.SearchQuery) ([]VectorHit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, fmt.Errorf("milvus search param: %w", err)
	}

	expr := fmt.Sprintf(`config_id == "%s"`, configID)
	results, err := m.c.Search(ctx, milvusCollection, nil, expr,
		[]string{"cid"},
		[]entity.Vector{entity.FloatVector(q.Vector)},
		"embedding", entity.COSINE, limit, sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}

	var hits []VectorHit
	for _, r := range results {
		col := r.Fields.GetColumn("cid")
		if col == nil {
			continue
		}
		for i := 0; i < r.ResultCount; i++ {
			cid, err := col.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("milvus result: %w", err)
			}
			sim := float64(r.Scores[i])
			if q.Threshold != 0 && sim < q.Threshold {
				continue
			}
			hits = append(hits, VectorHit{CID: cid, Similarity: sim})
		}
	}
	return hits, nil
}

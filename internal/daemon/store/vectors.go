package store

import (
	"context"

	"github.com/philippgille/chromem-go"

	"github.com/grovetools/brain/errors"
)

// SimilarNode is one nearest-neighbor result.
type SimilarNode struct {
	NodeID     string
	Similarity float64
}

// SetNodeEmbedding stores a node's vector under its embedding model tag and
// records the tag on the index row.
func (s *Store) SetNodeEmbedding(ctx context.Context, nodeID, model string, vec []float32) error {
	col, err := s.collection(model)
	if err != nil {
		return err
	}

	err = col.AddDocument(ctx, chromem.Document{
		ID:        nodeID,
		Embedding: vec,
		// chromem requires non-empty content; the node id suffices since
		// search content lives in the FTS index.
		Content:  nodeID,
		Metadata: map[string]string{"model": model},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to store embedding")
	}

	_, err = s.db.ExecContext(ctx, `UPDATE nodes SET embedding_model = ? WHERE id = ?`, model, nodeID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to tag embedding model")
	}
	return nil
}

// SimilarNodes finds up to k nodes whose vectors are at least threshold
// cosine-similar to the query vector. Comparisons only happen within one
// embedding model's collection.
func (s *Store) SimilarNodes(ctx context.Context, vec []float32, model string, k int, threshold float64) ([]SimilarNode, error) {
	col, err := s.collection(model)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "vector query failed")
	}

	var out []SimilarNode
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < threshold {
			continue
		}
		out = append(out, SimilarNode{NodeID: r.ID, Similarity: sim})
	}
	return out, nil
}

// NodeEmbedding fetches a stored vector, or nil when absent.
func (s *Store) NodeEmbedding(ctx context.Context, nodeID, model string) ([]float32, error) {
	col, err := s.collection(model)
	if err != nil {
		return nil, err
	}
	doc, err := col.GetByID(ctx, nodeID)
	if err != nil {
		return nil, nil
	}
	return doc.Embedding, nil
}

// NodesWithoutEmbedding lists node ids the backfill job still has to cover.
func (s *Store) NodesWithoutEmbedding(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM nodes WHERE embedding_model IS NULL OR embedding_model = '' ORDER BY timestamp DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to list nodes without embeddings")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan node id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

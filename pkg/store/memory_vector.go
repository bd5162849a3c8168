package store

import (
	"context"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

// MemoryVectorStore keeps message embeddings in a map. Nothing survives a
// restart; it backs tests and engines built without a durable database.
type MemoryVectorStore struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

var _ VectorStore = (*MemoryVectorStore)(nil)

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{vectors: make(map[string][]float32)}
}

// Add upserts a copy of embedding under the durable message id.
func (m *MemoryVectorStore) Add(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) == 0 {
		return goerr.New("embedding cannot be empty", goerr.V("message_id", id))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[id] = append([]float32(nil), embedding...)
	return nil
}

// Search scores every embedding whose dimension matches query, matching
// SQLiteVectorStore.
func (m *MemoryVectorStore) Search(ctx context.Context, query []float32, topK int) ([]VectorHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]VectorHit, 0, len(m.vectors))
	for id, embedding := range m.vectors {
		if len(embedding) != len(query) {
			continue
		}
		hits = append(hits, VectorHit{ID: id, Score: CosineSimilarity(query, embedding)})
	}

	sortHits(hits)
	if topK >= 0 && topK < len(hits) {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *MemoryVectorStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vectors, id)
	return nil
}

// sortHits orders by score, then id so equal scores come back stable.
func sortHits(hits []VectorHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

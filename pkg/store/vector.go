package store

import (
	"context"
	"math"
)

// VectorHit is a vector search result with similarity score.
type VectorHit struct {
	ID    string  // Durable message ID
	Score float64 // Cosine similarity (-1..1, higher is more similar)
}

// VectorStore stores message embeddings and answers similarity queries.
type VectorStore interface {
	// Add adds or replaces the embedding for id.
	Add(ctx context.Context, id string, embedding []float32) error

	// Search returns up to topK hits sorted by score descending.
	Search(ctx context.Context, query []float32, topK int) ([]VectorHit, error)

	// Delete removes the embedding for id.
	Delete(ctx context.Context, id string) error
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched lengths, empty vectors and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

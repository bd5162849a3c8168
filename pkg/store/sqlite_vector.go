package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"

	"github.com/m-mizutani/goerr/v2"
)

// SQLiteVectorStore persists message embeddings next to the durable tier and
// searches them by brute-force cosine similarity. The connection is shared
// with SQLiteDurableStore and is not closed by this store.
type SQLiteVectorStore struct {
	db *sql.DB
}

var _ VectorStore = (*SQLiteVectorStore)(nil)

// NewSQLiteVectorStore creates the vector table on db if needed.
func NewSQLiteVectorStore(db *sql.DB) (*SQLiteVectorStore, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS message_vectors (
		message_id TEXT PRIMARY KEY,
		dims INTEGER NOT NULL,
		embedding BLOB NOT NULL
	)`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create message_vectors table")
	}
	return &SQLiteVectorStore{db: db}, nil
}

// Add upserts the embedding for a message.
func (s *SQLiteVectorStore) Add(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) == 0 {
		return goerr.New("embedding cannot be empty", goerr.V("message_id", id))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_vectors (message_id, dims, embedding) VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET dims = excluded.dims, embedding = excluded.embedding
	`, id, len(embedding), serializeEmbedding(embedding))
	if err != nil {
		return goerr.Wrap(err, "failed to store embedding", goerr.V("message_id", id))
	}
	return nil
}

// Search scores every stored embedding of matching dimension.
func (s *SQLiteVectorStore) Search(ctx context.Context, query []float32, topK int) ([]VectorHit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, embedding FROM message_vectors WHERE dims = ?`, len(query))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query embeddings")
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, goerr.Wrap(err, "failed to scan embedding")
		}
		hits = append(hits, VectorHit{ID: id, Score: CosineSimilarity(query, deserializeEmbedding(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate embeddings")
	}

	sortHits(hits)
	if topK >= 0 && topK < len(hits) {
		hits = hits[:topK]
	}
	return hits, nil
}

// Delete removes the embedding for a message.
func (s *SQLiteVectorStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM message_vectors WHERE message_id = ?`, id); err != nil {
		return goerr.Wrap(err, "failed to delete embedding", goerr.V("message_id", id))
	}
	return nil
}

// serializeEmbedding encodes float32 values little-endian.
func serializeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func deserializeEmbedding(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

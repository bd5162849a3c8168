package evna

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Error type constants for classification
const (
	ErrTypeNetwork    = "network"
	ErrTypeTimeout    = "timeout"
	ErrTypeEmbedding  = "embedding"
	ErrTypeRerank     = "rerank"
	ErrTypeDatabase   = "database"
	ErrTypeValidation = "validation"
	ErrTypeUnknown    = "unknown"
)

// ClassifyError inspects an error and returns its type classification.
// The buckets label error metrics and trace records.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	errStrLower := strings.ToLower(err.Error())

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStrLower, "timeout") || strings.Contains(errStrLower, "deadline exceeded") {
		return ErrTypeTimeout
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return ErrTypeNetwork
	}
	if containsAny(errStrLower, "connection refused", "connection reset", "no such host",
		"network is unreachable", "dial tcp", "eof") {
		return ErrTypeNetwork
	}

	// Reranker before embeddings: both speak "api error".
	if strings.Contains(errStrLower, "rerank") {
		return ErrTypeRerank
	}

	if containsAny(errStrLower, "embed", "api error", "rate limit", "openai", "ollama") ||
		strings.Contains(errStrLower, "model") && strings.Contains(errStrLower, "not found") {
		return ErrTypeEmbedding
	}

	if containsAny(errStrLower, "sql", "database", "constraint", "durable", "hot tier") ||
		strings.Contains(errStrLower, "unique") && strings.Contains(errStrLower, "failed") {
		return ErrTypeDatabase
	}

	if containsAny(errStrLower, "validation", "invalid", "required", "cannot be empty", "must be") {
		return ErrTypeValidation
	}

	return ErrTypeUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

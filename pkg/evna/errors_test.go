package evna

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/m-mizutani/goerr/v2"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"context deadline", context.DeadlineExceeded, ErrTypeTimeout},
		{"string timeout", fmt.Errorf("operation timeout"), ErrTypeTimeout},
		{"wrapped deadline", fmt.Errorf("boot failed: %w", context.DeadlineExceeded), ErrTypeTimeout},

		{"connection refused", fmt.Errorf("connection refused"), ErrTypeNetwork},
		{"dial tcp", fmt.Errorf("dial tcp: connection refused"), ErrTypeNetwork},
		{"eof", fmt.Errorf("unexpected EOF"), ErrTypeNetwork},
		{"net.OpError", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, ErrTypeNetwork},

		{"rerank api", goerr.New("rerank API error"), ErrTypeRerank},
		{"rerank index", goerr.New("rerank result index out of range"), ErrTypeRerank},

		{"embedding api", goerr.New("embedding API error"), ErrTypeEmbedding},
		{"ollama", goerr.New("ollama returned an empty embedding"), ErrTypeEmbedding},
		{"rate limit", fmt.Errorf("rate limit exceeded"), ErrTypeEmbedding},
		{"model not found", fmt.Errorf("model not found"), ErrTypeEmbedding},

		{"sql", fmt.Errorf("SQL error: syntax error"), ErrTypeDatabase},
		{"locked", fmt.Errorf("database is locked"), ErrTypeDatabase},
		{"constraint", fmt.Errorf("UNIQUE constraint failed"), ErrTypeDatabase},
		{"hot tier", goerr.Wrap(errors.New("full"), "hot tier write failed"), ErrTypeDatabase},

		{"invalid", fmt.Errorf("invalid input"), ErrTypeValidation},
		{"required", fmt.Errorf("field is required"), ErrTypeValidation},
		{"must be", fmt.Errorf("value must be positive"), ErrTypeValidation},

		{"unknown", fmt.Errorf("some random error"), ErrTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyError_Nil(t *testing.T) {
	if got := ClassifyError(nil); got != "" {
		t.Errorf("ClassifyError(nil) = %v, want empty string", got)
	}
}

package evna

import (
	"time"

	"github.com/dan-solli/evna/pkg/alias"
	"github.com/dan-solli/evna/pkg/budget"
	"github.com/dan-solli/evna/pkg/embeddings"
	"github.com/dan-solli/evna/pkg/store"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultLookbackDays    = 7
	DefaultMaxResults      = 10
	DefaultVectorThreshold = 0.3
	DefaultMaxRetries      = 1
)

// Config holds configuration for the Engine
type Config struct {
	// Aliases is the project alias table. Required.
	Aliases []alias.Entry

	// DBPath is the durable SQLite database. Required by New.
	DBPath string
	// Driver selects the SQLite driver (default: store.DriverModernc)
	Driver string

	// HotTTL is the hot tier lifetime (default: 36h)
	HotTTL time.Duration
	// HotCapacity caps hot tier entries (default: 10000)
	HotCapacity int

	// Embeddings configures query and capture embeddings. An empty provider
	// disables the vector tier.
	Embeddings embeddings.Config

	// RerankURL enables cross-encoder reranking when set.
	RerankURL    string
	RerankModel  string
	RerankAPIKey string `masq:"secret"`

	// TracePath enables JSON Lines trace export when set.
	TracePath string

	Budget budget.Config
	// MaxRetries is the number of widened boot rounds after an empty one
	// (default: 1). Negative disables retries.
	MaxRetries int

	LookbackDays      int
	MaxResults        int
	TruncateLength    int
	AuxTruncateLength int
	// VectorThreshold is the minimum similarity for vector hits (default:
	// 0.3). Zero means the default, so a threshold of 0 cannot be set.
	VectorThreshold float64

	// Now is the engine clock (default: time.Now).
	Now func() time.Time `json:"-"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.HotTTL <= 0 {
		c.HotTTL = store.DefaultHotTTL
	}
	if c.HotCapacity <= 0 {
		c.HotCapacity = store.DefaultHotCapacity
	}
	c.Budget = c.Budget.WithDefaults()
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = DefaultLookbackDays
	}
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.TruncateLength <= 0 {
		c.TruncateLength = store.DefaultTruncateLength
	}
	if c.AuxTruncateLength <= 0 {
		c.AuxTruncateLength = store.DefaultAuxTruncateLength
	}
	if c.VectorThreshold <= 0 {
		c.VectorThreshold = DefaultVectorThreshold
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

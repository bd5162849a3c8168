// Package config loads the evna TOML configuration file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"

	"github.com/dan-solli/evna/pkg/alias"
	"github.com/dan-solli/evna/pkg/budget"
	"github.com/dan-solli/evna/pkg/embeddings"
	"github.com/dan-solli/evna/pkg/evna"
	"github.com/dan-solli/evna/pkg/store"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "EVNA_CONFIG"

// File represents the configuration file
type File struct {
	Aliases    []alias.Entry    `toml:"alias"`
	Store      StoreConfig      `toml:"store"`
	Budget     BudgetConfig     `toml:"budget"`
	Boot       BootConfig       `toml:"boot"`
	Embeddings EmbeddingsConfig `toml:"embeddings"`
	Rerank     RerankConfig     `toml:"rerank"`
	Trace      TraceConfig      `toml:"trace"`
}

// StoreConfig configures both storage tiers.
type StoreConfig struct {
	DBPath      string `toml:"db_path"`
	Driver      string `toml:"driver"`
	HotTTL      string `toml:"hot_ttl"`
	HotCapacity int    `toml:"hot_capacity"`
}

// BudgetConfig holds the search budget tunables. Zero or omitted counts use
// the defaults. Thresholds are nil when omitted; a set threshold must lie in
// (0, 1].
type BudgetConfig struct {
	TokenCap        int      `toml:"token_cap"`
	StrikeCount     int      `toml:"strike_count"`
	TrendWindow     int      `toml:"trend_window"`
	HighThreshold   *float64 `toml:"high_threshold"`
	MediumThreshold *float64 `toml:"medium_threshold"`
	CountThreshold  int      `toml:"count_threshold"`
	MaxRetries      int      `toml:"max_retries"`
}

// BootConfig holds boot defaults. Zero or omitted values use the defaults;
// vector_threshold, when set, must lie in (0, 1].
type BootConfig struct {
	LookbackDays      int      `toml:"lookback_days"`
	MaxResults        int      `toml:"max_results"`
	TruncateLength    int      `toml:"truncate_length"`
	AuxTruncateLength int      `toml:"aux_truncate_length"`
	VectorThreshold   *float64 `toml:"vector_threshold"`
}

// EmbeddingsConfig selects the embedding provider. The API key is read from
// the environment variable named by APIKeyEnv.
type EmbeddingsConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	BaseURL   string `toml:"base_url"`
	APIKeyEnv string `toml:"api_key_env"`
}

// RerankConfig enables the reranking service when BaseURL is set.
type RerankConfig struct {
	BaseURL   string `toml:"base_url"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
}

// TraceConfig enables JSON Lines trace export when Path is set.
type TraceConfig struct {
	Path string `toml:"path"`
}

// DefaultPath returns $EVNA_CONFIG, or config.toml in the user config
// directory.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "evna.toml"
	}
	return filepath.Join(dir, "evna", "config.toml")
}

// Load reads, validates and resolves the configuration at path. Relative
// store and trace paths are resolved against the file's directory.
func Load(path string) (*File, error) {
	// #nosec G304 - path is expected to be provided by CLI argument
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, goerr.Wrap(ErrConfigNotFound, "alias table is required at startup", goerr.V(ConfigPathKey, path))
		}
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V(ConfigPathKey, path))
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, goerr.Wrap(ErrInvalidConfig, "failed to parse TOML config",
			goerr.V(ConfigPathKey, path), goerr.V("cause", err.Error()))
	}

	if err := f.Validate(); err != nil {
		return nil, goerr.Wrap(err, "config validation failed", goerr.V(ConfigPathKey, path))
	}

	dir := filepath.Dir(path)
	f.Store.DBPath = resolve(dir, f.Store.DBPath)
	f.Trace.Path = resolve(dir, f.Trace.Path)
	return &f, nil
}

func resolve(dir, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func invalid(msg, field string, value any) error {
	return goerr.Wrap(ErrInvalidConfig, msg, goerr.V(FieldKey, field), goerr.V("value", value))
}

// Validate checks if the File is valid
func (f *File) Validate() error {
	if len(f.Aliases) == 0 {
		return invalid("at least one [[alias]] entry is required", "alias", 0)
	}
	seen := make(map[string]bool)
	for i, a := range f.Aliases {
		canonical := strings.ToLower(strings.TrimSpace(a.Canonical))
		if canonical == "" {
			return invalid("alias canonical name is required", "alias.canonical", i)
		}
		if seen[canonical] {
			return invalid("duplicate alias canonical name", "alias.canonical", a.Canonical)
		}
		seen[canonical] = true
	}

	if f.Store.DBPath == "" {
		return invalid("store db_path is required", "store.db_path", "")
	}
	switch f.Store.Driver {
	case "", store.DriverModernc, store.DriverCGO:
	default:
		return invalid("unsupported sqlite driver", "store.driver", f.Store.Driver)
	}
	if _, err := f.hotTTL(); err != nil {
		return err
	}
	if f.Store.HotCapacity < 0 {
		return invalid("hot_capacity must be positive", "store.hot_capacity", f.Store.HotCapacity)
	}

	b := f.Budget
	if b.TokenCap < 0 || b.StrikeCount < 0 || b.TrendWindow < 0 || b.CountThreshold < 0 {
		return invalid("budget values must be positive", "budget", b)
	}
	if err := checkThreshold("budget.high_threshold", b.HighThreshold); err != nil {
		return err
	}
	if err := checkThreshold("budget.medium_threshold", b.MediumThreshold); err != nil {
		return err
	}
	// Compare the thresholds the engine will use, defaults included.
	q := f.budgetConfig().WithDefaults()
	if q.MediumThreshold > q.HighThreshold {
		return invalid("medium_threshold must not exceed high_threshold", "budget.medium_threshold", q.MediumThreshold)
	}

	if f.Boot.LookbackDays < 0 || f.Boot.MaxResults < 0 || f.Boot.TruncateLength < 0 || f.Boot.AuxTruncateLength < 0 {
		return invalid("boot values must be positive", "boot", f.Boot)
	}
	if err := checkThreshold("boot.vector_threshold", f.Boot.VectorThreshold); err != nil {
		return err
	}

	switch f.Embeddings.Provider {
	case "", embeddings.ProviderOpenAI, embeddings.ProviderOllama:
	default:
		return invalid("unknown embedding provider", "embeddings.provider", f.Embeddings.Provider)
	}

	return nil
}

// checkThreshold rejects a set threshold outside (0, 1]. Zero is rejected
// rather than silently replaced by the default.
func checkThreshold(field string, v *float64) error {
	if v == nil {
		return nil
	}
	if *v <= 0 || *v > 1 {
		return invalid("threshold must be greater than 0 and at most 1; omit it to use the default", field, *v)
	}
	return nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func (f *File) budgetConfig() budget.Config {
	return budget.Config{
		TokenCap:        f.Budget.TokenCap,
		StrikeCount:     f.Budget.StrikeCount,
		TrendWindow:     f.Budget.TrendWindow,
		HighThreshold:   deref(f.Budget.HighThreshold),
		MediumThreshold: deref(f.Budget.MediumThreshold),
		CountThreshold:  f.Budget.CountThreshold,
	}
}

func (f *File) hotTTL() (time.Duration, error) {
	if f.Store.HotTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(f.Store.HotTTL)
	if err != nil || d <= 0 {
		return 0, invalid("hot_ttl must be a positive duration", "store.hot_ttl", f.Store.HotTTL)
	}
	return d, nil
}

// EngineConfig converts the file to an engine configuration. API keys are
// read from the environment here.
func (f *File) EngineConfig() evna.Config {
	ttl, _ := f.hotTTL()

	cfg := evna.Config{
		Aliases:     f.Aliases,
		DBPath:      f.Store.DBPath,
		Driver:      f.Store.Driver,
		HotTTL:      ttl,
		HotCapacity: f.Store.HotCapacity,
		Embeddings: embeddings.Config{
			Provider: f.Embeddings.Provider,
			Model:    f.Embeddings.Model,
			BaseURL:  f.Embeddings.BaseURL,
			APIKey:   getenv(f.Embeddings.APIKeyEnv),
		},
		RerankURL:    f.Rerank.BaseURL,
		RerankModel:  f.Rerank.Model,
		RerankAPIKey: getenv(f.Rerank.APIKeyEnv),
		TracePath:    f.Trace.Path,
		Budget:            f.budgetConfig(),
		MaxRetries:        f.Budget.MaxRetries,
		LookbackDays:      f.Boot.LookbackDays,
		MaxResults:        f.Boot.MaxResults,
		TruncateLength:    f.Boot.TruncateLength,
		AuxTruncateLength: f.Boot.AuxTruncateLength,
		VectorThreshold:   deref(f.Boot.VectorThreshold),
	}
	return cfg.WithDefaults()
}

func getenv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

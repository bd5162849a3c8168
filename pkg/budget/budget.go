// Package budget bounds a single boot query's retrieval session. A Controller
// records each search attempt and decides when continuing is pointless.
package budget

import (
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Quality grades one attempt's results. The ordinal order matters for the
// declining-quality rule.
type Quality int

const (
	QualityNone Quality = iota
	QualityLow
	QualityMedium
	QualityHigh
)

func (q Quality) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	default:
		return "none"
	}
}

// MarshalText renders the quality by name in JSON and logs.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText parses a quality name.
func (q *Quality) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none":
		*q = QualityNone
	case "low":
		*q = QualityLow
	case "medium":
		*q = QualityMedium
	case "high":
		*q = QualityHigh
	default:
		return goerr.New("unknown quality", goerr.V("quality", string(text)))
	}
	return nil
}

// Attempt is one adapter call within a session.
type Attempt struct {
	Adapter      string    `json:"adapter"`
	ResultsFound int       `json:"results_found"`
	Quality      Quality   `json:"quality"`
	TokenCost    int       `json:"token_cost"`
	Timestamp    time.Time `json:"timestamp"`
}

// Reason names the rule that stopped a session.
type Reason string

const (
	ReasonTokenCap         Reason = "token_cap"
	ReasonThreeStrikes     Reason = "three_strikes"
	ReasonDecliningQuality Reason = "declining_quality"
	// ReasonProjectMismatch is part of the decision vocabulary but no rule
	// produces it yet.
	ReasonProjectMismatch Reason = "project_mismatch"
)

// Decision is the controller's answer to ShouldTerminate.
type Decision struct {
	Stop    bool   `json:"stop"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Config holds the controller tunables. WithDefaults treats zero as unset,
// so a threshold of exactly 0 is not expressible.
type Config struct {
	TokenCap        int
	StrikeCount     int
	TrendWindow     int
	HighThreshold   float64
	MediumThreshold float64
	// CountThreshold grades unscored result sets: more than this many
	// results is medium, otherwise low.
	CountThreshold int
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		TokenCap:        15000,
		StrikeCount:     3,
		TrendWindow:     3,
		HighThreshold:   0.5,
		MediumThreshold: 0.3,
		CountThreshold:  5,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.TokenCap <= 0 {
		c.TokenCap = d.TokenCap
	}
	if c.StrikeCount <= 0 {
		c.StrikeCount = d.StrikeCount
	}
	if c.TrendWindow < 2 {
		c.TrendWindow = d.TrendWindow
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = d.HighThreshold
	}
	if c.MediumThreshold <= 0 {
		c.MediumThreshold = d.MediumThreshold
	}
	if c.CountThreshold <= 0 {
		c.CountThreshold = d.CountThreshold
	}
	return c
}

// ScoreResultQuality grades a result set. scores holds the similarity scores
// that are available; it may be shorter than count or empty.
func (c Config) ScoreResultQuality(count int, scores []float64) Quality {
	if count <= 0 {
		return QualityNone
	}
	if len(scores) == 0 {
		if count > c.CountThreshold {
			return QualityMedium
		}
		return QualityLow
	}

	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))
	switch {
	case mean >= c.HighThreshold:
		return QualityHigh
	case mean >= c.MediumThreshold:
		return QualityMedium
	default:
		return QualityLow
	}
}

// Controller tracks one session. It is not safe for concurrent use; record
// attempts from the goroutine that owns the session.
type Controller struct {
	cfg      Config
	attempts []Attempt
}

// NewController creates a controller. Zero config fields take defaults.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg.WithDefaults()}
}

// Config returns the effective tunables.
func (c *Controller) Config() Config {
	return c.cfg
}

// Record appends an attempt.
func (c *Controller) Record(a Attempt) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	c.attempts = append(c.attempts, a)
}

// Attempts returns a copy of the recorded attempts.
func (c *Controller) Attempts() []Attempt {
	return append([]Attempt(nil), c.attempts...)
}

// TotalTokens is the cumulative token cost so far.
func (c *Controller) TotalTokens() int {
	total := 0
	for _, a := range c.attempts {
		total += a.TokenCost
	}
	return total
}

// ShouldTerminate evaluates the rules in priority order; the first match wins.
func (c *Controller) ShouldTerminate() Decision {
	if d, ok := c.tokenCap(); ok {
		return d
	}
	if d, ok := c.threeStrikes(); ok {
		return d
	}
	if d, ok := c.decliningQuality(); ok {
		return d
	}
	return Decision{}
}

func (c *Controller) tokenCap() (Decision, bool) {
	total := c.TotalTokens()
	if total <= c.cfg.TokenCap {
		return Decision{}, false
	}
	for _, a := range c.attempts {
		if a.ResultsFound > 0 {
			return Decision{}, false
		}
	}
	return Decision{
		Stop:    true,
		Reason:  ReasonTokenCap,
		Message: fmt.Sprintf("spent %d tokens (cap %d) without finding anything", total, c.cfg.TokenCap),
	}, true
}

func (c *Controller) threeStrikes() (Decision, bool) {
	n := c.cfg.StrikeCount
	if len(c.attempts) < n {
		return Decision{}, false
	}
	for _, a := range c.attempts[len(c.attempts)-n:] {
		if a.Quality != QualityNone {
			return Decision{}, false
		}
	}
	return Decision{
		Stop:    true,
		Reason:  ReasonThreeStrikes,
		Message: fmt.Sprintf("the last %d searches returned nothing useful", n),
	}, true
}

func (c *Controller) decliningQuality() (Decision, bool) {
	n := c.cfg.TrendWindow
	if len(c.attempts) < n {
		return Decision{}, false
	}
	window := c.attempts[len(c.attempts)-n:]
	for i := 1; i < len(window); i++ {
		if window[i].Quality > window[i-1].Quality {
			return Decision{}, false
		}
	}
	return Decision{
		Stop:    true,
		Reason:  ReasonDecliningQuality,
		Message: fmt.Sprintf("result quality has not improved over the last %d searches", n),
	}, true
}

// NegativeNarrative renders the graceful "nothing found" answer for query.
// It is a normal result, not an error.
func (c *Controller) NegativeNarrative(query string, decision Decision) string {
	var b strings.Builder
	b.WriteString("## No relevant context found\n\n")

	if query != "" {
		fmt.Fprintf(&b, "Searched for %q", query)
	} else {
		b.WriteString("Searched recent activity")
	}
	fmt.Fprintf(&b, " in %d attempt%s", len(c.attempts), plural(len(c.attempts)))
	if adapters := c.adaptersTried(); len(adapters) > 0 {
		fmt.Fprintf(&b, " across: %s", strings.Join(adapters, ", "))
	}
	b.WriteString(".\n")

	if decision.Stop && decision.Message != "" {
		fmt.Fprintf(&b, "Stopped early (%s): %s.\n", decision.Reason, decision.Message)
	}

	b.WriteString("\nTry different search terms, a longer lookback window, or drop the project filter.\n")
	return b.String()
}

func (c *Controller) adaptersTried() []string {
	var out []string
	seen := make(map[string]bool)
	for _, a := range c.attempts {
		if a.Adapter == "" || seen[a.Adapter] {
			continue
		}
		seen[a.Adapter] = true
		out = append(out, a.Adapter)
	}
	return out
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// EstimateTokens approximates the token cost of texts at four characters per
// token.
func EstimateTokens(texts ...string) int {
	chars := 0
	for _, t := range texts {
		chars += len(t)
	}
	return (chars + 3) / 4
}

package budget

import (
	"encoding/json"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldTerminate_ThreeStrikesExactlyOnThird(t *testing.T) {
	c := NewController(DefaultConfig())

	c.Record(Attempt{Adapter: "vector", Quality: QualityNone})
	assert.False(t, c.ShouldTerminate().Stop)

	c.Record(Attempt{Adapter: "recent", Quality: QualityNone})
	assert.False(t, c.ShouldTerminate().Stop)

	c.Record(Attempt{Adapter: "context", Quality: QualityNone})
	d := c.ShouldTerminate()
	assert.True(t, d.Stop)
	assert.Equal(t, ReasonThreeStrikes, d.Reason)
	assert.NotEmpty(t, d.Message)
}

func TestShouldTerminate_StrikesResetBySuccess(t *testing.T) {
	c := NewController(DefaultConfig())
	c.Record(Attempt{Quality: QualityNone})
	c.Record(Attempt{Quality: QualityNone})
	c.Record(Attempt{Quality: QualityLow, ResultsFound: 1})
	c.Record(Attempt{Quality: QualityMedium, ResultsFound: 3})

	assert.False(t, c.ShouldTerminate().Stop)
}

func TestShouldTerminate_TokenCapTakesPriority(t *testing.T) {
	c := NewController(DefaultConfig())
	c.Record(Attempt{Quality: QualityNone, TokenCost: 6000})
	c.Record(Attempt{Quality: QualityNone, TokenCost: 6000})
	c.Record(Attempt{Quality: QualityNone, TokenCost: 6000})

	d := c.ShouldTerminate()
	assert.True(t, d.Stop)
	assert.Equal(t, ReasonTokenCap, d.Reason)
}

func TestShouldTerminate_TokenCapNeedsZeroResults(t *testing.T) {
	c := NewController(DefaultConfig())
	c.Record(Attempt{Quality: QualityHigh, ResultsFound: 2, TokenCost: 20000})

	assert.False(t, c.ShouldTerminate().Stop)
}

func TestShouldTerminate_TokenCapIsStrictlyGreater(t *testing.T) {
	c := NewController(DefaultConfig())
	c.Record(Attempt{Quality: QualityNone, TokenCost: 15000})
	assert.False(t, c.ShouldTerminate().Stop)

	c.Record(Attempt{Quality: QualityNone, TokenCost: 1})
	assert.Equal(t, ReasonTokenCap, c.ShouldTerminate().Reason)
}

func TestShouldTerminate_DecliningQuality(t *testing.T) {
	c := NewController(DefaultConfig())
	c.Record(Attempt{Quality: QualityHigh, ResultsFound: 5})
	c.Record(Attempt{Quality: QualityMedium, ResultsFound: 3})
	assert.False(t, c.ShouldTerminate().Stop, "needs a full window")

	c.Record(Attempt{Quality: QualityMedium, ResultsFound: 2})
	d := c.ShouldTerminate()
	assert.True(t, d.Stop)
	assert.Equal(t, ReasonDecliningQuality, d.Reason)
}

func TestShouldTerminate_ImprovingQualityContinues(t *testing.T) {
	c := NewController(DefaultConfig())
	c.Record(Attempt{Quality: QualityLow, ResultsFound: 1})
	c.Record(Attempt{Quality: QualityLow, ResultsFound: 1})
	c.Record(Attempt{Quality: QualityHigh, ResultsFound: 4})

	assert.False(t, c.ShouldTerminate().Stop)
}

func TestScoreResultQuality(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name   string
		count  int
		scores []float64
		want   Quality
	}{
		{"empty", 0, nil, QualityNone},
		{"high mean", 2, []float64{0.6, 0.5}, QualityHigh},
		{"boundary high", 1, []float64{0.5}, QualityHigh},
		{"medium mean", 2, []float64{0.3, 0.35}, QualityMedium},
		{"low mean", 3, []float64{0.1, 0.2, 0.1}, QualityLow},
		{"partial scores", 4, []float64{0.9}, QualityHigh},
		{"unscored many", 6, nil, QualityMedium},
		{"unscored few", 5, nil, QualityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.ScoreResultQuality(tt.count, tt.scores))
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{TokenCap: 100}.WithDefaults()
	assert.Equal(t, 100, cfg.TokenCap)
	assert.Equal(t, 3, cfg.StrikeCount)
	assert.Equal(t, 0.5, cfg.HighThreshold)
}

func TestNegativeNarrative(t *testing.T) {
	c := NewController(DefaultConfig())
	c.Record(Attempt{Adapter: "vector", Quality: QualityNone})
	c.Record(Attempt{Adapter: "recent", Quality: QualityNone})
	c.Record(Attempt{Adapter: "vector", Quality: QualityNone})

	d := c.ShouldTerminate()
	out := c.NegativeNarrative("quantum widgets", d)

	assert.Contains(t, out, `"quantum widgets"`)
	assert.Contains(t, out, "3 attempts")
	assert.Contains(t, out, "vector, recent")
	assert.Contains(t, out, "three_strikes")
	assert.Contains(t, out, "lookback")
}

func TestQualityJSON(t *testing.T) {
	data, err := json.Marshal(Attempt{Adapter: "vector", Quality: QualityMedium})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"quality":"medium"`)

	var back Attempt
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, QualityMedium, back.Quality)

	var q Quality
	err = q.UnmarshalText([]byte("great"))
	require.Error(t, err)
	assert.Equal(t, "great", goerr.Values(err)["quality"])
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens())
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcd", "e"))
}

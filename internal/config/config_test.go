package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SIGNAL_NUMBER", "+490000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ChannelSignal, cfg.Channel)
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, cfg.Model, cfg.BackgroundModel, "background model falls back to the chat model")
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, DefaultLearnSearchBudget, cfg.LearnSearchBudget)
	assert.Equal(t, DefaultTickInterval, cfg.TickInterval)
	assert.Equal(t, DefaultInterestHalfLife, cfg.InterestHalfLife)
	assert.Equal(t, DefaultIgnorePenalty, cfg.IgnorePenalty)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SIGNAL_NUMBER", "+490000")
	t.Setenv("PENNY_MODEL", "llama3:70b")
	t.Setenv("PENNY_BACKGROUND_MODEL", "qwen3:8b")
	t.Setenv("PENNY_LEARN_SEARCH_BUDGET", "9")
	t.Setenv("PENNY_TICK_INTERVAL", "250ms")
	t.Setenv("PENNY_FACT_DEDUP_THRESHOLD", "0.9")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "llama3:70b", cfg.Model)
	assert.Equal(t, "qwen3:8b", cfg.BackgroundModel)
	assert.Equal(t, 9, cfg.LearnSearchBudget)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 0.9, cfg.FactDedupThreshold)
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("SIGNAL_NUMBER", "+490000")
	t.Setenv("PENNY_MAX_TOOL_STEPS", "lots")
	t.Setenv("PENNY_TOOL_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxToolSteps, cfg.MaxToolSteps)
	assert.Equal(t, DefaultToolTimeout, cfg.ToolTimeout)
}

func TestLoadChannelValidation(t *testing.T) {
	t.Setenv("SIGNAL_NUMBER", "")
	_, err := Load()
	assert.ErrorContains(t, err, "SIGNAL_NUMBER")

	t.Setenv("PENNY_CHANNEL", "Discord")
	t.Setenv("DISCORD_TOKEN", "tok")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ChannelDiscord, cfg.Channel, "channel name is case-insensitive")

	t.Setenv("DISCORD_TOKEN", "")
	_, err = Load()
	assert.ErrorContains(t, err, "DISCORD_TOKEN")

	t.Setenv("PENNY_CHANNEL", "carrier-pigeon")
	_, err = Load()
	assert.ErrorContains(t, err, "unknown channel")
}

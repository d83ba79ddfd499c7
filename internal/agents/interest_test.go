package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"penny/internal/store"
)

func TestValenceSign(t *testing.T) {
	assert.Equal(t, 1.0, valenceSign(store.ValencePositive))
	assert.Equal(t, -1.0, valenceSign(store.ValenceNegative))
	assert.Equal(t, 0.5, valenceSign(store.ValenceNeutral))
}

func TestInterestScoreDecaysByHalfLife(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	halfLife := 7 * 24 * time.Hour

	fresh := []store.Engagement{{Strength: 0.6, Valence: store.ValencePositive, CreatedAt: now}}
	assert.InDelta(t, 0.6, interestScore(fresh, now, halfLife), 1e-9)

	aged := []store.Engagement{{Strength: 0.6, Valence: store.ValencePositive, CreatedAt: now.Add(-halfLife)}}
	assert.InDelta(t, 0.3, interestScore(aged, now, halfLife), 1e-9)
}

func TestInterestScoreClampsAtZero(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	engagements := []store.Engagement{
		{Strength: 0.3, Valence: store.ValencePositive, CreatedAt: now},
		{Strength: 0.9, Valence: store.ValenceNegative, CreatedAt: now},
	}
	assert.Zero(t, interestScore(engagements, now, time.Hour))
}

func TestInterestScoreFutureEngagementNotAmplified(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	engagements := []store.Engagement{
		{Strength: 0.5, Valence: store.ValencePositive, CreatedAt: now.Add(time.Minute)},
	}
	assert.InDelta(t, 0.5, interestScore(engagements, now, time.Hour), 1e-9)
}

func TestEnrichmentPriorityFavorsSparseEntities(t *testing.T) {
	// Interest 1.0 with 4 facts beats interest 0.5 with 1 fact: the
	// well-known entity is penalized less than its interest advantage.
	a := enrichmentPriority(1.0, 4)
	b := enrichmentPriority(0.5, 1)
	assert.InDelta(t, 0.3869, a, 1e-4)
	assert.InDelta(t, 0.3155, b, 1e-4)
	assert.Greater(t, a, b)
}

func TestEnrichmentPriorityZeroFacts(t *testing.T) {
	assert.InDelta(t, 1.0, enrichmentPriority(1.0, 0), 1e-9)
}

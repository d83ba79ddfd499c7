// Package agents holds Penny's foreground message handler and the
// background workers the scheduler drives: extraction, enrichment,
// event polling, notification, and research.
package agents

import (
	"math"
	"time"

	"penny/internal/store"
)

// Engagement strengths by type. Emoji reactions to proactive messages
// weigh more than reactions to ordinary replies.
const (
	strengthUserSearch        = 0.6
	strengthMessageMention    = 0.3
	strengthEmojiReaction     = 0.5
	strengthProactiveReaction = 0.8
	strengthExplicitStatement = 0.9
)

func valenceSign(v string) float64 {
	switch v {
	case store.ValencePositive:
		return 1
	case store.ValenceNegative:
		return -1
	default:
		return 0.5
	}
}

// interestScore is the time-decayed engagement score for one entity:
// each engagement contributes strength, signed by valence, halved
// every halfLife.
func interestScore(engagements []store.Engagement, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		halfLife = 7 * 24 * time.Hour
	}
	var score float64
	for _, e := range engagements {
		age := now.Sub(e.CreatedAt)
		if age < 0 {
			age = 0
		}
		decay := math.Pow(0.5, age.Seconds()/halfLife.Seconds())
		score += e.Strength * valenceSign(e.Valence) * decay
	}
	if score < 0 {
		return 0
	}
	return score
}

// enrichmentPriority favors high interest and sparse knowledge:
// interest / log2(factCount + 2).
func enrichmentPriority(interest float64, factCount int) float64 {
	return interest / math.Log2(float64(factCount)+2)
}

package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"penny/internal/channel"
	"penny/internal/llm"
	"penny/internal/store"
	"penny/internal/tools"
)

func newEnrichmentAgent(st *store.Store, mock *llm.MockClient, searcher tools.Searcher) *EnrichmentAgent {
	extract := newExtractionAgent(st, mock, channel.NewRecordingChannel(), "")
	return NewEnrichmentAgent(st, mock, searcher, extract, EnrichmentConfig{
		Model:             "test-model",
		Interval:          time.Hour,
		Cooldown:          24 * time.Hour,
		BriefingFactCount: 5,
		MinInterest:       0.1,
		InterestHalfLife:  7 * 24 * time.Hour,
	})
}

// seedScoredEntity creates an entity with one engagement and n notified
// facts, so it is enrichable.
func seedScoredEntity(t *testing.T, st *store.Store, name string, strength float64, factCount int) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := st.CreateEntity(ctx, store.Entity{User: "alice", Name: name})
	require.NoError(t, err)
	_, err = st.CreateEngagement(ctx, store.Engagement{
		User: "alice", EntityID: &id, Type: store.EngagementExplicitStatement,
		Valence: store.ValencePositive, Strength: strength,
	})
	require.NoError(t, err)
	var facts []store.Fact
	for i := 0; i < factCount; i++ {
		facts = append(facts, store.Fact{EntityID: id, Content: name + " fact " + string(rune('a'+i))})
	}
	if len(facts) > 0 {
		require.NoError(t, st.InsertFactsAndRefreshEntity(ctx, id, facts, nil))
		stored, err := st.FactsForEntity(ctx, id)
		require.NoError(t, err)
		var ids []int64
		for _, f := range stored {
			ids = append(ids, f.ID)
		}
		require.NoError(t, st.MarkFactsNotified(ctx, ids, time.Now().UTC()))
	}
	return id
}

func TestSelectEntityBalancesInterestAndKnowledge(t *testing.T) {
	st := newTestStore(t)

	// A: strong interest, four facts. B: half the interest, one fact.
	// A's interest advantage outweighs its knowledge penalty.
	aID := seedScoredEntity(t, st, "entity a", 1.0, 4)
	seedScoredEntity(t, st, "entity b", 0.5, 1)

	agent := newEnrichmentAgent(st, llm.NewMockClient(), &fakeSearcher{})
	best, err := agent.selectEntity(context.Background())
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, aID, best.entity.ID)
	assert.Greater(t, best.priority, 0.35)
}

func TestSelectEntitySkipsLowInterestAndPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Below the interest floor.
	seedScoredEntity(t, st, "barely mentioned", 0.05, 0)

	// Interesting, but its last facts were never surfaced.
	pendingID := seedScoredEntity(t, st, "pending entity", 0.9, 0)
	require.NoError(t, st.InsertFactsAndRefreshEntity(ctx, pendingID, []store.Fact{
		{EntityID: pendingID, Content: "unseen fact"},
	}, nil))

	agent := newEnrichmentAgent(st, llm.NewMockClient(), &fakeSearcher{})
	best, err := agent.selectEntity(ctx)
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestSelectEntityHonorsCooldown(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id := seedScoredEntity(t, st, "fresh topic", 0.8, 1)
	require.NoError(t, st.SetEntityEnriched(ctx, id, time.Now().UTC()))

	agent := newEnrichmentAgent(st, llm.NewMockClient(), &fakeSearcher{})
	best, err := agent.selectEntity(ctx)
	require.NoError(t, err)
	assert.Nil(t, best, "enriched within the cooldown window")
}

func TestEnrichStoresFactsAndMarksEntity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id := seedScoredEntity(t, st, "modular synths", 0.8, 1)

	mock := llm.NewMockClient()
	mock.EnqueueText(`{"facts":["A new format war is brewing between eurorack and 5u"]}`)
	searcher := &fakeSearcher{response: "Long article about modular synthesizers."}
	agent := newEnrichmentAgent(st, mock, searcher)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	require.Len(t, searcher.queries, 1)
	assert.Contains(t, searcher.queries[0], "modular synths")
	assert.Contains(t, searcher.queries[0], "I already know", "sparse entities get the novelty query")

	entity, err := st.EntityByID(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, entity.LastEnrichedAt)

	fresh, err := st.UnnotifiedFactsForEntity(ctx, id)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.NotNil(t, fresh[0].SourceSearchLogID)

	// The inline-consumed search log never reaches the extraction pass.
	logs, err := st.UnextractedSearchLogs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)

	// The rate gate holds until the interval passes.
	did, err = agent.Execute(ctx)
	require.NoError(t, err)
	assert.False(t, did)
	assert.Len(t, searcher.queries, 1)
}

func TestEnrichBriefingQuery(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedScoredEntity(t, st, "well known topic", 0.9, 6)

	mock := llm.NewMockClient()
	mock.EnqueueText(`{"facts":[]}`)
	searcher := &fakeSearcher{response: "news"}
	agent := newEnrichmentAgent(st, mock, searcher)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	require.Len(t, searcher.queries, 1)
	assert.Contains(t, searcher.queries[0], "recent developments")
}

func TestEnrichmentServicesLearnPromptFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	promptID, err := st.CreateLearnPrompt(ctx, "alice", "vintage drum machines", 2)
	require.NoError(t, err)
	seedScoredEntity(t, st, "some entity", 0.9, 1)

	mock := llm.NewMockClient()
	mock.EnqueueText(`{"query":"tr-808 history and influence"}`)
	searcher := &fakeSearcher{response: "The 808 shaped decades of music."}
	agent := newEnrichmentAgent(st, mock, searcher)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, []string{"tr-808 history and influence"}, searcher.queries,
		"the learn prompt preempts entity enrichment")

	prompt, err := st.LearnPromptByID(ctx, promptID)
	require.NoError(t, err)
	assert.Equal(t, 1, prompt.SearchesRemaining)

	logs, err := st.SearchLogsForLearnPrompt(ctx, promptID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.TriggerLearnCommand, logs[0].Trigger)
	assert.False(t, logs[0].Extracted, "learn logs are mined by the extraction pass")
}

func TestEnrichmentWithoutSearcher(t *testing.T) {
	st := newTestStore(t)
	seedScoredEntity(t, st, "anything", 0.9, 1)

	agent := newEnrichmentAgent(st, llm.NewMockClient(), nil)

	did, err := agent.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, did)
}

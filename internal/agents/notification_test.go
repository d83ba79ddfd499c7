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
)

func newNotificationAgent(st *store.Store, mock *llm.MockClient, ch *channel.RecordingChannel) *NotificationAgent {
	return NewNotificationAgent(st, mock, ch, nil, NotificationConfig{
		Model:            "test-model",
		InitialBackoff:   time.Hour,
		MaxBackoff:       24 * time.Hour,
		CooldownCycles:   3,
		MinContentLength: 20,
		IgnorePenalty:    0.5,
		InterestHalfLife: 7 * 24 * time.Hour,
	})
}

// seedHotEntity creates an entity with heat and one un-notified fact.
func seedHotEntity(t *testing.T, st *store.Store, user, name string, heat float64) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := st.CreateEntity(ctx, store.Entity{User: user, Name: name})
	require.NoError(t, err)
	require.NoError(t, st.AddEntityHeat(ctx, id, heat))
	require.NoError(t, st.InsertFactsAndRefreshEntity(ctx, id, []store.Fact{
		{EntityID: id, Content: "something new about " + name},
	}, nil))
	return id
}

func TestLearnCompletionAnnouncement(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	promptID, err := st.CreateLearnPrompt(ctx, "alice", "vintage synthesizers", 1)
	require.NoError(t, err)
	logID, err := st.CreateSearchLog(ctx, store.SearchLog{
		User: "alice", Query: "vintage synthesizers", Response: "...",
		Trigger: store.TriggerLearnCommand, LearnPromptID: &promptID, Extracted: true,
	})
	require.NoError(t, err)
	_, err = st.DecrementLearnSearches(ctx, promptID)
	require.NoError(t, err)

	entityID, err := st.CreateEntity(ctx, store.Entity{User: "alice", Name: "minimoog"})
	require.NoError(t, err)
	require.NoError(t, st.InsertFactsAndRefreshEntity(ctx, entityID, []store.Fact{
		{EntityID: entityID, Content: "reissued in 2022", SourceSearchLogID: &logID},
	}, nil))

	ch := channel.NewRecordingChannel()
	agent := newNotificationAgent(st, llm.NewMockClient(), ch)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "vintage synthesizers")
	assert.Contains(t, sent[0].Text, "minimoog")
	assert.Contains(t, sent[0].Text, "reissued in 2022")

	// Announced once; the facts are consumed.
	pending, err := st.UnannouncedCompletedLearnPrompts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	facts, err := st.UnnotifiedFactsForEntity(ctx, entityID)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestLearnCompletionWaitsForExtraction(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	promptID, err := st.CreateLearnPrompt(ctx, "alice", "tube amplifiers", 1)
	require.NoError(t, err)
	_, err = st.CreateSearchLog(ctx, store.SearchLog{
		User: "alice", Query: "tube amplifiers", Response: "...",
		Trigger: store.TriggerLearnCommand, LearnPromptID: &promptID,
	})
	require.NoError(t, err)
	_, err = st.DecrementLearnSearches(ctx, promptID)
	require.NoError(t, err)

	ch := channel.NewRecordingChannel()
	agent := newNotificationAgent(st, llm.NewMockClient(), ch)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.False(t, did, "announcement waits until every search log is mined")
	assert.Empty(t, ch.Sent())
}

func TestEventDigest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	promptID, err := st.CreateFollowPrompt(ctx, store.FollowPrompt{
		User: "alice", Topic: "space launches", QueryTerms: []string{"rocket"},
		CronExpr: "0 9 * * *", Timezone: "UTC",
	})
	require.NoError(t, err)
	require.NoError(t, st.CreateEvents(ctx, []store.Event{{
		User: "alice", Headline: "Rocket reaches orbit",
		Summary: "Third flight this month.", SourceURL: "https://example.com/1",
		ExternalID: "https://example.com/1", FollowPromptID: promptID,
		OccurredAt: time.Now().UTC(),
	}}))

	ch := channel.NewRecordingChannel()
	agent := newNotificationAgent(st, llm.NewMockClient(), ch)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "space launches")
	assert.Contains(t, sent[0].Text, "Rocket reaches orbit")
	assert.Contains(t, sent[0].Text, "https://example.com/1")

	events, err := st.UnnotifiedEventsForPrompt(ctx, promptID)
	require.NoError(t, err)
	assert.Empty(t, events)
	prompt, err := st.FollowPromptByID(ctx, promptID)
	require.NoError(t, err)
	assert.NotNil(t, prompt.LastNotifiedAt)
}

func TestDiscoveryNotification(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entityID := seedHotEntity(t, st, "alice", "kef ls50 meta", 0.8)

	mock := llm.NewMockClient()
	mock.EnqueueText("They quietly announced a wireless version of that speaker you like!")
	ch := channel.NewRecordingChannel()
	agent := newNotificationAgent(st, mock, ch)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "wireless version")

	// Facts consumed, cooldown armed.
	facts, err := st.UnnotifiedFactsForEntity(ctx, entityID)
	require.NoError(t, err)
	assert.Empty(t, facts)
	entity, err := st.EntityByID(ctx, entityID)
	require.NoError(t, err)
	assert.Equal(t, 3, entity.HeatCooldown)

	// Next cycle: nothing to say and the user has not replied, so the
	// backoff suppresses any further discovery.
	seedHotEntity(t, st, "alice", "another topic", 0.9)
	mock.EnqueueText("Another perfectly long notification text for the test")
	did, err = agent.Execute(ctx)
	require.NoError(t, err)
	assert.False(t, did)
	assert.Len(t, ch.Sent(), 1)
}

func TestDiscoveryDropsShortComposition(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entityID := seedHotEntity(t, st, "alice", "topic", 0.5)

	mock := llm.NewMockClient()
	mock.EnqueueText("meh")
	ch := channel.NewRecordingChannel()
	agent := newNotificationAgent(st, mock, ch)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.False(t, did)
	assert.Empty(t, ch.Sent())

	// The facts stay available for a later attempt.
	facts, err := st.UnnotifiedFactsForEntity(ctx, entityID)
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestDiscoverySkipsCooledDownEntities(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	hotID := seedHotEntity(t, st, "alice", "hot but cooling", 0.9)
	require.NoError(t, st.SetEntityNotified(ctx, hotID, time.Now().UTC(), 2))
	// Re-add a fact so only the cooldown stands in the way.
	require.NoError(t, st.InsertFactsAndRefreshEntity(ctx, hotID, []store.Fact{
		{EntityID: hotID, Content: "an even newer development"},
	}, nil))
	coolID := seedHotEntity(t, st, "alice", "second choice", 0.3)

	mock := llm.NewMockClient()
	mock.EnqueueText("Some news about the second choice entity came in today")
	ch := channel.NewRecordingChannel()
	agent := newNotificationAgent(st, mock, ch)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	facts, err := st.UnnotifiedFactsForEntity(ctx, coolID)
	require.NoError(t, err)
	assert.Empty(t, facts, "the off-cooldown entity was chosen")
}

func TestIgnoredNotificationReducesHeat(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entityID := seedHotEntity(t, st, "alice", "topic", 0.8)

	mock := llm.NewMockClient()
	mock.EnqueueText("A long enough discovery notification about the topic")
	ch := channel.NewRecordingChannel()
	agent := newNotificationAgent(st, mock, ch)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	require.True(t, did)

	// No engagement follows. The next cycle halves the heat.
	_, err = agent.Execute(ctx)
	require.NoError(t, err)

	entity, err := st.EntityByID(ctx, entityID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, entity.Heat, 1e-9)
}

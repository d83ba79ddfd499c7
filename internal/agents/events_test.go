package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"penny/internal/llm"
	"penny/internal/news"
	"penny/internal/store"
)

// fakeNews serves scripted articles and records search terms.
type fakeNews struct {
	articles    []news.Article
	err         error
	searches    [][]string
	rateLimited bool
}

func (f *fakeNews) Search(_ context.Context, terms []string, _ time.Time) ([]news.Article, error) {
	f.searches = append(f.searches, terms)
	return f.articles, f.err
}

func (f *fakeNews) ConsumeRateLimitNotice() bool {
	limited := f.rateLimited
	f.rateLimited = false
	return limited
}

func newEventAgent(st *store.Store, mock *llm.MockClient, nc news.Client) *EventAgent {
	return NewEventAgent(st, mock, nc, EventConfig{
		Model:           "test-model",
		DedupWindowDays: 7,
		TCRThreshold:    0.8,
		MaxPerPoll:      5,
	})
}

func createFollowPrompt(t *testing.T, st *store.Store, topic string) int64 {
	t.Helper()
	id, err := st.CreateFollowPrompt(context.Background(), store.FollowPrompt{
		User: "alice", Topic: topic, QueryTerms: []string{topic},
		CronExpr: "0 9 * * *", Timezone: "UTC",
	})
	require.NoError(t, err)
	return id
}

func TestEventPollSkipsDuplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	promptID := createFollowPrompt(t, st, "space launches")
	seenURL := "https://example.com/launch-123"
	require.NoError(t, st.CreateEvents(ctx, []store.Event{{
		User: "alice", Headline: "Rocket reaches orbit", SourceURL: seenURL,
		ExternalID: seenURL, FollowPromptID: promptID, OccurredAt: time.Now().UTC(),
	}}))
	pending, err := st.UnnotifiedEventsForPrompt(ctx, promptID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, st.MarkEventsNotified(ctx, []int64{pending[0].ID}, time.Now().UTC()))

	nc := &fakeNews{articles: []news.Article{
		{Title: "Rocket reaches orbit", URL: seenURL, PublishedAt: time.Now().UTC()},
		{Title: "Crew capsule docks with station", URL: "https://example.com/dock", PublishedAt: time.Now().UTC()},
		{Title: "New launch pad opens in Texas", URL: "https://example.com/pad", PublishedAt: time.Now().UTC()},
	}}
	agent := newEventAgent(st, llm.NewMockClient(), nc)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	events, err := st.RecentEvents(ctx, "alice", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 3, "one duplicate dropped, two new events stored")

	prompt, err := st.FollowPromptByID(ctx, promptID)
	require.NoError(t, err)
	assert.NotNil(t, prompt.LastPolledAt)
}

func TestEventPollWaitsForCron(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	promptID := createFollowPrompt(t, st, "chess news")
	require.NoError(t, st.SetFollowPromptPolled(ctx, promptID, time.Now().UTC()))

	nc := &fakeNews{}
	agent := newEventAgent(st, llm.NewMockClient(), nc)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.False(t, did)
	assert.Empty(t, nc.searches, "not due until the next cron firing")
}

func TestEventPollSkipsPromptsWithPendingEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	promptID := createFollowPrompt(t, st, "chess news")
	require.NoError(t, st.CreateEvents(ctx, []store.Event{{
		User: "alice", Headline: "Candidates tournament begins",
		SourceURL: "https://example.com/c", ExternalID: "https://example.com/c",
		FollowPromptID: promptID, OccurredAt: time.Now().UTC(),
	}}))

	nc := &fakeNews{}
	agent := newEventAgent(st, llm.NewMockClient(), nc)

	did, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.False(t, did)
	assert.Empty(t, nc.searches, "no poll while events await notification")
}

func TestEventPollWithoutNewsClient(t *testing.T) {
	st := newTestStore(t)
	createFollowPrompt(t, st, "anything")
	agent := newEventAgent(st, llm.NewMockClient(), nil)

	did, err := agent.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, did)
}

func TestNormalizeHeadline(t *testing.T) {
	assert.Equal(t, "rocket reaches orbit", normalizeHeadline("Rocket Reaches Orbit!"))
	assert.Equal(t, "cafe life", normalizeHeadline("Café   life…"))
	assert.Equal(t, "q3 results up 12", normalizeHeadline("Q3 results: up 12%"))
}

func TestContainmentRatio(t *testing.T) {
	a := tokenSet("rocket reaches orbit today")
	b := tokenSet("rocket reaches orbit")
	assert.InDelta(t, 1.0, containmentRatio(a, b), 1e-9, "subset headline is fully contained")

	c := tokenSet("chess tournament results")
	assert.InDelta(t, 0.0, containmentRatio(a, c), 1e-9)
	assert.Zero(t, containmentRatio(a, tokenSet("")))
}

func TestIsDuplicateByHeadlineVariant(t *testing.T) {
	agent := newEventAgent(newTestStore(t), llm.NewMockClient(), &fakeNews{})
	recent := []store.Event{{
		Headline: "Rocket Reaches Orbit", ExternalID: "https://a.example/1",
	}}

	dup := scoredArticle{article: news.Article{Title: "rocket reaches ORBIT!!", URL: "https://b.example/2"}}
	assert.True(t, agent.isDuplicate(dup, recent))

	fresh := scoredArticle{article: news.Article{Title: "Station crew returns home", URL: "https://b.example/3"}}
	assert.False(t, agent.isDuplicate(fresh, recent))
}

func TestCronDueRespectsTimezone(t *testing.T) {
	agent := newEventAgent(newTestStore(t), llm.NewMockClient(), &fakeNews{})
	// Polled yesterday 10:00 Berlin; cron fires 09:00 daily.
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	polled := time.Date(2026, 8, 25, 10, 0, 0, 0, berlin)
	prompt := &store.FollowPrompt{CronExpr: "0 9 * * *", Timezone: "Europe/Berlin", LastPolledAt: &polled}

	agent.now = func() time.Time { return time.Date(2026, 8, 26, 8, 0, 0, 0, berlin) }
	due, err := agent.cronDue(prompt)
	require.NoError(t, err)
	assert.False(t, due)

	agent.now = func() time.Time { return time.Date(2026, 8, 26, 9, 30, 0, 0, berlin) }
	due, err = agent.cronDue(prompt)
	require.NoError(t, err)
	assert.True(t, due)
}

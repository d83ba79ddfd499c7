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

func newMessageAgent(t *testing.T, st *store.Store, mock *llm.MockClient, ch *channel.RecordingChannel, searcher tools.Searcher) (*MessageAgent, *fakeSignals) {
	t.Helper()
	registry := tools.NewRegistry()
	if searcher != nil {
		require.NoError(t, registry.Register(tools.NewSearchTool(searcher, st)))
	}
	signals := &fakeSignals{}
	commands := NewCommandHandler(st, mock, ch, "test-model", 5, 3)
	agent := NewMessageAgent(st, mock, ch, registry, signals, commands, MessageAgentConfig{
		Model:        "test-model",
		MaxToolSteps: 5,
		ToolTimeout:  time.Second,
	})
	return agent, signals
}

func TestHandleRunsToolLoopAndReplies(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mock := llm.NewMockClient()
	mock.EnqueueToolCall("search", map[string]any{"query": "weather today"})
	mock.EnqueueText("sunny and mild")
	searcher := &fakeSearcher{response: "72F, clear skies", urls: []string{"https://example.com/wx"}}
	ch := channel.NewRecordingChannel()
	agent, signals := newMessageAgent(t, st, mock, ch, searcher)

	agent.Handle(ctx, channel.Envelope{Sender: "alice", Content: "what's the weather today?"})

	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "sunny and mild", sent[0].Text)
	assert.Equal(t, "alice", sent[0].Recipient)

	// Two model calls: one producing the tool call, one producing text.
	assert.Equal(t, 2, mock.CallCount())
	assert.Equal(t, []string{"weather today"}, searcher.queries)

	typing := ch.Typing()
	require.Len(t, typing, 2)
	assert.True(t, typing[0].On)
	assert.False(t, typing[1].On)

	assert.Equal(t, int32(1), signals.messages.Load())
	assert.Equal(t, int32(1), signals.startCount.Load())
	assert.Equal(t, int32(1), signals.endCount.Load())

	// One incoming row, one outgoing row linked to it.
	incoming, err := st.UnprocessedMessages(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	outgoing, err := st.MessageByExternalID(ctx, "alice", "ext-1")
	require.NoError(t, err)
	require.NotNil(t, outgoing)
	assert.Equal(t, "sunny and mild", outgoing.Content)
	require.NotNil(t, outgoing.ParentID)
	assert.Equal(t, incoming[0].ID, *outgoing.ParentID)

	// The search was recorded for the extraction pipeline.
	logs, err := st.UnextractedSearchLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "alice", logs[0].User)
	assert.Equal(t, "weather today", logs[0].Query)
	assert.Equal(t, store.TriggerUserMessage, logs[0].Trigger)
}

func TestHandleRoutesCommandsWithoutConversing(t *testing.T) {
	st := newTestStore(t)
	mock := llm.NewMockClient()
	ch := channel.NewRecordingChannel()
	agent, signals := newMessageAgent(t, st, mock, ch, nil)

	agent.Handle(context.Background(), channel.Envelope{Sender: "alice", Content: "/help"})

	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].IsStatus, "command replies bypass the conversation log")
	assert.Zero(t, mock.CallCount())
	assert.Empty(t, ch.Typing())
	assert.Zero(t, signals.startCount.Load(), "commands never take the foreground")
}

func TestHandleLinksReactionToOutgoingMessage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ext := "1700000000123"
	outID, err := st.CreateMessage(ctx, store.Message{
		User: "alice", Direction: store.DirectionOutgoing, Sender: "alice",
		Content: "check out this album", ExternalID: &ext,
	})
	require.NoError(t, err)

	ch := channel.NewRecordingChannel()
	agent, _ := newMessageAgent(t, st, llm.NewMockClient(), ch, nil)

	agent.Handle(ctx, channel.Envelope{
		Sender: "alice", IsReaction: true, Emoji: "👍", TargetExternalID: ext,
	})

	reactions, err := st.UnprocessedReactions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "👍", reactions[0].Content)
	require.NotNil(t, reactions[0].ParentID)
	assert.Equal(t, outID, *reactions[0].ParentID)
	assert.Empty(t, ch.Sent(), "reactions get no reply")
}

func TestHandleFallsBackWhenToolLoopExhausts(t *testing.T) {
	st := newTestStore(t)
	mock := llm.NewMockClient()
	// Every step asks for another search; the loop gives up after one.
	mock.EnqueueToolCall("search", map[string]any{"query": "first"})
	ch := channel.NewRecordingChannel()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewSearchTool(&fakeSearcher{response: "r"}, st)))
	agent := NewMessageAgent(st, mock, ch, registry, &fakeSignals{}, nil, MessageAgentConfig{
		Model:        "test-model",
		MaxToolSteps: 1,
		ToolTimeout:  time.Second,
	})

	agent.Handle(context.Background(), channel.Envelope{Sender: "alice", Content: "tell me everything"})

	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, fallbackApology, sent[0].Text)
}

func TestHandleRetriesPseudoXMLToolCalls(t *testing.T) {
	st := newTestStore(t)
	mock := llm.NewMockClient()
	mock.EnqueueText(`<tool_call>{"name":"search"}</tool_call>`)
	mock.EnqueueText("here is a straight answer")
	ch := channel.NewRecordingChannel()
	agent, _ := newMessageAgent(t, st, mock, ch, &fakeSearcher{})

	agent.Handle(context.Background(), channel.Envelope{Sender: "alice", Content: "hi there friend"})

	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "here is a straight answer", sent[0].Text)
	assert.Equal(t, 2, mock.CallCount())
}

func TestPseudoXMLRetryKeepsToolBudget(t *testing.T) {
	st := newTestStore(t)
	mock := llm.NewMockClient()
	mock.EnqueueText(`<tool_call>{"name":"search"}</tool_call>`)
	mock.EnqueueToolCall("search", map[string]any{"query": "jazz history"})
	mock.EnqueueText("here is the real answer")
	ch := channel.NewRecordingChannel()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewSearchTool(&fakeSearcher{response: "r"}, st)))
	agent := NewMessageAgent(st, mock, ch, registry, &fakeSignals{}, nil, MessageAgentConfig{
		Model:        "test-model",
		MaxToolSteps: 2,
		ToolTimeout:  time.Second,
	})

	agent.Handle(context.Background(), channel.Envelope{Sender: "alice", Content: "tell me about jazz"})

	// The pseudo call is retried in place, leaving both steps for the
	// real search and the final answer.
	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "here is the real answer", sent[0].Text)
	assert.Equal(t, 3, mock.CallCount())
}

func TestPrepareToolCallsSuppressesRepeatedSearches(t *testing.T) {
	st := newTestStore(t)
	agent, _ := newMessageAgent(t, st, llm.NewMockClient(), channel.NewRecordingChannel(), &fakeSearcher{})

	calls := []llm.ToolCall{
		{Function: llm.ToolCallFunction{Name: "search", Arguments: map[string]any{"query": "Jazz History"}}},
		{Function: llm.ToolCallFunction{Name: "search", Arguments: map[string]any{"query": "jazz history"}}},
	}
	searched := make(map[string]bool)
	env := channel.Envelope{Sender: "alice", Content: "tell me about jazz"}
	prepared := agent.prepareToolCalls(context.Background(), calls, env, searched)
	assert.Len(t, prepared, 1, "case-insensitive duplicates collapse")
}

func TestRedactQueryStripsUserName(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertUserInfo(ctx, store.UserInfo{User: "alice", Name: "Alice Smith"}))
	agent, _ := newMessageAgent(t, st, llm.NewMockClient(), channel.NewRecordingChannel(), nil)

	env := channel.Envelope{Sender: "alice", Content: "find me some hobbies"}
	assert.Equal(t, "hobbies near Berlin",
		agent.redactQuery(ctx, env, "Alice Smith hobbies near Berlin"))

	// When the user typed their own name, it stays.
	typed := channel.Envelope{Sender: "alice", Content: "search for Alice Smith online"}
	assert.Equal(t, "Alice Smith mentions",
		agent.redactQuery(ctx, typed, "Alice Smith mentions"))
}

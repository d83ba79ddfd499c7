package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"penny/internal/channel"
	"penny/internal/llm"
	"penny/internal/logging"
	"penny/internal/store"
	"penny/internal/tools"
)

const fallbackApology = "Sorry, I ran into trouble answering that. Mind trying again?"

const xmlToolRetryLimit = 3

// SchedulerSignals is the slice of the scheduler the foreground
// handler talks to.
type SchedulerSignals interface {
	NotifyMessage()
	NotifyForegroundStart()
	NotifyForegroundEnd()
}

// MessageAgentConfig carries the tunables for the foreground handler.
type MessageAgentConfig struct {
	Model             string
	VisionModel       string
	MaxToolSteps      int
	ToolTimeout       time.Duration
	ToolMaxConcurrent int
}

// MessageAgent handles incoming envelopes: logs them, runs the LLM
// tool loop, and sends the reply.
type MessageAgent struct {
	store    *store.Store
	client   llm.Client
	channel  channel.Channel
	registry *tools.Registry
	signals  SchedulerSignals
	commands *CommandHandler
	cfg      MessageAgentConfig
	logger   logging.Logger
	now      func() time.Time
}

// NewMessageAgent wires the foreground handler.
func NewMessageAgent(st *store.Store, client llm.Client, ch channel.Channel, registry *tools.Registry, signals SchedulerSignals, commands *CommandHandler, cfg MessageAgentConfig) *MessageAgent {
	if cfg.MaxToolSteps <= 0 {
		cfg.MaxToolSteps = 5
	}
	return &MessageAgent{
		store:    st,
		client:   client,
		channel:  ch,
		registry: registry,
		signals:  signals,
		commands: commands,
		cfg:      cfg,
		logger:   logging.NewComponentLogger("message-agent"),
		now:      time.Now,
	}
}

// Handle processes one inbound envelope to completion.
func (a *MessageAgent) Handle(ctx context.Context, env channel.Envelope) {
	a.signals.NotifyMessage()

	if env.IsReaction {
		a.handleReaction(ctx, env)
		return
	}

	incomingID, err := a.store.CreateMessage(ctx, store.Message{
		User:      env.Sender,
		Direction: store.DirectionIncoming,
		Sender:    env.Sender,
		Content:   env.Content,
		CreatedAt: a.envelopeTime(env),
	})
	if err != nil {
		a.logger.Error("failed to log incoming message: %v", err)
	}

	if strings.HasPrefix(strings.TrimSpace(env.Content), "/") {
		a.commands.Handle(ctx, env)
		return
	}

	a.signals.NotifyForegroundStart()
	defer a.signals.NotifyForegroundEnd()

	a.channel.SendTyping(ctx, env.Sender, true)
	defer a.channel.SendTyping(ctx, env.Sender, false)

	reply, attachments := a.converse(ctx, env)
	if reply == "" && len(attachments) == 0 {
		reply = fallbackApology
	}

	externalID, err := a.channel.SendMessage(ctx, env.Sender, reply, attachments, nil)
	if err != nil {
		a.logger.Error("failed to send reply to %s: %v", env.Sender, err)
		return
	}

	outgoing := store.Message{
		User:       env.Sender,
		Direction:  store.DirectionOutgoing,
		Sender:     env.Sender,
		Content:    reply,
		ExternalID: &externalID,
		CreatedAt:  a.now(),
	}
	if incomingID != 0 {
		outgoing.ParentID = &incomingID
	}
	if _, err := a.store.CreateMessage(ctx, outgoing); err != nil {
		a.logger.Error("failed to log outgoing message: %v", err)
	}
}

// handleReaction logs the reaction linked to the outgoing message it
// targets. The extraction pipeline mines it later.
func (a *MessageAgent) handleReaction(ctx context.Context, env channel.Envelope) {
	msg := store.Message{
		User:       env.Sender,
		Direction:  store.DirectionIncoming,
		Sender:     env.Sender,
		Content:    env.Emoji,
		IsReaction: true,
		CreatedAt:  a.envelopeTime(env),
	}
	parent, err := a.store.MessageByExternalID(ctx, env.Sender, env.TargetExternalID)
	if err != nil {
		a.logger.Debug("reaction target lookup failed: %v", err)
	}
	if parent != nil {
		msg.ParentID = &parent.ID
	} else {
		a.logger.Debug("reaction target %s not found", env.TargetExternalID)
	}
	if _, err := a.store.CreateMessage(ctx, msg); err != nil {
		a.logger.Error("failed to log reaction: %v", err)
	}
}

func (a *MessageAgent) envelopeTime(env channel.Envelope) time.Time {
	if env.Timestamp > 0 {
		return time.UnixMilli(env.Timestamp)
	}
	return a.now()
}

// converse runs the tool loop and returns the final reply text plus
// any image attachments produced along the way.
func (a *MessageAgent) converse(ctx context.Context, env channel.Envelope) (string, []string) {
	ctx = tools.WithSearchUser(ctx, env.Sender)

	model := a.cfg.Model
	if len(env.Images) > 0 && a.cfg.VisionModel != "" {
		model = a.cfg.VisionModel
	}

	messages := a.buildConversation(ctx, env)
	defs := a.registry.Definitions()

	var attachments []string
	searchedQueries := make(map[string]bool)
	xmlRetries := 0

	for step := 0; step < a.cfg.MaxToolSteps; step++ {
		resp, err := a.client.Chat(ctx, llm.ChatRequest{
			Model:    model,
			Messages: messages,
			Tools:    defs,
		})
		if err != nil {
			a.logger.Error("chat step %d failed: %v", step, err)
			return "", attachments
		}

		if !resp.HasToolCalls() {
			// Some models fake tool calls with XML tags instead of the
			// structured channel. Retry the step a few times before
			// accepting the text.
			if containsXMLToolCall(resp.Content) && xmlRetries < xmlToolRetryLimit {
				xmlRetries++
				a.logger.Warn("model emitted pseudo tool call, retrying step (%d/%d)", xmlRetries, xmlToolRetryLimit)
				step-- // retry the same step, don't spend a tool slot
				continue
			}
			return strings.TrimSpace(resp.Content), attachments
		}

		calls := a.prepareToolCalls(ctx, resp.ToolCalls, env, searchedQueries)
		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results, err := tools.ExecuteAll(ctx, a.registry, calls, a.cfg.ToolTimeout, a.cfg.ToolMaxConcurrent)
		if err != nil {
			a.logger.Debug("tool execution aborted: %v", err)
			return "", attachments
		}
		for i, result := range results {
			if result.Kind == tools.ResultImage && result.ImageBase64 != "" {
				attachments = append(attachments, result.ImageBase64)
			}
			messages = append(messages, llm.ToolMessage(calls[i].Function.Name, result.Content()))
		}
	}

	a.logger.Warn("tool loop for %s exhausted %d steps", env.Sender, a.cfg.MaxToolSteps)
	return fallbackApology, attachments
}

// prepareToolCalls applies the search privacy and repeat rules in
// place: the user's name is redacted from queries they didn't mention
// it in, and a query already searched this loop is skipped.
func (a *MessageAgent) prepareToolCalls(ctx context.Context, calls []llm.ToolCall, env channel.Envelope, searched map[string]bool) []llm.ToolCall {
	prepared := make([]llm.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.Function.Name != "search" {
			prepared = append(prepared, call)
			continue
		}
		query, _ := call.Function.Arguments["query"].(string)
		query = a.redactQuery(ctx, env, query)
		normalized := strings.ToLower(strings.TrimSpace(query))
		if searched[normalized] {
			a.logger.Debug("suppressing repeated search %q", query)
			continue
		}
		searched[normalized] = true
		call.Function.Arguments = map[string]any{"query": query}
		prepared = append(prepared, call)
	}
	return prepared
}

// redactQuery strips the user's own name from an outgoing search query
// unless they typed it themselves. Profile data must not leak to
// external search APIs unsolicited.
func (a *MessageAgent) redactQuery(ctx context.Context, env channel.Envelope, query string) string {
	info, err := a.store.GetUserInfo(ctx, env.Sender)
	if err != nil || info == nil || info.Name == "" {
		return query
	}
	if containsFold(env.Content, info.Name) {
		return query
	}
	if !containsFold(query, info.Name) {
		return query
	}
	redacted := removeFold(query, info.Name)
	a.logger.Debug("redacted user name from search query")
	return redacted
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func removeFold(s, name string) string {
	pattern := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(name))
	cleaned := pattern.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(cleaned), " ")
}

var xmlToolPattern = regexp.MustCompile(`(?s)<(tool_call|function_call|invoke|search|generate_image)[\s>]`)

func containsXMLToolCall(content string) bool {
	return xmlToolPattern.MatchString(content)
}

// buildConversation assembles the system prompt, recent context, and
// the current user message.
func (a *MessageAgent) buildConversation(ctx context.Context, env channel.Envelope) []llm.Message {
	var sb strings.Builder
	sb.WriteString("You are Penny, a warm and concise personal assistant chatting over ")
	sb.WriteString("a private messaging channel. Answer directly; use the available tools ")
	sb.WriteString("when you need current information or images. Keep replies short.")
	if info, err := a.store.GetUserInfo(ctx, env.Sender); err == nil && info != nil {
		if info.Name != "" {
			fmt.Fprintf(&sb, "\nThe user's name is %s.", info.Name)
		}
		if info.Location != "" {
			fmt.Fprintf(&sb, " They are located in %s.", info.Location)
		}
	}
	messages := []llm.Message{llm.SystemMessage(sb.String())}

	if recent, err := a.store.RecentUserMessages(ctx, env.Sender, 5); err == nil {
		// Oldest first for the prompt.
		for i := len(recent) - 1; i >= 0; i-- {
			if recent[i].Content == env.Content {
				continue
			}
			messages = append(messages, llm.UserMessage(recent[i].Content))
		}
	}

	content := env.Content
	if env.QuotedText != "" {
		content = fmt.Sprintf("[replying to: %q]\n%s", env.QuotedText, content)
	}
	userMsg := llm.UserMessage(content)
	userMsg.Images = env.Images
	return append(messages, userMsg)
}

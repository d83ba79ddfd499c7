package agents

import (
	"context"
	"fmt"
	"strings"

	"penny/internal/channel"
	"penny/internal/llm"
	"penny/internal/logging"
	"penny/internal/store"
)

// CommandHandler processes slash commands. Commands get a short
// confirmation or error line; they never enter the LLM tool loop and
// never count as engagement.
type CommandHandler struct {
	store   *store.Store
	client  llm.Client
	channel channel.Channel
	model   string

	learnBudget        int
	researchIterations int
	logger             logging.Logger
}

// NewCommandHandler wires the command handler. model is the background
// model, used only for /follow query derivation.
func NewCommandHandler(st *store.Store, client llm.Client, ch channel.Channel, model string, learnBudget, researchIterations int) *CommandHandler {
	return &CommandHandler{
		store:              st,
		client:             client,
		channel:            ch,
		model:              model,
		learnBudget:        learnBudget,
		researchIterations: researchIterations,
		logger:             logging.NewComponentLogger("commands"),
	}
}

// Handle dispatches one slash command envelope.
func (h *CommandHandler) Handle(ctx context.Context, env channel.Envelope) {
	fields := strings.Fields(strings.TrimSpace(env.Content))
	if len(fields) == 0 {
		return
	}
	command := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(env.Content), fields[0]))

	var reply string
	var err error
	switch command {
	case "/learn":
		reply, err = h.learn(ctx, env.Sender, rest)
	case "/follow":
		reply, err = h.follow(ctx, env.Sender, rest)
	case "/research":
		reply, err = h.research(ctx, env.Sender, rest)
	case "/focus":
		reply, err = h.focus(ctx, env.Sender, rest)
	case "/i-am", "/iam":
		reply, err = h.iAm(ctx, env.Sender, rest)
	case "/help":
		reply = "Commands: /learn <topic>, /follow <topic>, /research <topic>, /focus <angle>, /i-am <name>; <location>; <date of birth>"
	default:
		reply = fmt.Sprintf("Unknown command %s. Try /help.", command)
	}
	if err != nil {
		h.logger.Error("command %s failed: %v", command, err)
		reply = fmt.Sprintf("That didn't work: %v", err)
	}
	if sendErr := h.channel.SendStatus(ctx, env.Sender, reply); sendErr != nil {
		h.logger.Error("failed to send command reply: %v", sendErr)
	}
}

func (h *CommandHandler) learn(ctx context.Context, user, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("usage: /learn <what to research>")
	}
	if _, err := h.store.CreateLearnPrompt(ctx, user, prompt, h.learnBudget); err != nil {
		return "", err
	}
	return fmt.Sprintf("On it. I'll dig into %q over my next %d searches and report back.", prompt, h.learnBudget), nil
}

// followPlan is the structured output for turning a topic into a
// subscription.
type followPlan struct {
	QueryTerms []string `json:"query_terms"`
	CronExpr   string   `json:"cron_expr"`
}

func (h *CommandHandler) follow(ctx context.Context, user, topic string) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("usage: /follow <topic>")
	}

	timezone := "UTC"
	if info, err := h.store.GetUserInfo(ctx, user); err == nil && info != nil && info.Timezone != "" {
		timezone = info.Timezone
	}

	plan := followPlan{QueryTerms: []string{topic}, CronExpr: "0 9 * * *"}
	prompt := fmt.Sprintf(
		"A user wants to follow news about: %q.\n"+
			"Produce 2-4 short news search query terms and a 5-field cron expression "+
			"for how often to check (daily at 9am unless the topic implies otherwise).",
		topic)
	format := llm.Schema(map[string]any{
		"query_terms": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"cron_expr":   map[string]any{"type": "string"},
	})
	if err := llm.GenerateStructured(ctx, h.client, h.model, prompt, format, &plan); err != nil {
		h.logger.Warn("follow plan generation failed, using defaults: %v", err)
	}
	if len(plan.QueryTerms) == 0 {
		plan.QueryTerms = []string{topic}
	}
	if plan.CronExpr == "" {
		plan.CronExpr = "0 9 * * *"
	}

	_, err := h.store.CreateFollowPrompt(ctx, store.FollowPrompt{
		User:       user,
		Topic:      topic,
		QueryTerms: plan.QueryTerms,
		CronExpr:   plan.CronExpr,
		Timezone:   timezone,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Following %q. I'll let you know when something happens.", topic), nil
}

func (h *CommandHandler) research(ctx context.Context, user, focus string) (string, error) {
	if focus == "" {
		return "", fmt.Errorf("usage: /research <focus>")
	}
	_, err := h.store.CreateResearchTask(ctx, store.ResearchTask{
		User:          user,
		ThreadID:      user,
		Topic:         focus,
		MaxIterations: h.researchIterations,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Researching %q. Any particular angle? Send /focus <angle>, or I'll pick one shortly.", focus), nil
}

// focus attaches an angle to the thread's waiting research task.
func (h *CommandHandler) focus(ctx context.Context, user, angle string) (string, error) {
	if angle == "" {
		return "", fmt.Errorf("usage: /focus <angle>")
	}
	task, err := h.store.AwaitingFocusTask(ctx, user)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", fmt.Errorf("no research task is waiting for a focus")
	}
	if err := h.store.SetResearchTaskFocus(ctx, task.ID, angle); err != nil {
		return "", err
	}
	return fmt.Sprintf("Got it — focusing the research on %q.", angle), nil
}

// iAm records profile info: "/i-am Ada; Berlin; 1990-12-10". Fields
// after the name are optional.
func (h *CommandHandler) iAm(ctx context.Context, user, rest string) (string, error) {
	if rest == "" {
		return "", fmt.Errorf("usage: /i-am <name>; <location>; <date of birth>")
	}
	parts := strings.Split(rest, ";")
	info := store.UserInfo{User: user, Name: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		info.Location = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		info.DateOfBirth = strings.TrimSpace(parts[2])
	}
	if err := h.store.UpsertUserInfo(ctx, info); err != nil {
		return "", err
	}
	greeting := fmt.Sprintf("Nice to meet you, %s.", info.Name)
	if info.Location != "" {
		tz := "UTC"
		if stored, err := h.store.GetUserInfo(ctx, user); err == nil && stored != nil && stored.Timezone != "" {
			tz = stored.Timezone
		}
		greeting += fmt.Sprintf(" I'll assume you're on %s time.", tz)
	}
	return greeting, nil
}

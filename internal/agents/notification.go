package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"penny/internal/channel"
	"penny/internal/llm"
	"penny/internal/logging"
	"penny/internal/news"
	"penny/internal/store"
)

// NotificationConfig carries the notification tunables.
type NotificationConfig struct {
	Model            string
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	CooldownCycles   int
	MinContentLength int
	IgnorePenalty    float64
	InterestHalfLife time.Duration
}

// NotificationAgent emits proactive messages. Three classes in
// priority order: learn completions (bypass backoff), event digests,
// and entity fact discovery (per-user exponential backoff).
type NotificationAgent struct {
	store   *store.Store
	client  llm.Client
	channel channel.Channel
	news    news.Client
	cfg     NotificationConfig
	backoff *notificationBackoff
	logger  logging.Logger
	now     func() time.Time

	// lastDiscovery tracks what class-3 message went to whom, so the
	// next cycle can detect ignored notifications.
	lastDiscovery map[string]discoveryRecord
}

type discoveryRecord struct {
	entityID int64
	sentAt   time.Time
}

// NewNotificationAgent wires the notification agent.
func NewNotificationAgent(st *store.Store, client llm.Client, ch channel.Channel, newsClient news.Client, cfg NotificationConfig) *NotificationAgent {
	return &NotificationAgent{
		store:         st,
		client:        client,
		channel:       ch,
		news:          newsClient,
		cfg:           cfg,
		backoff:       newNotificationBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
		logger:        logging.NewComponentLogger("notification"),
		now:           time.Now,
		lastDiscovery: make(map[string]discoveryRecord),
	}
}

func (a *NotificationAgent) Name() string { return "notification" }

func (a *NotificationAgent) Execute(ctx context.Context) (bool, error) {
	a.startCycle(ctx)

	did, err := a.announceLearnCompletions(ctx)
	if err != nil || did {
		return did, err
	}
	did, err = a.sendEventDigest(ctx)
	if err != nil || did {
		return did, err
	}
	did, err = a.sendRateLimitNotice(ctx)
	if err != nil || did {
		return did, err
	}
	return a.sendDiscovery(ctx)
}

// startCycle runs the per-cycle bookkeeping: cooldown decrements and
// ignored-notification penalties.
func (a *NotificationAgent) startCycle(ctx context.Context) {
	users, err := a.store.EntityUsers(ctx)
	if err != nil {
		a.logger.Warn("failed to list users: %v", err)
		return
	}
	for _, user := range users {
		if err := a.store.DecrementHeatCooldowns(ctx, user); err != nil {
			a.logger.Warn("cooldown decrement for %s failed: %v", user, err)
		}
		record, ok := a.lastDiscovery[user]
		if !ok {
			continue
		}
		delete(a.lastDiscovery, user)
		engaged, err := a.store.EntityEngagedSince(ctx, user, record.entityID, record.sentAt)
		if err != nil {
			a.logger.Warn("engagement check for %s failed: %v", user, err)
			continue
		}
		if engaged {
			continue
		}
		entity, err := a.store.EntityByID(ctx, record.entityID)
		if err != nil || entity == nil {
			continue
		}
		penalty := -entity.Heat * a.cfg.IgnorePenalty
		if penalty == 0 {
			continue
		}
		if err := a.store.AddEntityHeat(ctx, record.entityID, penalty); err != nil {
			a.logger.Warn("ignore penalty for %s failed: %v", entity.Name, err)
		} else {
			a.logger.Debug("notification about %s was ignored, heat reduced by %.2f", entity.Name, -penalty)
		}
	}
}

// announceLearnCompletions handles class 1. Every completed, fully
// extracted learn prompt is announced; backoff does not apply.
func (a *NotificationAgent) announceLearnCompletions(ctx context.Context) (bool, error) {
	prompts, err := a.store.UnannouncedCompletedLearnPrompts(ctx)
	if err != nil {
		return false, err
	}
	announced := false
	for _, prompt := range prompts {
		if err := ctx.Err(); err != nil {
			return announced, err
		}
		extracted, err := a.store.AllSearchLogsExtracted(ctx, prompt.ID)
		if err != nil {
			return announced, err
		}
		if !extracted {
			continue
		}
		if err := a.announceLearnPrompt(ctx, prompt); err != nil {
			if ctx.Err() != nil {
				return announced, err
			}
			a.logger.Warn("learn announcement for prompt %d failed: %v", prompt.ID, err)
			continue
		}
		announced = true
	}
	return announced, nil
}

func (a *NotificationAgent) announceLearnPrompt(ctx context.Context, prompt store.LearnPrompt) error {
	logs, err := a.store.SearchLogsForLearnPrompt(ctx, prompt.ID)
	if err != nil {
		return err
	}
	logIDs := make([]int64, 0, len(logs))
	for _, log := range logs {
		logIDs = append(logIDs, log.ID)
	}
	factsByEntity, err := a.store.FactsFromSearchLogs(ctx, logIDs)
	if err != nil {
		return err
	}

	// Entities sorted by interest, most interesting first.
	type entityFacts struct {
		entity   *store.Entity
		facts    []store.Fact
		interest float64
	}
	var groups []entityFacts
	var factIDs []int64
	for entityID, facts := range factsByEntity {
		entity, err := a.store.EntityByID(ctx, entityID)
		if err != nil || entity == nil {
			continue
		}
		engagements, err := a.store.EngagementsForEntity(ctx, entityID)
		if err != nil {
			return err
		}
		groups = append(groups, entityFacts{
			entity:   entity,
			facts:    facts,
			interest: interestScore(engagements, a.now(), a.cfg.InterestHalfLife),
		})
		for _, f := range facts {
			factIDs = append(factIDs, f.ID)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].interest > groups[j].interest })

	var sb strings.Builder
	fmt.Fprintf(&sb, "Done digging into %q! Here's what I found:\n", prompt.Prompt)
	if len(groups) == 0 {
		sb.WriteString("Not much new came up, but I'll keep an eye out.")
	}
	for _, group := range groups {
		fmt.Fprintf(&sb, "\n%s:\n", group.entity.Name)
		for _, fact := range group.facts {
			fmt.Fprintf(&sb, "  • %s\n", fact.Content)
		}
	}

	if err := sendProactive(ctx, a.store, a.channel, prompt.User, strings.TrimRight(sb.String(), "\n")); err != nil {
		return err
	}
	if err := a.store.MarkLearnPromptAnnounced(ctx, prompt.ID, a.now()); err != nil {
		return err
	}
	if err := a.store.MarkFactsNotified(ctx, factIDs, a.now()); err != nil {
		return err
	}
	a.logger.Info("announced learn prompt %d to %s (%d entities)", prompt.ID, prompt.User, len(groups))
	return nil
}

// sendEventDigest handles class 2: one digest for the first follow
// prompt with un-notified events whose cron has fired.
func (a *NotificationAgent) sendEventDigest(ctx context.Context) (bool, error) {
	prompts, err := a.store.ActiveFollowPrompts(ctx)
	if err != nil {
		return false, err
	}
	for _, prompt := range prompts {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !a.digestDue(&prompt) {
			continue
		}
		events, err := a.store.UnnotifiedEventsForPrompt(ctx, prompt.ID)
		if err != nil {
			return false, err
		}
		if len(events) == 0 {
			continue
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "News on %s:\n", prompt.Topic)
		var eventIDs []int64
		for _, event := range events {
			eventIDs = append(eventIDs, event.ID)
			fmt.Fprintf(&sb, "\n• %s", event.Headline)
			if event.Summary != "" {
				fmt.Fprintf(&sb, " — %s", clip(event.Summary, 160))
			}
			fmt.Fprintf(&sb, "\n  %s", event.SourceURL)
		}

		if err := sendProactive(ctx, a.store, a.channel, prompt.User, sb.String()); err != nil {
			return false, err
		}
		if err := a.store.MarkEventsNotified(ctx, eventIDs, a.now()); err != nil {
			return false, err
		}
		if err := a.store.SetFollowPromptNotified(ctx, prompt.ID, a.now()); err != nil {
			return false, err
		}
		a.logger.Info("sent event digest for prompt %d (%d events)", prompt.ID, len(events))
		return true, nil
	}
	return false, nil
}

// digestDue gates digests on the prompt's cron relative to the last
// digest. A prompt that has never been notified is due.
func (a *NotificationAgent) digestDue(prompt *store.FollowPrompt) bool {
	if prompt.LastNotifiedAt == nil {
		return true
	}
	location, err := time.LoadLocation(prompt.Timezone)
	if err != nil {
		location = time.UTC
	}
	schedule, err := parseCron(prompt.CronExpr)
	if err != nil {
		return true
	}
	next := schedule.Next(prompt.LastNotifiedAt.In(location))
	return !a.now().In(location).Before(next)
}

// sendRateLimitNotice surfaces one note when the news API enters a
// rate-limit backoff window.
func (a *NotificationAgent) sendRateLimitNotice(ctx context.Context) (bool, error) {
	if a.news == nil || !a.news.ConsumeRateLimitNotice() {
		return false, nil
	}
	prompts, err := a.store.ActiveFollowPrompts(ctx)
	if err != nil {
		return false, err
	}
	notified := make(map[string]bool)
	sent := false
	for _, prompt := range prompts {
		if notified[prompt.User] {
			continue
		}
		notified[prompt.User] = true
		text := "Heads up: my news source is rate-limiting me, so event updates will pause for a while."
		if err := sendProactive(ctx, a.store, a.channel, prompt.User, text); err != nil {
			a.logger.Warn("rate limit notice to %s failed: %v", prompt.User, err)
			continue
		}
		sent = true
	}
	return sent, nil
}

// sendDiscovery handles class 3: one synthesis of the hottest
// entity's un-notified facts, gated by per-user backoff.
func (a *NotificationAgent) sendDiscovery(ctx context.Context) (bool, error) {
	users, err := a.store.EntityUsers(ctx)
	if err != nil {
		return false, err
	}
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		lastMessage := a.lastRealMessage(ctx, user)
		if !a.backoff.shouldSend(user, lastMessage) {
			continue
		}
		entity, facts, err := a.hottestEntityWithNews(ctx, user)
		if err != nil {
			return false, err
		}
		if entity == nil {
			continue
		}
		sent, err := a.notifyDiscovery(ctx, user, entity, facts)
		if err != nil {
			if ctx.Err() != nil {
				return false, err
			}
			a.logger.Warn("discovery notification for %s failed: %v", user, err)
			continue
		}
		if sent {
			return true, nil
		}
	}
	return false, nil
}

func (a *NotificationAgent) lastRealMessage(ctx context.Context, user string) *time.Time {
	at, err := a.store.LastRealMessageTime(ctx, user)
	if err != nil || at.IsZero() {
		return nil
	}
	return &at
}

// hottestEntityWithNews picks the user's highest-heat entity that is
// off cooldown, has heat, and has something new to say.
func (a *NotificationAgent) hottestEntityWithNews(ctx context.Context, user string) (*store.Entity, []store.Fact, error) {
	entities, err := a.store.EntitiesForUser(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Heat > entities[j].Heat })
	for _, entity := range entities {
		if entity.Heat <= 0 || entity.HeatCooldown > 0 {
			continue
		}
		facts, err := a.store.UnnotifiedFactsForEntity(ctx, entity.ID)
		if err != nil {
			return nil, nil, err
		}
		if len(facts) == 0 {
			continue
		}
		copied := entity
		return &copied, facts, nil
	}
	return nil, nil, nil
}

// notifyDiscovery composes and sends the synthesis. A composition
// below the minimum length is dropped silently (model failure).
func (a *NotificationAgent) notifyDiscovery(ctx context.Context, user string, entity *store.Entity, facts []store.Fact) (bool, error) {
	var factLines []string
	var factIDs []int64
	for _, fact := range facts {
		factLines = append(factLines, "- "+fact.Content)
		factIDs = append(factIDs, fact.ID)
	}
	prompt := fmt.Sprintf(
		"You are Penny, sharing something interesting with a friend. You recently "+
			"learned these things about %s:\n%s\n\n"+
			"Write one short, casual message telling them the most interesting part. "+
			"Synthesize — do not repeat the notes verbatim. No greeting, no sign-off.",
		entity.Name, strings.Join(factLines, "\n"))

	resp, err := a.client.Generate(ctx, prompt, llm.GenerateOptions{Model: a.cfg.Model})
	if err != nil {
		return false, err
	}
	text := strings.TrimSpace(resp.Content)
	if len(text) < a.cfg.MinContentLength {
		a.logger.Warn("composed notification for %s too short (%d chars), dropping", entity.Name, len(text))
		return false, nil
	}

	if err := sendProactive(ctx, a.store, a.channel, user, text); err != nil {
		return false, err
	}
	now := a.now()
	if err := a.store.MarkFactsNotified(ctx, factIDs, now); err != nil {
		return false, err
	}
	if err := a.store.SetEntityNotified(ctx, entity.ID, now, a.cfg.CooldownCycles); err != nil {
		return false, err
	}
	a.backoff.recordSend(user)
	a.lastDiscovery[user] = discoveryRecord{entityID: entity.ID, sentAt: now}
	a.logger.Info("sent discovery about %s to %s (%d facts)", entity.Name, user, len(factIDs))
	return true, nil
}

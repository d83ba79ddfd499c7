package agents

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"penny/internal/channel"
	"penny/internal/llm"
	"penny/internal/logging"
	"penny/internal/store"
)

// Emoji sets mapped to preference valence during reaction processing.
var (
	likeEmojis    = map[string]bool{"👍": true, "❤️": true, "❤": true, "😍": true, "🔥": true, "💯": true, "🎉": true}
	dislikeEmojis = map[string]bool{"👎": true, "💩": true, "🤮": true, "😡": true, "🙄": true}
)

// ExtractionConfig carries the extraction tunables.
type ExtractionConfig struct {
	Model              string
	EmbeddingModel     string
	Batch              int
	MinMessageLength   int
	FactDedupThreshold float64
	LinkThreshold      float64 // preference-to-entity linking
}

// ExtractionAgent turns raw search logs and user messages into
// entities, facts, and preferences. Three phases per run: search-log
// extraction, message extraction (with preferences from reactions),
// and embedding backfill.
type ExtractionAgent struct {
	store   *store.Store
	client  llm.Client
	channel channel.Channel
	cfg     ExtractionConfig
	logger  logging.Logger
	now     func() time.Time
}

// NewExtractionAgent wires the extraction pipeline.
func NewExtractionAgent(st *store.Store, client llm.Client, ch channel.Channel, cfg ExtractionConfig) *ExtractionAgent {
	if cfg.Batch <= 0 {
		cfg.Batch = 5
	}
	return &ExtractionAgent{
		store:   st,
		client:  client,
		channel: ch,
		cfg:     cfg,
		logger:  logging.NewComponentLogger("extraction"),
		now:     time.Now,
	}
}

func (a *ExtractionAgent) Name() string { return "extraction" }

func (a *ExtractionAgent) Execute(ctx context.Context) (bool, error) {
	didLogs, err := a.extractSearchLogs(ctx)
	if err != nil {
		return didLogs, err
	}
	didMessages, err := a.extractMessages(ctx)
	if err != nil {
		return didLogs || didMessages, err
	}
	didBackfill, err := a.backfillEmbeddings(ctx)
	return didLogs || didMessages || didBackfill, err
}

// identifiedEntity is one entity the model found in a text.
type identifiedEntity struct {
	Name    string `json:"name"`
	Tagline string `json:"tagline"`
}

type identificationResult struct {
	Entities []identifiedEntity `json:"entities"`
}

var identificationFormat = llm.Schema(map[string]any{
	"entities": map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":    map[string]any{"type": "string"},
				"tagline": map[string]any{"type": "string"},
			},
			"required": []string{"name"},
		},
	},
})

// identifyEntities asks the model which entities a text is about,
// giving the user's existing entity list as context.
func (a *ExtractionAgent) identifyEntities(ctx context.Context, user, text string) ([]identifiedEntity, error) {
	known, err := a.store.EntitiesForUser(ctx, user)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(known))
	for _, e := range known {
		names = append(names, e.Name)
	}

	prompt := fmt.Sprintf(
		"Identify the concrete entities (products, people, places, projects, topics) "+
			"this text is about. Reuse a known name when the text refers to the same thing. "+
			"Give each new entity a short disambiguating tagline. Return at most 3.\n\n"+
			"Known entities: %s\n\nText:\n%s",
		strings.Join(names, ", "), clip(text, 4000))

	var result identificationResult
	if err := llm.GenerateStructured(ctx, a.client, a.cfg.Model, prompt, identificationFormat, &result); err != nil {
		return nil, err
	}
	entities := result.Entities[:0]
	for _, e := range result.Entities {
		e.Name = strings.ToLower(strings.TrimSpace(e.Name))
		if e.Name != "" {
			entities = append(entities, e)
		}
	}
	return entities, nil
}

type factResult struct {
	Facts []string `json:"facts"`
}

var factFormat = llm.Schema(map[string]any{
	"facts": map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	},
})

// extractFacts asks the model for new facts about one entity,
// excluding what is already known.
func (a *ExtractionAgent) extractFacts(ctx context.Context, entity *store.Entity, text string) ([]string, error) {
	existing, err := a.store.FactsForEntity(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	knownLines := make([]string, 0, len(existing))
	for _, f := range existing {
		knownLines = append(knownLines, "- "+f.Content)
	}

	prompt := fmt.Sprintf(
		"Extract new factual statements about %q from the text below. "+
			"One short sentence per fact. Skip anything already known.\n\n"+
			"Already known:\n%s\n\nText:\n%s",
		entity.Name, strings.Join(knownLines, "\n"), clip(text, 4000))

	var result factResult
	if err := llm.GenerateStructured(ctx, a.client, a.cfg.Model, prompt, factFormat, &result); err != nil {
		return nil, err
	}
	return result.Facts, nil
}

// normalizeFact strips bullet prefixes, collapses whitespace, and
// lowercases for the string-level dedup pass.
func normalizeFact(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"- ", "* ", "• "} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.TrimRight(s, ".")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// dedupFacts runs the two-pass dedup: normalized string equality, then
// embedding similarity against existing facts. Surviving facts come
// back with embeddings attached (when an embedding model is set).
func (a *ExtractionAgent) dedupFacts(ctx context.Context, entityID int64, candidates []string) ([]store.Fact, error) {
	existing, err := a.store.FactsForEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing))
	for _, f := range existing {
		seen[normalizeFact(f.Content)] = true
	}

	var texts []string
	for _, c := range candidates {
		normalized := normalizeFact(c)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		texts = append(texts, strings.TrimSpace(c))
	}
	if len(texts) == 0 {
		return nil, nil
	}

	if a.cfg.EmbeddingModel == "" {
		facts := make([]store.Fact, 0, len(texts))
		for _, t := range texts {
			facts = append(facts, store.Fact{Content: t})
		}
		return facts, nil
	}

	vectors, err := a.client.Embed(ctx, a.cfg.EmbeddingModel, texts)
	if err != nil {
		return nil, err
	}
	var survivors []store.Fact
	for i, t := range texts {
		duplicate := false
		for _, f := range existing {
			if len(f.Embedding) == 0 {
				continue
			}
			if store.CosineSimilarity(vectors[i], f.Embedding) >= a.cfg.FactDedupThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			survivors = append(survivors, store.Fact{Content: t, Embedding: vectors[i]})
		}
	}
	return survivors, nil
}

// entityEmbedding builds the composite embedding from name, tagline,
// and all facts (existing plus incoming).
func (a *ExtractionAgent) entityEmbedding(ctx context.Context, entity *store.Entity, incoming []store.Fact) ([]float32, error) {
	if a.cfg.EmbeddingModel == "" {
		return nil, nil
	}
	parts := []string{entity.Name}
	if entity.Tagline != "" {
		parts[0] = fmt.Sprintf("%s (%s)", entity.Name, entity.Tagline)
	}
	existing, err := a.store.FactsForEntity(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	for _, f := range existing {
		parts = append(parts, f.Content)
	}
	for _, f := range incoming {
		parts = append(parts, f.Content)
	}
	vectors, err := a.client.Embed(ctx, a.cfg.EmbeddingModel, []string{strings.Join(parts, ". ")})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// getOrCreateEntity resolves an identified entity to a row.
func (a *ExtractionAgent) getOrCreateEntity(ctx context.Context, user string, ident identifiedEntity) (*store.Entity, error) {
	entity, err := a.store.EntityByName(ctx, user, ident.Name)
	if err != nil {
		return nil, err
	}
	if entity != nil {
		return entity, nil
	}
	id, err := a.store.CreateEntity(ctx, store.Entity{
		User:    user,
		Name:    ident.Name,
		Tagline: ident.Tagline,
	})
	if err != nil {
		return nil, err
	}
	return a.store.EntityByID(ctx, id)
}

// recordEngagement appends an engagement and folds its signed strength
// into the entity's heat.
func (a *ExtractionAgent) recordEngagement(ctx context.Context, e store.Engagement) {
	if _, err := a.store.CreateEngagement(ctx, e); err != nil {
		a.logger.Warn("failed to record engagement: %v", err)
		return
	}
	if e.EntityID != nil {
		if err := a.store.AddEntityHeat(ctx, *e.EntityID, e.Strength*valenceSign(e.Valence)); err != nil {
			a.logger.Warn("failed to update heat: %v", err)
		}
	}
}

// extractFromText runs identification plus fact extraction for one
// piece of text and persists the survivors. Returns the entities that
// were identified and whether any fact landed.
func (a *ExtractionAgent) extractFromText(ctx context.Context, user, text string, sourceLogID, sourceMessageID *int64) ([]*store.Entity, bool, error) {
	identified, err := a.identifyEntities(ctx, user, text)
	if err != nil {
		return nil, false, err
	}

	var entities []*store.Entity
	didWork := false
	for _, ident := range identified {
		if err := ctx.Err(); err != nil {
			return entities, didWork, err
		}
		entity, err := a.getOrCreateEntity(ctx, user, ident)
		if err != nil {
			return entities, didWork, err
		}
		entities = append(entities, entity)

		candidates, err := a.extractFacts(ctx, entity, text)
		if err != nil {
			a.logger.Warn("fact extraction for %s failed: %v", entity.Name, err)
			continue
		}
		facts, err := a.dedupFacts(ctx, entity.ID, candidates)
		if err != nil {
			a.logger.Warn("fact dedup for %s failed: %v", entity.Name, err)
			continue
		}
		if len(facts) == 0 {
			continue
		}
		for i := range facts {
			facts[i].EntityID = entity.ID
			facts[i].SourceSearchLogID = sourceLogID
			facts[i].SourceMessageID = sourceMessageID
		}
		embedding, err := a.entityEmbedding(ctx, entity, facts)
		if err != nil {
			a.logger.Warn("entity embedding for %s failed: %v", entity.Name, err)
		}
		if err := a.store.InsertFactsAndRefreshEntity(ctx, entity.ID, facts, embedding); err != nil {
			return entities, didWork, err
		}
		a.logger.Info("learned %d fact(s) about %s", len(facts), entity.Name)
		didWork = true
	}
	return entities, didWork, nil
}

// extractSearchLogs is phase one: mine un-extracted search logs,
// newest first. Each log is marked extracted regardless of yield.
func (a *ExtractionAgent) extractSearchLogs(ctx context.Context) (bool, error) {
	logs, err := a.store.UnextractedSearchLogs(ctx, a.cfg.Batch)
	if err != nil {
		return false, err
	}
	didWork := false
	for _, log := range logs {
		if err := ctx.Err(); err != nil {
			return didWork, err
		}
		text := fmt.Sprintf("Search query: %s\n\n%s", log.Query, log.Response)
		entities, landed, err := a.extractFromText(ctx, log.User, text, &log.ID, nil)
		if err != nil {
			if ctx.Err() != nil {
				return didWork, err
			}
			a.logger.Warn("search log %d extraction failed: %v", log.ID, err)
		}
		if landed {
			didWork = true
		}
		if log.Trigger == store.TriggerUserMessage {
			for _, entity := range entities {
				a.recordEngagement(ctx, store.Engagement{
					User:     log.User,
					EntityID: &entity.ID,
					Type:     store.EngagementUserSearch,
					Valence:  store.ValenceNeutral,
					Strength: strengthUserSearch,
				})
			}
		}
		if err := a.store.MarkSearchLogExtracted(ctx, log.ID); err != nil {
			return didWork, err
		}
	}
	return didWork, nil
}

// extractMessages is phase two: mine unprocessed messages per user,
// then turn reactions into preferences.
func (a *ExtractionAgent) extractMessages(ctx context.Context) (bool, error) {
	users, err := a.store.UsersWithUnprocessedMessages(ctx)
	if err != nil {
		return false, err
	}
	didWork := false
	for _, user := range users {
		did, err := a.extractUserMessages(ctx, user)
		if err != nil {
			if ctx.Err() != nil {
				return didWork, err
			}
			a.logger.Warn("message extraction for %s failed: %v", user, err)
		}
		if did {
			didWork = true
		}
	}
	return didWork, nil
}

func (a *ExtractionAgent) extractUserMessages(ctx context.Context, user string) (bool, error) {
	messages, err := a.store.UnprocessedMessages(ctx, user, a.cfg.Batch)
	if err != nil {
		return false, err
	}

	didWork := false
	var processed []int64
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			// Mark what we finished before bailing out.
			_ = a.store.MarkMessagesProcessed(context.WithoutCancel(ctx), processed)
			return didWork, err
		}
		processed = append(processed, msg.ID)
		if len(msg.Content) < a.cfg.MinMessageLength || strings.HasPrefix(msg.Content, "/") {
			continue
		}
		entities, landed, err := a.extractFromText(ctx, user, msg.Content, nil, &msg.ID)
		if err != nil {
			if ctx.Err() != nil {
				_ = a.store.MarkMessagesProcessed(context.WithoutCancel(ctx), processed)
				return didWork, err
			}
			a.logger.Warn("extraction from message %d failed: %v", msg.ID, err)
		}
		if landed {
			didWork = true
		}
		for _, entity := range entities {
			a.recordEngagement(ctx, store.Engagement{
				User:            user,
				EntityID:        &entity.ID,
				Type:            store.EngagementMessageMention,
				Valence:         store.ValenceNeutral,
				Strength:        strengthMessageMention,
				SourceMessageID: &msg.ID,
			})
		}
	}

	prefDid, err := a.extractPreferences(ctx, user)
	if err != nil {
		if ctx.Err() != nil {
			_ = a.store.MarkMessagesProcessed(context.WithoutCancel(ctx), processed)
			return didWork, err
		}
		a.logger.Warn("preference extraction for %s failed: %v", user, err)
	}

	if err := a.store.MarkMessagesProcessed(ctx, processed); err != nil {
		return didWork, err
	}
	return didWork || prefDid || len(processed) > 0, nil
}

type preferenceResult struct {
	Topics []string `json:"topics"`
}

var preferenceFormat = llm.Schema(map[string]any{
	"topics": map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	},
})

// extractPreferences maps unprocessed reactions to like/dislike
// valences, asks the model for topic phrases once per valence, and
// records the preferences with one batched notification.
func (a *ExtractionAgent) extractPreferences(ctx context.Context, user string) (bool, error) {
	reactions, err := a.store.UnprocessedReactions(ctx, user)
	if err != nil {
		return false, err
	}
	if len(reactions) == 0 {
		return false, nil
	}

	byValence := map[string][]store.Message{}
	var reactionIDs []int64
	for _, r := range reactions {
		reactionIDs = append(reactionIDs, r.ID)
		switch {
		case likeEmojis[r.Content]:
			byValence[store.PreferenceLike] = append(byValence[store.PreferenceLike], r)
		case dislikeEmojis[r.Content]:
			byValence[store.PreferenceDislike] = append(byValence[store.PreferenceDislike], r)
		}
		a.recordReactionEngagement(ctx, user, r)
	}

	recent, err := a.store.RecentUserMessages(ctx, user, 10)
	if err != nil {
		return false, err
	}
	var recentLines []string
	for _, m := range recent {
		recentLines = append(recentLines, "- "+m.Content)
	}

	var created []string
	for _, prefType := range []string{store.PreferenceLike, store.PreferenceDislike} {
		group := byValence[prefType]
		if len(group) == 0 {
			continue
		}
		var reactedTo []string
		for _, r := range group {
			if r.ParentID == nil {
				continue
			}
			if parent, err := a.store.MessageByID(ctx, *r.ParentID); err == nil && parent != nil {
				reactedTo = append(reactedTo, "- "+clip(parent.Content, 200))
			}
		}
		verb := "likes"
		if prefType == store.PreferenceDislike {
			verb = "dislikes"
		}
		prompt := fmt.Sprintf(
			"The user reacted to these messages indicating they %s the subject matter:\n%s\n\n"+
				"Recent messages from the user for context:\n%s\n\n"+
				"Extract 1-3 short lowercase topic phrases the user %s.",
			verb, strings.Join(reactedTo, "\n"), strings.Join(recentLines, "\n"), verb)

		var result preferenceResult
		if err := llm.GenerateStructured(ctx, a.client, a.cfg.Model, prompt, preferenceFormat, &result); err != nil {
			a.logger.Warn("preference topics (%s) failed: %v", prefType, err)
			continue
		}
		for _, topic := range result.Topics {
			topic = strings.ToLower(strings.TrimSpace(topic))
			if topic == "" {
				continue
			}
			pref := store.Preference{User: user, Topic: topic, Type: prefType}
			if a.cfg.EmbeddingModel != "" {
				if vectors, err := a.client.Embed(ctx, a.cfg.EmbeddingModel, []string{topic}); err == nil {
					pref.Embedding = vectors[0]
				}
			}
			_, isNew, err := a.store.UpsertPreference(ctx, pref)
			if err != nil {
				a.logger.Warn("failed to store preference %q: %v", topic, err)
				continue
			}
			if isNew {
				created = append(created, fmt.Sprintf("%s (%s)", topic, prefType))
			}
			a.linkPreferenceToEntities(ctx, user, pref, prefType)
		}
	}

	if err := a.store.MarkMessagesProcessed(ctx, reactionIDs); err != nil {
		return len(created) > 0, err
	}

	if len(created) > 0 {
		text := "Noted! I'll remember that you feel strongly about: " + strings.Join(created, ", ")
		if err := sendProactive(ctx, a.store, a.channel, user, text); err != nil {
			a.logger.Warn("preference notification failed: %v", err)
		}
	}
	return len(created) > 0, nil
}

// recordReactionEngagement links a reaction to the entity its target
// message was about. Reactions to proactive messages weigh more.
func (a *ExtractionAgent) recordReactionEngagement(ctx context.Context, user string, reaction store.Message) {
	if reaction.ParentID == nil {
		return
	}
	parent, err := a.store.MessageByID(ctx, *reaction.ParentID)
	if err != nil || parent == nil {
		return
	}
	entities, err := a.store.EntitiesForUser(ctx, user)
	if err != nil {
		return
	}
	valence := store.ValenceNeutral
	if likeEmojis[reaction.Content] {
		valence = store.ValencePositive
	} else if dislikeEmojis[reaction.Content] {
		valence = store.ValenceNegative
	}
	strength := strengthEmojiReaction
	// A proactive message has no parent; a reply does.
	if parent.ParentID == nil {
		strength = strengthProactiveReaction
	}
	lower := strings.ToLower(parent.Content)
	for _, entity := range entities {
		if !strings.Contains(lower, entity.Name) {
			continue
		}
		a.recordEngagement(ctx, store.Engagement{
			User:            user,
			EntityID:        &entity.ID,
			Type:            store.EngagementEmojiReaction,
			Valence:         valence,
			Strength:        strength,
			SourceMessageID: &reaction.ID,
		})
	}
}

// linkPreferenceToEntities connects a new preference to semantically
// similar entities with explicit-statement engagements.
func (a *ExtractionAgent) linkPreferenceToEntities(ctx context.Context, user string, pref store.Preference, prefType string) {
	if len(pref.Embedding) == 0 {
		return
	}
	entities, err := a.store.EntitiesForUser(ctx, user)
	if err != nil {
		return
	}
	valence := store.ValencePositive
	if prefType == store.PreferenceDislike {
		valence = store.ValenceNegative
	}
	for _, entity := range entities {
		if len(entity.Embedding) == 0 {
			continue
		}
		if store.CosineSimilarity(pref.Embedding, entity.Embedding) < a.cfg.LinkThreshold {
			continue
		}
		a.recordEngagement(ctx, store.Engagement{
			User:     user,
			EntityID: &entity.ID,
			Type:     store.EngagementExplicitStatement,
			Valence:  valence,
			Strength: strengthExplicitStatement,
		})
	}
}

// backfillEmbeddings is phase three: generate embeddings for rows that
// lack them.
func (a *ExtractionAgent) backfillEmbeddings(ctx context.Context) (bool, error) {
	if a.cfg.EmbeddingModel == "" {
		return false, nil
	}
	didWork := false

	entities, err := a.store.EntitiesWithoutEmbedding(ctx, a.cfg.Batch)
	if err != nil {
		return false, err
	}
	for _, entity := range entities {
		embedding, err := a.entityEmbedding(ctx, &entity, nil)
		if err != nil {
			return didWork, err
		}
		if err := a.store.UpdateEntityEmbedding(ctx, entity.ID, embedding); err != nil {
			return didWork, err
		}
		didWork = true
	}

	facts, err := a.store.FactsWithoutEmbedding(ctx, a.cfg.Batch)
	if err != nil {
		return didWork, err
	}
	for _, fact := range facts {
		vectors, err := a.client.Embed(ctx, a.cfg.EmbeddingModel, []string{fact.Content})
		if err != nil {
			return didWork, err
		}
		if err := a.store.UpdateFactEmbedding(ctx, fact.ID, vectors[0]); err != nil {
			return didWork, err
		}
		didWork = true
	}

	prefs, err := a.store.PreferencesWithoutEmbedding(ctx, a.cfg.Batch)
	if err != nil {
		return didWork, err
	}
	for _, pref := range prefs {
		vectors, err := a.client.Embed(ctx, a.cfg.EmbeddingModel, []string{pref.Topic})
		if err != nil {
			return didWork, err
		}
		if err := a.store.UpdatePreferenceEmbedding(ctx, pref.ID, vectors[0]); err != nil {
			return didWork, err
		}
		didWork = true
	}
	return didWork, nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cut never splits a sequence.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

package agents

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/unicode/norm"

	"penny/internal/llm"
	"penny/internal/logging"
	"penny/internal/news"
	"penny/internal/store"
)

// EventConfig carries the event polling tunables.
type EventConfig struct {
	Model              string
	EmbeddingModel     string
	DedupWindowDays    int
	RelevanceThreshold float64
	TCRThreshold       float64 // token containment ratio
	SemanticThreshold  float64
	MaxPerPoll         int
}

// EventAgent polls the news API for active follow prompts and
// materializes fresh, deduplicated events.
type EventAgent struct {
	store  *store.Store
	client llm.Client
	news   news.Client
	cfg    EventConfig
	logger logging.Logger
	now    func() time.Time
}

// NewEventAgent wires the event agent.
func NewEventAgent(st *store.Store, client llm.Client, newsClient news.Client, cfg EventConfig) *EventAgent {
	return &EventAgent{
		store:  st,
		client: client,
		news:   newsClient,
		cfg:    cfg,
		logger: logging.NewComponentLogger("events"),
		now:    time.Now,
	}
}

func (a *EventAgent) Name() string { return "events" }

func (a *EventAgent) Execute(ctx context.Context) (bool, error) {
	if a.news == nil {
		return false, nil
	}
	prompt, err := a.selectPrompt(ctx)
	if err != nil || prompt == nil {
		return false, err
	}
	return a.poll(ctx, prompt)
}

// selectPrompt walks active follow prompts in stalest-first order and
// returns the first whose cron has fired and that has no un-notified
// events waiting.
func (a *EventAgent) selectPrompt(ctx context.Context) (*store.FollowPrompt, error) {
	prompts, err := a.store.ActiveFollowPrompts(ctx)
	if err != nil {
		return nil, err
	}
	for _, prompt := range prompts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		due, err := a.cronDue(&prompt)
		if err != nil {
			a.logger.Warn("follow prompt %d has a bad cron %q: %v", prompt.ID, prompt.CronExpr, err)
			continue
		}
		if !due {
			continue
		}
		pending, err := a.store.PromptHasUnnotifiedEvents(ctx, prompt.ID)
		if err != nil {
			return nil, err
		}
		if pending {
			continue
		}
		copied := prompt
		return &copied, nil
	}
	return nil, nil
}

// parseCron accepts standard 5-field cron expressions.
func parseCron(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// cronDue evaluates the prompt's cron expression in the user's
// timezone against last_polled_at. A never-polled prompt is due.
func (a *EventAgent) cronDue(prompt *store.FollowPrompt) (bool, error) {
	if prompt.LastPolledAt == nil {
		return true, nil
	}
	location, err := time.LoadLocation(prompt.Timezone)
	if err != nil {
		location = time.UTC
	}
	schedule, err := parseCron(prompt.CronExpr)
	if err != nil {
		return false, err
	}
	next := schedule.Next(prompt.LastPolledAt.In(location))
	return !a.now().In(location).Before(next), nil
}

// poll fetches, filters, dedups, ranks, and persists events for one
// prompt.
func (a *EventAgent) poll(ctx context.Context, prompt *store.FollowPrompt) (bool, error) {
	window := time.Duration(a.cfg.DedupWindowDays) * 24 * time.Hour
	fromDate := a.now().Add(-window)

	articles, err := a.news.Search(ctx, prompt.QueryTerms, fromDate)
	if err != nil {
		return false, fmt.Errorf("news poll for prompt %d: %w", prompt.ID, err)
	}
	if err := a.store.SetFollowPromptPolled(ctx, prompt.ID, a.now()); err != nil {
		return false, err
	}
	if len(articles) == 0 {
		return false, nil
	}

	relevant, err := a.filterRelevant(ctx, prompt, articles)
	if err != nil {
		return false, err
	}

	recent, err := a.store.RecentEvents(ctx, prompt.User, fromDate)
	if err != nil {
		return false, err
	}
	var fresh []scoredArticle
	for _, candidate := range relevant {
		if a.isDuplicate(candidate, recent) {
			continue
		}
		fresh = append(fresh, candidate)
	}
	if len(fresh) == 0 {
		return false, nil
	}

	// Rank by relevance, keep the top of the poll budget.
	for i := 1; i < len(fresh); i++ {
		for j := i; j > 0 && fresh[j].score > fresh[j-1].score; j-- {
			fresh[j], fresh[j-1] = fresh[j-1], fresh[j]
		}
	}
	if a.cfg.MaxPerPoll > 0 && len(fresh) > a.cfg.MaxPerPoll {
		fresh = fresh[:a.cfg.MaxPerPoll]
	}

	events := make([]store.Event, 0, len(fresh))
	for _, candidate := range fresh {
		events = append(events, store.Event{
			User:           prompt.User,
			Headline:       candidate.article.Title,
			Summary:        candidate.article.Description,
			OccurredAt:     candidate.article.PublishedAt,
			SourceURL:      candidate.article.URL,
			ExternalID:     candidate.article.URL,
			Embedding:      candidate.embedding,
			FollowPromptID: prompt.ID,
		})
	}
	if err := a.store.CreateEvents(ctx, events); err != nil {
		return false, err
	}
	a.logger.Info("prompt %d (%s): %d new event(s)", prompt.ID, prompt.Topic, len(events))
	return true, nil
}

type scoredArticle struct {
	article   news.Article
	embedding []float32
	score     float64
}

type tagResult struct {
	Tags []string `json:"tags"`
}

var tagFormat = llm.Schema(map[string]any{
	"tags": map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	},
})

// filterRelevant keeps articles whose title embedding is close enough
// to the subscription topic. Titles that miss get one retry through
// LLM-extracted topic tags.
func (a *EventAgent) filterRelevant(ctx context.Context, prompt *store.FollowPrompt, articles []news.Article) ([]scoredArticle, error) {
	if a.cfg.EmbeddingModel == "" {
		// Without embeddings everything passes at a flat score.
		scored := make([]scoredArticle, 0, len(articles))
		for _, article := range articles {
			scored = append(scored, scoredArticle{article: article, score: 0.5})
		}
		return scored, nil
	}

	topicVectors, err := a.client.Embed(ctx, a.cfg.EmbeddingModel, []string{prompt.Topic})
	if err != nil {
		return nil, err
	}
	topic := topicVectors[0]

	var relevant []scoredArticle
	for _, article := range articles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors, err := a.client.Embed(ctx, a.cfg.EmbeddingModel, []string{article.Title})
		if err != nil {
			return nil, err
		}
		embedding := vectors[0]
		score := store.CosineSimilarity(embedding, topic)
		if score < a.cfg.RelevanceThreshold {
			embedding, score, err = a.retryWithTags(ctx, article.Title, topic)
			if err != nil {
				a.logger.Warn("tag fallback for %q failed: %v", article.Title, err)
				continue
			}
			if score < a.cfg.RelevanceThreshold {
				continue
			}
		}
		relevant = append(relevant, scoredArticle{article: article, embedding: embedding, score: score})
	}
	return relevant, nil
}

// retryWithTags asks the LLM for topic tags from the title and scores
// the tag list instead of the raw headline.
func (a *EventAgent) retryWithTags(ctx context.Context, title string, topic []float32) ([]float32, float64, error) {
	prompt := fmt.Sprintf("Extract 2-4 short topic tags from this news headline:\n%q", title)
	var result tagResult
	if err := llm.GenerateStructured(ctx, a.client, a.cfg.Model, prompt, tagFormat, &result); err != nil {
		return nil, 0, err
	}
	if len(result.Tags) == 0 {
		return nil, 0, nil
	}
	vectors, err := a.client.Embed(ctx, a.cfg.EmbeddingModel, []string{strings.Join(result.Tags, ", ")})
	if err != nil {
		return nil, 0, err
	}
	return vectors[0], store.CosineSimilarity(vectors[0], topic), nil
}

// isDuplicate applies the three dedup layers against recent events:
// exact URL, normalized headline, and semantic (token containment or
// embedding similarity).
func (a *EventAgent) isDuplicate(candidate scoredArticle, recent []store.Event) bool {
	normalizedTitle := normalizeHeadline(candidate.article.Title)
	candidateTokens := tokenSet(normalizedTitle)
	for _, event := range recent {
		if event.ExternalID == candidate.article.URL {
			return true
		}
		existingNormalized := normalizeHeadline(event.Headline)
		if existingNormalized == normalizedTitle {
			return true
		}
		if containmentRatio(candidateTokens, tokenSet(existingNormalized)) >= a.cfg.TCRThreshold {
			return true
		}
		if len(candidate.embedding) > 0 && len(event.Embedding) > 0 &&
			store.CosineSimilarity(candidate.embedding, event.Embedding) >= a.cfg.SemanticThreshold {
			return true
		}
	}
	return false
}

// normalizeHeadline lowercases, strips diacritics via NFKD, and drops
// punctuation.
func normalizeHeadline(s string) string {
	decomposed := norm.NFKD.String(strings.ToLower(s))
	var sb strings.Builder
	for _, r := range decomposed {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range strings.Fields(s) {
		set[token] = true
	}
	return set
}

// containmentRatio is |a ∩ b| / min(|a|, |b|).
func containmentRatio(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for token := range a {
		if b[token] {
			shared++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(shared) / float64(smaller)
}

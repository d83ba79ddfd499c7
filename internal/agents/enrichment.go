package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"penny/internal/llm"
	"penny/internal/logging"
	"penny/internal/store"
	"penny/internal/tools"
)

// EnrichmentConfig carries the enrichment tunables.
type EnrichmentConfig struct {
	Model                string
	EmbeddingModel       string
	Interval             time.Duration // global gate between searches
	Cooldown             time.Duration // per-entity re-enrichment window
	BriefingFactCount    int           // facts beyond which briefing mode kicks in
	MinInterest          float64
	InterestHalfLife     time.Duration
	DiscoveryThreshold   float64
	DiscoveryBudget      int
	EntityDedupThreshold float64
}

// EnrichmentAgent grows the knowledge graph proactively. Each run it
// first services one pending learn-prompt search, then picks the
// single most valuable entity across all users and researches it.
type EnrichmentAgent struct {
	store    *store.Store
	client   llm.Client
	searcher tools.Searcher
	extract  *ExtractionAgent
	cfg      EnrichmentConfig
	logger   logging.Logger
	now      func() time.Time

	mu            sync.Mutex
	lastSearchRun time.Time
}

// NewEnrichmentAgent wires the enrichment agent. It shares the
// extraction pipeline's fact machinery.
func NewEnrichmentAgent(st *store.Store, client llm.Client, searcher tools.Searcher, extract *ExtractionAgent, cfg EnrichmentConfig) *EnrichmentAgent {
	return &EnrichmentAgent{
		store:    st,
		client:   client,
		searcher: searcher,
		extract:  extract,
		cfg:      cfg,
		logger:   logging.NewComponentLogger("enrichment"),
		now:      time.Now,
	}
}

func (a *EnrichmentAgent) Name() string { return "enrichment" }

func (a *EnrichmentAgent) Execute(ctx context.Context) (bool, error) {
	if a.searcher == nil {
		return false, nil
	}
	if !a.rateGateOpen() {
		return false, nil
	}

	did, err := a.serviceLearnPrompt(ctx)
	if err != nil || did {
		if did {
			a.markSearchRun()
		}
		return did, err
	}

	did, err = a.enrichBestEntity(ctx)
	if did {
		a.markSearchRun()
	}
	return did, err
}

// rateGateOpen enforces the global interval between enrichment
// searches, independent of the schedule's polling cadence.
func (a *EnrichmentAgent) rateGateOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSearchRun.IsZero() || a.now().Sub(a.lastSearchRun) >= a.cfg.Interval
}

func (a *EnrichmentAgent) markSearchRun() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSearchRun = a.now()
}

type learnQueryResult struct {
	Query string `json:"query"`
}

var learnQueryFormat = llm.Schema(map[string]any{
	"query": map[string]any{"type": "string"},
})

// serviceLearnPrompt runs one search for the oldest active learn
// prompt, if any. The resulting search log carries the prompt id so
// extraction and the completion announcement can find it.
func (a *EnrichmentAgent) serviceLearnPrompt(ctx context.Context) (bool, error) {
	prompts, err := a.store.ActiveLearnPrompts(ctx)
	if err != nil {
		return false, err
	}
	if len(prompts) == 0 {
		return false, nil
	}
	prompt := prompts[0]

	previous, err := a.store.SearchLogsForLearnPrompt(ctx, prompt.ID)
	if err != nil {
		return false, err
	}
	var previousQueries []string
	for _, log := range previous {
		previousQueries = append(previousQueries, "- "+log.Query)
	}

	query := prompt.Prompt
	llmPrompt := fmt.Sprintf(
		"You are researching: %q.\nSearches already done:\n%s\n\n"+
			"Write the single next web search query that covers new ground.",
		prompt.Prompt, strings.Join(previousQueries, "\n"))
	var planned learnQueryResult
	if err := llm.GenerateStructured(ctx, a.client, a.cfg.Model, llmPrompt, learnQueryFormat, &planned); err != nil {
		a.logger.Warn("learn query generation failed, using the prompt itself: %v", err)
	} else if strings.TrimSpace(planned.Query) != "" {
		query = strings.TrimSpace(planned.Query)
	}

	response, _, err := a.searcher.Search(ctx, query)
	if err != nil {
		return false, fmt.Errorf("learn search: %w", err)
	}
	if _, err := a.store.CreateSearchLog(ctx, store.SearchLog{
		User:          prompt.User,
		Query:         query,
		Response:      response,
		Trigger:       store.TriggerLearnCommand,
		LearnPromptID: &prompt.ID,
	}); err != nil {
		return false, err
	}
	updated, err := a.store.DecrementLearnSearches(ctx, prompt.ID)
	if err != nil {
		return false, err
	}
	a.logger.Info("learn prompt %d: searched %q, %d searches remaining",
		prompt.ID, query, updated.SearchesRemaining)
	return true, nil
}

// scoredEntity pairs an entity with its enrichment priority.
type scoredEntity struct {
	entity   store.Entity
	interest float64
	facts    int
	priority float64
}

// enrichBestEntity scores all entities and researches the winner.
func (a *EnrichmentAgent) enrichBestEntity(ctx context.Context) (bool, error) {
	best, err := a.selectEntity(ctx)
	if err != nil || best == nil {
		return false, err
	}
	return a.enrich(ctx, best)
}

// selectEntity returns the highest-priority enrichable entity, or nil.
func (a *EnrichmentAgent) selectEntity(ctx context.Context) (*scoredEntity, error) {
	entities, err := a.store.AllEntities(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now()
	var best *scoredEntity
	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entity.LastEnrichedAt != nil && now.Sub(*entity.LastEnrichedAt) < a.cfg.Cooldown {
			continue
		}
		pending, err := a.store.EntityHasUnnotifiedFacts(ctx, entity.ID)
		if err != nil {
			return nil, err
		}
		if pending {
			// Don't pile on before the last batch was surfaced.
			continue
		}
		engagements, err := a.store.EngagementsForEntity(ctx, entity.ID)
		if err != nil {
			return nil, err
		}
		interest := interestScore(engagements, now, a.cfg.InterestHalfLife)
		if interest < a.cfg.MinInterest {
			continue
		}
		factCount, err := a.store.FactCount(ctx, entity.ID)
		if err != nil {
			return nil, err
		}
		candidate := scoredEntity{
			entity:   entity,
			interest: interest,
			facts:    factCount,
			priority: enrichmentPriority(interest, factCount),
		}
		if best == nil || candidate.priority > best.priority {
			copied := candidate
			best = &copied
		}
	}
	return best, nil
}

// enrich searches for one entity, inserts surviving facts, and
// discovers related entities.
func (a *EnrichmentAgent) enrich(ctx context.Context, scored *scoredEntity) (bool, error) {
	entity := scored.entity
	query := a.buildQuery(ctx, &entity, scored.facts)

	a.logger.Info("enriching %s (priority %.2f): %q", entity.Name, scored.priority, query)
	response, _, err := a.searcher.Search(ctx, query)
	if err != nil {
		return false, fmt.Errorf("enrichment search for %s: %w", entity.Name, err)
	}

	logID, err := a.store.CreateSearchLog(ctx, store.SearchLog{
		User:      entity.User,
		Query:     query,
		Response:  response,
		Trigger:   store.TriggerPennyEnrichment,
		Extracted: true, // consumed inline below, not by the extraction pass
	})
	if err != nil {
		return false, err
	}

	candidates, err := a.extract.extractFacts(ctx, &entity, response)
	if err != nil {
		return false, err
	}
	facts, err := a.extract.dedupFacts(ctx, entity.ID, candidates)
	if err != nil {
		return false, err
	}
	if len(facts) > 0 {
		for i := range facts {
			facts[i].EntityID = entity.ID
			facts[i].SourceSearchLogID = &logID
		}
		embedding, err := a.extract.entityEmbedding(ctx, &entity, facts)
		if err != nil {
			a.logger.Warn("entity embedding for %s failed: %v", entity.Name, err)
		}
		if err := a.store.InsertFactsAndRefreshEntity(ctx, entity.ID, facts, embedding); err != nil {
			return false, err
		}
		a.logger.Info("enrichment added %d fact(s) to %s", len(facts), entity.Name)
	}

	if err := a.store.SetEntityEnriched(ctx, entity.ID, a.now()); err != nil {
		return false, err
	}

	if err := a.discoverRelated(ctx, &entity, response); err != nil {
		if ctx.Err() != nil {
			return true, err
		}
		a.logger.Warn("related-entity discovery for %s failed: %v", entity.Name, err)
	}
	return true, nil
}

// buildQuery derives the search query from the entity and its facts.
// Sparse entities get a broad novelty query; well-documented ones get
// a current-developments briefing.
func (a *EnrichmentAgent) buildQuery(ctx context.Context, entity *store.Entity, factCount int) string {
	subject := entity.Name
	if entity.Tagline != "" {
		subject = fmt.Sprintf("%s (%s)", entity.Name, entity.Tagline)
	}
	if factCount >= a.cfg.BriefingFactCount {
		return fmt.Sprintf("%s recent developments %d", subject, a.now().Year())
	}
	facts, err := a.store.FactsForEntity(ctx, entity.ID)
	if err != nil || len(facts) == 0 {
		return subject
	}
	known := make([]string, 0, len(facts))
	for _, f := range facts {
		known = append(known, f.Content)
	}
	return fmt.Sprintf("%s. I already know: %s", subject, strings.Join(known, "; "))
}

type relatedResult struct {
	Names []string `json:"names"`
}

var relatedFormat = llm.Schema(map[string]any{
	"names": map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	},
})

// discoverRelated proposes entities mentioned in the search response,
// gates them by similarity to the source entity, dedups against the
// existing graph by embedding, and creates the survivors with a
// search-discovery engagement.
func (a *EnrichmentAgent) discoverRelated(ctx context.Context, source *store.Entity, response string) error {
	if a.cfg.EmbeddingModel == "" || len(source.Embedding) == 0 || a.cfg.DiscoveryBudget <= 0 {
		return nil
	}

	prompt := fmt.Sprintf(
		"List distinct entities (products, people, organizations, topics) mentioned "+
			"in this text that are closely related to %q but are not %q itself. "+
			"Short lowercase names only.\n\n%s",
		source.Name, source.Name, clip(response, 4000))
	var related relatedResult
	if err := llm.GenerateStructured(ctx, a.client, a.cfg.Model, prompt, relatedFormat, &related); err != nil {
		return err
	}
	if len(related.Names) == 0 {
		return nil
	}

	existing, err := a.store.EntitiesForUser(ctx, source.User)
	if err != nil {
		return err
	}

	created := 0
	for _, name := range related.Names {
		if created >= a.cfg.DiscoveryBudget {
			break
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == source.Name {
			continue
		}
		vectors, err := a.client.Embed(ctx, a.cfg.EmbeddingModel, []string{name})
		if err != nil {
			return err
		}
		embedding := vectors[0]

		similarity := store.CosineSimilarity(embedding, source.Embedding)
		if similarity < a.cfg.DiscoveryThreshold {
			continue
		}
		duplicate := false
		for _, e := range existing {
			if e.Name == name {
				duplicate = true
				break
			}
			if len(e.Embedding) > 0 && store.CosineSimilarity(embedding, e.Embedding) >= a.cfg.EntityDedupThreshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}

		id, err := a.store.CreateEntity(ctx, store.Entity{
			User:      source.User,
			Name:      name,
			Tagline:   fmt.Sprintf("related to %s", source.Name),
			Embedding: embedding,
		})
		if err != nil {
			return err
		}
		a.extract.recordEngagement(ctx, store.Engagement{
			User:     source.User,
			EntityID: &id,
			Type:     store.EngagementSearchDiscovery,
			Valence:  store.ValenceNeutral,
			Strength: similarity,
		})

		// Seed the newcomer with facts from the same response.
		newEntity, err := a.store.EntityByID(ctx, id)
		if err != nil || newEntity == nil {
			continue
		}
		candidates, err := a.extract.extractFacts(ctx, newEntity, response)
		if err != nil {
			a.logger.Warn("fact extraction for discovered %s failed: %v", name, err)
		} else if facts, err := a.extract.dedupFacts(ctx, id, candidates); err == nil && len(facts) > 0 {
			for i := range facts {
				facts[i].EntityID = id
			}
			refreshed, _ := a.extract.entityEmbedding(ctx, newEntity, facts)
			if err := a.store.InsertFactsAndRefreshEntity(ctx, id, facts, refreshed); err != nil {
				a.logger.Warn("failed to store facts for discovered %s: %v", name, err)
			}
		}

		a.logger.Info("discovered related entity %s (similarity %.2f)", name, similarity)
		created++
	}
	return nil
}

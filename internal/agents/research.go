package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"penny/internal/channel"
	pennyerrors "penny/internal/errors"
	"penny/internal/llm"
	"penny/internal/logging"
	"penny/internal/store"
	"penny/internal/tools"
)

// ResearchConfig carries the research tunables.
type ResearchConfig struct {
	Model         string
	MaxIterations int
	FocusTimeout  time.Duration
}

// ResearchAgent advances multi-iteration research tasks. One task per
// thread is active at a time; each run advances the oldest active task
// by one iteration and emits the final report when iterations are
// exhausted.
type ResearchAgent struct {
	store    *store.Store
	client   llm.Client
	searcher tools.Searcher
	channel  channel.Channel
	cfg      ResearchConfig
	logger   logging.Logger
	now      func() time.Time
}

// NewResearchAgent wires the research agent.
func NewResearchAgent(st *store.Store, client llm.Client, searcher tools.Searcher, ch channel.Channel, cfg ResearchConfig) *ResearchAgent {
	return &ResearchAgent{
		store:    st,
		client:   client,
		searcher: searcher,
		channel:  ch,
		cfg:      cfg,
		logger:   logging.NewComponentLogger("research"),
		now:      time.Now,
	}
}

func (a *ResearchAgent) Name() string { return "research" }

func (a *ResearchAgent) Execute(ctx context.Context) (bool, error) {
	task, err := a.store.OldestActiveResearchTask(ctx)
	if err != nil || task == nil {
		return false, err
	}

	if task.Status == store.ResearchAwaitingFocus {
		if a.now().Sub(task.UpdatedAt) < a.cfg.FocusTimeout {
			return false, nil
		}
		// Nobody picked an angle; run with the topic as the focus.
		if err := a.store.SetResearchTaskFocus(ctx, task.ID, task.Topic); err != nil {
			return false, err
		}
		a.logger.Info("task %d focus wait timed out, researching %q broadly", task.ID, task.Topic)
		return true, nil
	}

	did, err := a.advance(ctx, task)
	if err != nil && ctx.Err() == nil && !pennyerrors.IsTransient(err) {
		a.logger.Error("task %d failed permanently: %v", task.ID, err)
		if markErr := a.store.SetResearchTaskStatus(ctx, task.ID, store.ResearchFailed); markErr != nil {
			a.logger.Error("failed to mark task %d failed: %v", task.ID, markErr)
		}
		return did, nil
	}
	return did, err
}

type researchStep struct {
	Query   string `json:"query"`
	Finding string `json:"finding"`
}

var researchStepFormat = llm.Schema(map[string]any{
	"query":   map[string]any{"type": "string"},
	"finding": map[string]any{"type": "string"},
})

// advance runs one iteration, or emits the final report when the
// iteration budget is spent.
func (a *ResearchAgent) advance(ctx context.Context, task *store.ResearchTask) (bool, error) {
	iterations, err := a.store.ResearchIterations(ctx, task.ID)
	if err != nil {
		return false, err
	}
	maxIterations := task.MaxIterations
	if maxIterations <= 0 {
		maxIterations = a.cfg.MaxIterations
	}
	if len(iterations) >= maxIterations {
		return true, a.finish(ctx, task, iterations)
	}

	number := len(iterations) + 1
	var history []string
	for _, it := range iterations {
		history = append(history, fmt.Sprintf("Iteration %d: %s", it.Number, clip(it.Content, 600)))
	}

	prompt := fmt.Sprintf(
		"You are researching %q (focus: %s). This is iteration %d of %d.\n"+
			"Previous findings:\n%s\n\n"+
			"Propose the next web search query that covers new ground, and state "+
			"what you expect it to clarify.",
		task.Topic, task.Focus, number, maxIterations, strings.Join(history, "\n"))

	var step researchStep
	if err := llm.GenerateStructured(ctx, a.client, a.cfg.Model, prompt, researchStepFormat, &step); err != nil {
		return false, err
	}
	if strings.TrimSpace(step.Query) == "" {
		step.Query = task.Focus
	}

	content := step.Finding
	var sources []string
	if a.searcher != nil {
		response, urls, err := a.searcher.Search(ctx, step.Query)
		if err != nil {
			return false, err
		}
		sources = urls
		synthesis, err := a.client.Generate(ctx, fmt.Sprintf(
			"Summarize what this search result contributes to researching %q (focus: %s). "+
				"Two or three sentences.\n\n%s",
			task.Topic, task.Focus, clip(response, 4000)),
			llm.GenerateOptions{Model: a.cfg.Model})
		if err != nil {
			return false, err
		}
		content = strings.TrimSpace(synthesis.Content)
		sources = append(sources, extractURLs(response)...)
	}
	if content == "" {
		content = "No new findings this iteration."
	}

	if _, err := a.store.AddResearchIteration(ctx, store.ResearchIteration{
		TaskID:  task.ID,
		Number:  number,
		Content: content,
		Sources: dedupStrings(sources),
	}); err != nil {
		return false, err
	}
	a.logger.Info("task %d iteration %d/%d stored", task.ID, number, maxIterations)
	return true, nil
}

// finish composes the final report, sends it, and completes the task
// (which activates the thread's next pending task).
func (a *ResearchAgent) finish(ctx context.Context, task *store.ResearchTask, iterations []store.ResearchIteration) error {
	var notes []string
	var sources []string
	for _, it := range iterations {
		notes = append(notes, fmt.Sprintf("%d. %s", it.Number, it.Content))
		sources = append(sources, it.Sources...)
	}
	// First-seen order keeps the report stable across runs.
	sources = dedupStrings(sources)

	resp, err := a.client.Generate(ctx, fmt.Sprintf(
		"Write a final research report on %q (focus: %s) from these iteration notes. "+
			"A few short paragraphs, conversational, no headings.\n\n%s",
		task.Topic, task.Focus, strings.Join(notes, "\n")),
		llm.GenerateOptions{Model: a.cfg.Model})
	if err != nil {
		return err
	}
	report := strings.TrimSpace(resp.Content)
	if report == "" {
		report = "I finished the research but couldn't put together a clean summary:\n" + strings.Join(notes, "\n")
	}
	if len(sources) > 0 {
		report += "\n\nSources:\n" + strings.Join(sources, "\n")
	}

	if err := sendProactive(ctx, a.store, a.channel, task.User, report); err != nil {
		return err
	}
	if err := a.store.SetResearchTaskStatus(ctx, task.ID, store.ResearchCompleted); err != nil {
		return err
	}
	a.logger.Info("task %d completed after %d iterations", task.ID, len(iterations))
	return nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s)\]>"']+`)

func extractURLs(text string) []string {
	return urlPattern.FindAllString(text, 10)
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

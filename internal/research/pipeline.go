package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/deep-research-ui/internal/models"
	"github.com/MegaGrindStone/deep-research-ui/internal/services"
	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"
)

// Gateway is the per-role completion surface the pipeline drives. Retry policy
// lives here in the pipeline, not behind this interface.
type Gateway interface {
	Complete(ctx context.Context, role services.Role, msgs []services.ChatMessage) (string, error)
	CompleteStructured(
		ctx context.Context,
		role services.Role,
		msgs []services.ChatMessage,
		schemaName string,
		schema json.RawMessage,
		out any,
	) error
	CompleteWithTools(
		ctx context.Context,
		role services.Role,
		msgs []services.ChatMessage,
		tools []goopenai.Tool,
	) (services.Completion, error)
}

// Searcher is the external web search provider. Failures are non-fatal to a
// run; the affected sub-query is skipped.
type Searcher interface {
	Search(ctx context.Context, query string) ([]models.SearchResult, error)
}

// Store is the slice of the persistence surface the pipeline writes through.
type Store interface {
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	AddMessageWithReport(
		ctx context.Context,
		chatID string,
		message models.Message,
		report models.Report,
	) (string, error)
}

// Config tunes the pipeline. Zero values are replaced by defaults in
// NewPipeline.
type Config struct {
	// AllowClarification gates the Clarify stage entirely.
	AllowClarification bool
	// MaxIterations bounds the reflect/search loop; exhausting it forces
	// progression to compression, it never fails the run.
	MaxIterations int
	// MaxPlannedQueries caps the sub-queries taken from a plan or reflection.
	MaxPlannedQueries int
	// RetryBaseDelay is the first backoff delay after an unavailable upstream;
	// it doubles per attempt.
	RetryBaseDelay time.Duration
}

// retryBudget is the number of extra attempts after the first for stages that
// hit an unavailable upstream.
const retryBudget = 2

var errCancelled = errors.New("run cancelled")

// Pipeline drives a research run through its stages, invoking the model
// gateway and the search provider, and persisting the assistant's durable
// output. One Execute call runs one pipeline; it owns the run's frame channel
// for its whole lifetime.
type Pipeline struct {
	gateway Gateway
	search  Searcher
	store   Store
	cfg     Config

	logger *slog.Logger
}

// NewPipeline creates a pipeline over the given collaborators.
func NewPipeline(gateway Gateway, search Searcher, store Store, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	if cfg.MaxPlannedQueries <= 0 {
		cfg.MaxPlannedQueries = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	return &Pipeline{
		gateway: gateway,
		search:  search,
		store:   store,
		cfg:     cfg,
		logger:  logger.With(slog.String("module", "pipeline")),
	}
}

// Execute drives the run to a terminal stage. It blocks until the run is
// finished and must be called at most once per run, on its own goroutine. The
// history must already contain the user message that started the run.
func (p *Pipeline) Execute(ctx context.Context, run *Run, history []models.Message) {
	logger := p.logger.With(
		slog.String("chatID", run.ChatID),
		slog.String("runID", run.ID))

	p.emit(run, models.EventFrame(run.ChatID, models.EventResearchStarted, map[string]any{
		"query": run.Query,
	}))

	err := p.execute(ctx, run, history)
	switch {
	case err == nil:
		logger.Info("Run completed", slog.Int("notes", len(run.Notes())))
		p.terminate(run, models.StageDone, "", nil)
	case errors.Is(err, errCancelled):
		logger.Info("Run cancelled", slog.String("stage", string(run.Stage())))
		p.terminate(run, models.StageCancelled, models.EventResearchCancelled, nil)
	default:
		logger.Error("Run failed",
			slog.String("stage", string(run.Stage())),
			slog.String("err", err.Error()))
		p.terminate(run, models.StageFailed, models.EventResearchFailed, map[string]any{
			"error": err.Error(),
		})
	}
}

func (p *Pipeline) execute(ctx context.Context, run *Run, history []models.Message) error {
	transcript := transcriptFromHistory(history)

	transcript, err := p.clarify(ctx, run, transcript)
	if err != nil {
		return err
	}

	queries, err := p.plan(ctx, run, transcript)
	if err != nil {
		return err
	}

	for iteration := 0; ; iteration++ {
		if err := p.gather(ctx, run, queries); err != nil {
			return err
		}
		if iteration+1 >= p.cfg.MaxIterations {
			break
		}
		queries, err = p.reflect(ctx, run)
		if err != nil {
			return err
		}
		if len(queries) == 0 {
			break
		}
	}

	findings, err := p.compress(ctx, run)
	if err != nil {
		return err
	}

	return p.finalReport(ctx, run, findings)
}

// clarify loops until the research model stops asking questions. Each round
// trip suspends the run awaiting a follow-up user message; cancellation is
// checked on every re-entry.
func (p *Pipeline) clarify(
	ctx context.Context,
	run *Run,
	transcript []services.ChatMessage,
) ([]services.ChatMessage, error) {
	if !p.cfg.AllowClarification {
		return transcript, nil
	}

	for {
		if err := p.transition(run, models.StageClarify); err != nil {
			return nil, err
		}

		msgs := withSystem(clarifyPrompt, transcript)
		var c clarifyResponse
		err := p.withRetry(run, func() error {
			return p.gateway.CompleteStructured(ctx, services.RoleResearch, msgs, "clarification", clarifySchema, &c)
		})
		if err != nil {
			return nil, err
		}

		if !c.NeedClarification {
			if c.Verification != "" {
				transcript = append(transcript, services.ChatMessage{
					Role:    string(models.RoleAssistant),
					Content: c.Verification,
				})
			}
			return transcript, nil
		}

		// The question joins durable history before any client sees the frame.
		if err := p.persistAssistant(ctx, run, c.Question); err != nil {
			return nil, err
		}
		p.emit(run, models.EventFrame(run.ChatID, models.EventClarificationNeeded, map[string]any{
			"question": c.Question,
		}))
		p.emit(run, models.MessageFrame(run.ChatID, models.RoleAssistant, c.Question))
		transcript = append(transcript, services.ChatMessage{
			Role:    string(models.RoleAssistant),
			Content: c.Question,
		})

		followUp, ok := run.awaitFollowUp()
		if !ok {
			return nil, errCancelled
		}
		transcript = append(transcript, services.ChatMessage{
			Role:    string(models.RoleUser),
			Content: followUp,
		})
	}
}

// plan asks the research model to decompose the query into web_search tool
// calls. A model that answers without tool use falls back to the original
// query as the single sub-query.
func (p *Pipeline) plan(ctx context.Context, run *Run, transcript []services.ChatMessage) ([]string, error) {
	if err := p.transition(run, models.StagePlan); err != nil {
		return nil, err
	}

	tools := []goopenai.Tool{
		{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        "web_search",
				Description: "Search the web for information on a topic",
				Parameters:  webSearchToolSchema,
			},
		},
	}

	msgs := withSystem(planPrompt, transcript)
	var completion services.Completion
	err := p.withRetry(run, func() error {
		var err error
		completion, err = p.gateway.CompleteWithTools(ctx, services.RoleResearch, msgs, tools)
		return err
	})
	if err != nil {
		return nil, err
	}

	var queries []string
	for _, tc := range completion.ToolCalls {
		if tc.Name != "web_search" {
			continue
		}
		var args webSearchArgs
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			return nil, fmt.Errorf("%w: web_search arguments: %w", services.ErrMalformedResponse, err)
		}
		if args.Query != "" {
			queries = append(queries, args.Query)
		}
	}
	if len(queries) == 0 {
		queries = []string{run.Query}
	}
	return capQueries(queries, p.cfg.MaxPlannedQueries), nil
}

// gather runs one search/summarize pass over the given sub-queries. Notes are
// appended in planned-query order so a given input sequence always yields the
// same note sequence.
func (p *Pipeline) gather(ctx context.Context, run *Run, queries []string) error {
	if err := p.transition(run, models.StageSearch); err != nil {
		return err
	}

	type resultSet struct {
		query   string
		results []models.SearchResult
	}
	var sets []resultSet
	for _, query := range queries {
		if run.Cancelled() {
			return errCancelled
		}
		results, err := p.search.Search(ctx, query)
		if err != nil {
			// Search failure is soft: skip this sub-query and keep going.
			p.logger.Warn("Skipping sub-query",
				slog.String("query", query),
				slog.String("err", err.Error()))
			continue
		}
		if len(results) == 0 {
			continue
		}
		sets = append(sets, resultSet{query: query, results: results})
	}

	if err := p.transition(run, models.StageSummarize); err != nil {
		return err
	}
	for _, set := range sets {
		if run.Cancelled() {
			return errCancelled
		}
		note, err := p.summarize(ctx, run, set.query, set.results)
		if err != nil {
			return err
		}
		run.addNote(note)
		p.emit(run, models.EventFrame(run.ChatID, models.EventResearchProgress, map[string]any{
			"status":      fmt.Sprintf("Summarized findings for %q", set.query),
			"notes_count": run.Snapshot().NotesCount,
		}))
	}
	return nil
}

func (p *Pipeline) summarize(
	ctx context.Context,
	run *Run,
	query string,
	results []models.SearchResult,
) (string, error) {
	msgs := []services.ChatMessage{
		{Role: "system", Content: summarizePrompt},
		{Role: "user", Content: fmt.Sprintf("Research topic: %s\n\nSub-query: %s\n\n%s",
			run.Query, query, formatResults(results))},
	}

	var summary summaryResponse
	err := p.withRetry(run, func() error {
		return p.gateway.CompleteStructured(ctx, services.RoleSummarization, msgs, "summary", summarySchema, &summary)
	})
	if err != nil {
		return "", err
	}

	note := summary.Summary
	if summary.KeyExcerpts != "" {
		note += "\n\nKey excerpts:\n" + summary.KeyExcerpts
	}
	return note, nil
}

// reflect asks the research model whether the notes suffice. It returns the
// next round of sub-queries, or nil when research should move on.
func (p *Pipeline) reflect(ctx context.Context, run *Run) ([]string, error) {
	if err := p.transition(run, models.StageReflect); err != nil {
		return nil, err
	}

	msgs := []services.ChatMessage{
		{Role: "system", Content: reflectPrompt},
		{Role: "user", Content: fmt.Sprintf("Original request: %s\n\nNotes so far:\n\n%s",
			run.Query, strings.Join(run.Notes(), "\n\n---\n\n"))},
	}

	var ref reflectResponse
	err := p.withRetry(run, func() error {
		return p.gateway.CompleteStructured(ctx, services.RoleResearch, msgs, "reflection", reflectSchema, &ref)
	})
	if err != nil {
		return nil, err
	}

	if ref.Sufficient {
		return nil, nil
	}
	return capQueries(ref.Queries, p.cfg.MaxPlannedQueries), nil
}

func (p *Pipeline) compress(ctx context.Context, run *Run) (string, error) {
	if err := p.transition(run, models.StageCompress); err != nil {
		return "", err
	}

	msgs := []services.ChatMessage{
		{Role: "system", Content: compressPrompt},
		{Role: "user", Content: fmt.Sprintf("Research request: %s\n\nNotes:\n\n%s",
			run.Query, strings.Join(run.Notes(), "\n\n---\n\n"))},
	}

	var findings string
	err := p.withRetry(run, func() error {
		var err error
		findings, err = p.gateway.Complete(ctx, services.RoleCompression, msgs)
		return err
	})
	return findings, err
}

// finalReport produces the report body, persists the report together with the
// completing assistant message in one write group, and only then emits the
// completion frames.
func (p *Pipeline) finalReport(ctx context.Context, run *Run, findings string) error {
	if err := p.transition(run, models.StageFinalReport); err != nil {
		return err
	}

	msgs := []services.ChatMessage{
		{Role: "system", Content: finalReportPrompt},
		{Role: "user", Content: fmt.Sprintf("Original request: %s\n\nCondensed findings:\n\n%s",
			run.Query, findings)},
	}

	var body string
	err := p.withRetry(run, func() error {
		var err error
		body, err = p.gateway.Complete(ctx, services.RoleFinalReport, msgs)
		return err
	})
	if err != nil {
		return err
	}

	if run.Cancelled() {
		return errCancelled
	}

	now := time.Now()
	content := renderReport(run, body, now)
	report := models.Report{
		Name:      models.ReportName(run.ID),
		ChatID:    run.ChatID,
		RunID:     run.ID,
		Content:   content,
		CreatedAt: now,
	}
	message := models.Message{
		ID:        uuid.New().String(),
		ChatID:    run.ChatID,
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: now,
	}
	if _, err := p.store.AddMessageWithReport(ctx, run.ChatID, message, report); err != nil {
		return err
	}
	run.setFinalReport(content)

	p.emit(run, models.EventFrame(run.ChatID, models.EventResearchCompleted, map[string]any{
		"report_name": report.Name,
	}))
	p.emit(run, models.MessageFrame(run.ChatID, models.RoleAssistant, content))
	return nil
}

// transition moves the run to the next stage and emits a state frame before
// the stage's first model call, so observers see progress even while calls
// are in flight.
func (p *Pipeline) transition(run *Run, stage models.Stage) error {
	if run.Cancelled() {
		return errCancelled
	}
	run.setStage(stage)
	p.emit(run, models.StateFrame(run.Snapshot()))
	return nil
}

func (p *Pipeline) terminate(run *Run, stage models.Stage, event string, data map[string]any) {
	run.setStage(stage)
	if event != "" {
		p.emit(run, models.EventFrame(run.ChatID, event, data))
	}
	p.emit(run, models.StateFrame(run.Snapshot()))
	run.finish(stage)
}

// withRetry runs op, retrying only upstream unavailability up to the fixed
// budget with doubling backoff. Rejections and malformed responses will not
// self-heal, so they surface immediately.
func (p *Pipeline) withRetry(run *Run, op func() error) error {
	delay := p.cfg.RetryBaseDelay
	var err error
	for attempt := 0; attempt <= retryBudget; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-run.cancelCh:
				return errCancelled
			}
			delay *= 2
		}
		err = op()
		if err == nil || !errors.Is(err, services.ErrUpstreamUnavailable) {
			return err
		}
		p.logger.Warn("Upstream unavailable, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("err", err.Error()))
	}
	return err
}

func (p *Pipeline) persistAssistant(ctx context.Context, run *Run, content string) error {
	_, err := p.store.AddMessage(ctx, run.ChatID, models.Message{
		ID:        uuid.New().String(),
		ChatID:    run.ChatID,
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	})
	return err
}

func (p *Pipeline) emit(run *Run, frame models.Frame) {
	run.frames <- frame
}

func transcriptFromHistory(history []models.Message) []services.ChatMessage {
	transcript := make([]services.ChatMessage, 0, len(history))
	for _, msg := range history {
		transcript = append(transcript, services.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return transcript
}

func withSystem(prompt string, transcript []services.ChatMessage) []services.ChatMessage {
	msgs := make([]services.ChatMessage, 0, len(transcript)+1)
	msgs = append(msgs, services.ChatMessage{Role: "system", Content: prompt})
	return append(msgs, transcript...)
}

func capQueries(queries []string, limit int) []string {
	if len(queries) > limit {
		return queries[:limit]
	}
	return queries
}

func formatResults(results []models.SearchResult) string {
	var sb strings.Builder
	for i, res := range results {
		fmt.Fprintf(&sb, "Result %d: %s\nURL: %s\n", i+1, res.Title, res.URL)
		content := res.Content
		if content == "" {
			content = res.Snippet
		}
		if len(content) > 8000 {
			content = content[:8000]
		}
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func renderReport(run *Run, body string, at time.Time) string {
	var sb strings.Builder
	sb.WriteString("# Research Report\n\n")
	fmt.Fprintf(&sb, "**Query**: %s\n\n", run.Query)
	fmt.Fprintf(&sb, "**Date**: %s\n\n", at.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "**Chat ID**: %s\n\n", run.ChatID)
	sb.WriteString("---\n\n")
	sb.WriteString(body)
	return sb.String()
}

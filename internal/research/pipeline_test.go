package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/deep-research-ui/internal/models"
	"github.com/MegaGrindStone/deep-research-ui/internal/services"
	goopenai "github.com/sashabaranov/go-openai"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []string

	clarifyResponses []clarifyResponse
	reflectResponses []reflectResponse
	planCompletion   *services.Completion
	toolsErrs        []error
	structuredErrs   map[string][]error
	completeErrs     map[services.Role][]error
	reportBody       string
}

func (g *fakeGateway) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *fakeGateway) countCalls(call string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (g *fakeGateway) Complete(_ context.Context, role services.Role, _ []services.ChatMessage) (string, error) {
	g.record("complete:" + string(role))

	g.mu.Lock()
	var err error
	if errs := g.completeErrs[role]; len(errs) > 0 {
		err = errs[0]
		g.completeErrs[role] = errs[1:]
	}
	g.mu.Unlock()
	if err != nil {
		return "", err
	}

	if role == services.RoleFinalReport {
		if g.reportBody != "" {
			return g.reportBody, nil
		}
		return "The answer, with sources.", nil
	}
	return "condensed findings", nil
}

func (g *fakeGateway) CompleteStructured(
	_ context.Context,
	_ services.Role,
	_ []services.ChatMessage,
	schemaName string,
	_ json.RawMessage,
	out any,
) error {
	g.record("structured:" + schemaName)

	g.mu.Lock()
	defer g.mu.Unlock()
	if errs := g.structuredErrs[schemaName]; len(errs) > 0 {
		err := errs[0]
		g.structuredErrs[schemaName] = errs[1:]
		return err
	}

	switch schemaName {
	case "clarification":
		resp := clarifyResponse{Verification: "Understood, starting research."}
		if len(g.clarifyResponses) > 0 {
			resp = g.clarifyResponses[0]
			g.clarifyResponses = g.clarifyResponses[1:]
		}
		*out.(*clarifyResponse) = resp
	case "summary":
		*out.(*summaryResponse) = summaryResponse{Summary: "a structured note"}
	case "reflection":
		resp := reflectResponse{Sufficient: true}
		if len(g.reflectResponses) > 0 {
			resp = g.reflectResponses[0]
			g.reflectResponses = g.reflectResponses[1:]
		}
		*out.(*reflectResponse) = resp
	}
	return nil
}

func (g *fakeGateway) CompleteWithTools(
	_ context.Context,
	role services.Role,
	_ []services.ChatMessage,
	_ []goopenai.Tool,
) (services.Completion, error) {
	g.record("tools:" + string(role))

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.toolsErrs) > 0 {
		err := g.toolsErrs[0]
		g.toolsErrs = g.toolsErrs[1:]
		return services.Completion{}, err
	}

	if g.planCompletion != nil {
		return *g.planCompletion, nil
	}
	return services.Completion{
		ToolCalls: []services.ToolCall{
			{Name: "web_search", Arguments: json.RawMessage(`{"query":"q1"}`)},
		},
	}, nil
}

type fakeSearcher struct {
	mu       sync.Mutex
	calls    []string
	errs     map[string]error
	onSearch func(query string)
}

func (s *fakeSearcher) Search(_ context.Context, query string) ([]models.SearchResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, query)
	s.mu.Unlock()

	if s.onSearch != nil {
		s.onSearch(query)
	}
	if err := s.errs[query]; err != nil {
		return nil, err
	}
	return []models.SearchResult{
		{Title: "Result for " + query, URL: "https://example.com", Content: "some content"},
	}, nil
}

func (s *fakeSearcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeStore struct {
	mu        sync.Mutex
	messages  map[string][]models.Message
	reports   map[string]models.Report
	reportErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: map[string][]models.Message{},
		reports:  map[string]models.Report{},
	}
}

func (s *fakeStore) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[chatID] = append(s.messages[chatID], message)
	return message.ID, nil
}

func (s *fakeStore) AddMessageWithReport(
	_ context.Context,
	chatID string,
	message models.Message,
	report models.Report,
) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reportErr != nil {
		return "", s.reportErr
	}
	s.reports[report.Name] = report
	message.ReportName = report.Name
	s.messages[chatID] = append(s.messages[chatID], message)
	return message.ID, nil
}

func (s *fakeStore) report(name string) (models.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[name]
	return r, ok
}

func testPipeline(g Gateway, s Searcher, st Store) *Pipeline {
	return NewPipeline(g, s, st, Config{
		AllowClarification: true,
		MaxIterations:      3,
		MaxPlannedQueries:  5,
		RetryBaseDelay:     time.Millisecond,
	}, discardLogger())
}

func drainFrames(run *Run) []models.Frame {
	var frames []models.Frame
	for frame := range run.Frames() {
		frames = append(frames, frame)
	}
	return frames
}

func stateStages(frames []models.Frame) []string {
	var stages []string
	for _, f := range frames {
		if f.Type == models.FrameState {
			stages = append(stages, f.Data["stage"].(string))
		}
	}
	return stages
}

func findEvent(frames []models.Frame, name string) (models.Frame, bool) {
	for _, f := range frames {
		if f.Type == models.FrameEvent && f.Event == name {
			return f, true
		}
	}
	return models.Frame{}, false
}

func TestPipelineHappyPath(t *testing.T) {
	gateway := &fakeGateway{
		planCompletion: &services.Completion{
			ToolCalls: []services.ToolCall{
				{Name: "web_search", Arguments: json.RawMessage(`{"query":"q1"}`)},
				{Name: "web_search", Arguments: json.RawMessage(`{"query":"q2"}`)},
			},
		},
	}
	searcher := &fakeSearcher{}
	store := newFakeStore()

	run := newRun("chat-1", "what is go?")
	history := []models.Message{{Role: models.RoleUser, Content: "what is go?"}}

	testPipeline(gateway, searcher, store).Execute(context.Background(), run, history)
	frames := drainFrames(run)

	if got := run.Stage(); got != models.StageDone {
		t.Fatalf("run.Stage() = %v, want done", got)
	}

	wantStages := []string{"clarify", "plan", "search", "summarize", "reflect", "compress", "final_report", "done"}
	if got := stateStages(frames); strings.Join(got, ",") != strings.Join(wantStages, ",") {
		t.Errorf("state stages = %v, want %v", got, wantStages)
	}

	if frames[0].Type != models.FrameEvent || frames[0].Event != models.EventResearchStarted {
		t.Errorf("first frame = %+v, want research_started event", frames[0])
	}
	completed, ok := findEvent(frames, models.EventResearchCompleted)
	if !ok {
		t.Fatal("no research_completed event emitted")
	}

	reportName := completed.Data["report_name"].(string)
	if want := models.ReportName(run.ID); reportName != want {
		t.Errorf("report name = %q, want %q", reportName, want)
	}
	report, ok := store.report(reportName)
	if !ok {
		t.Fatal("report not persisted")
	}

	// The last state frame's final_report must equal the stored report body.
	last := frames[len(frames)-1]
	if last.Type != models.FrameState {
		t.Fatalf("last frame = %+v, want state", last)
	}
	if got := last.Data["final_report"].(string); got != report.Content {
		t.Error("final_report in last state frame differs from stored report")
	}
	if got := last.Data["notes_count"].(int); got != 2 {
		t.Errorf("notes_count = %d, want 2", got)
	}

	msgs := store.messages["chat-1"]
	if len(msgs) != 1 {
		t.Fatalf("persisted %d assistant messages, want 1", len(msgs))
	}
	if msgs[0].ReportName != reportName {
		t.Errorf("message report name = %q, want %q", msgs[0].ReportName, reportName)
	}
	if msgs[0].Content != report.Content {
		t.Error("message content differs from stored report")
	}
}

func TestSearchFailuresAreSoft(t *testing.T) {
	gateway := &fakeGateway{
		planCompletion: &services.Completion{
			ToolCalls: []services.ToolCall{
				{Name: "web_search", Arguments: json.RawMessage(`{"query":"q1"}`)},
				{Name: "web_search", Arguments: json.RawMessage(`{"query":"q2"}`)},
				{Name: "web_search", Arguments: json.RawMessage(`{"query":"q3"}`)},
			},
		},
	}
	searcher := &fakeSearcher{
		errs: map[string]error{
			"q1": fmt.Errorf("%w: boom", services.ErrSearchUnavailable),
			"q3": fmt.Errorf("%w: boom", services.ErrSearchUnavailable),
		},
	}
	store := newFakeStore()

	run := newRun("chat-1", "query")
	testPipeline(gateway, searcher, store).Execute(context.Background(), run, nil)
	drainFrames(run)

	if got := run.Stage(); got != models.StageDone {
		t.Fatalf("run.Stage() = %v, want done", got)
	}
	if got := len(run.Notes()); got != 1 {
		t.Errorf("notes = %d, want 1 (from the single successful sub-query)", got)
	}
}

func TestPlanRejectionFailsWithoutSearch(t *testing.T) {
	gateway := &fakeGateway{
		toolsErrs: []error{fmt.Errorf("%w: bad schema", services.ErrUpstreamRejected)},
	}
	searcher := &fakeSearcher{}
	store := newFakeStore()

	run := newRun("chat-1", "query")
	testPipeline(gateway, searcher, store).Execute(context.Background(), run, nil)
	frames := drainFrames(run)

	if got := run.Stage(); got != models.StageFailed {
		t.Fatalf("run.Stage() = %v, want failed", got)
	}
	if got := gateway.countCalls("tools:research"); got != 1 {
		t.Errorf("plan attempts = %d, want 1 (rejections are not retried)", got)
	}
	if got := searcher.callCount(); got != 0 {
		t.Errorf("search calls = %d, want 0", got)
	}
	failed, ok := findEvent(frames, models.EventResearchFailed)
	if !ok {
		t.Fatal("no research_failed event emitted")
	}
	if failed.Data["error"].(string) == "" {
		t.Error("research_failed event has no cause")
	}
	if len(store.reports) != 0 {
		t.Error("failed run produced a report")
	}
}

func TestUnavailableIsRetried(t *testing.T) {
	gateway := &fakeGateway{
		toolsErrs: []error{
			fmt.Errorf("%w: timeout", services.ErrUpstreamUnavailable),
			fmt.Errorf("%w: timeout", services.ErrUpstreamUnavailable),
		},
	}
	store := newFakeStore()

	run := newRun("chat-1", "query")
	testPipeline(gateway, &fakeSearcher{}, store).Execute(context.Background(), run, nil)
	drainFrames(run)

	if got := run.Stage(); got != models.StageDone {
		t.Fatalf("run.Stage() = %v, want done after retries", got)
	}
	if got := gateway.countCalls("tools:research"); got != 3 {
		t.Errorf("plan attempts = %d, want 3", got)
	}
}

func TestUnavailableExhaustsRetryBudget(t *testing.T) {
	unavailable := fmt.Errorf("%w: timeout", services.ErrUpstreamUnavailable)
	gateway := &fakeGateway{
		toolsErrs: []error{unavailable, unavailable, unavailable},
	}
	store := newFakeStore()

	run := newRun("chat-1", "query")
	testPipeline(gateway, &fakeSearcher{}, store).Execute(context.Background(), run, nil)
	drainFrames(run)

	if got := run.Stage(); got != models.StageFailed {
		t.Fatalf("run.Stage() = %v, want failed", got)
	}
	if got := gateway.countCalls("tools:research"); got != 3 {
		t.Errorf("plan attempts = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestCancellationDuringSearch(t *testing.T) {
	gateway := &fakeGateway{
		planCompletion: &services.Completion{
			ToolCalls: []services.ToolCall{
				{Name: "web_search", Arguments: json.RawMessage(`{"query":"q1"}`)},
				{Name: "web_search", Arguments: json.RawMessage(`{"query":"q2"}`)},
			},
		},
	}
	store := newFakeStore()
	var run *Run
	searcher := &fakeSearcher{
		onSearch: func(string) { run.Cancel() },
	}
	run = newRun("chat-1", "query")

	testPipeline(gateway, searcher, store).Execute(context.Background(), run, nil)
	frames := drainFrames(run)

	if got := run.Stage(); got != models.StageCancelled {
		t.Fatalf("run.Stage() = %v, want cancelled", got)
	}
	if got := searcher.callCount(); got != 1 {
		t.Errorf("search calls = %d, want 1 (cancel takes effect at next checkpoint)", got)
	}
	if _, ok := findEvent(frames, models.EventResearchCancelled); !ok {
		t.Error("no research_cancelled event emitted")
	}
	if len(store.reports) != 0 {
		t.Error("cancelled run produced a report")
	}
	for _, f := range frames {
		if f.Type == models.FrameMessage {
			t.Errorf("cancelled run emitted a message frame: %+v", f)
		}
	}
}

func TestClarifyFollowUp(t *testing.T) {
	gateway := &fakeGateway{
		clarifyResponses: []clarifyResponse{
			{NeedClarification: true, Question: "Which aspect interests you?"},
			{Verification: "Got it."},
		},
	}
	store := newFakeStore()
	run := newRun("chat-1", "tell me about go")

	done := make(chan struct{})
	go func() {
		testPipeline(gateway, &fakeSearcher{}, store).Execute(context.Background(), run, nil)
		close(done)
	}()

	var frames []models.Frame
	sawQuestion := false
	timeout := time.After(5 * time.Second)
	for !sawQuestion {
		select {
		case frame := <-run.Frames():
			frames = append(frames, frame)
			if frame.Type == models.FrameEvent && frame.Event == models.EventClarificationNeeded {
				sawQuestion = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for clarification request")
		}
	}

	for i := 0; ; i++ {
		if run.deliverFollowUp("the concurrency model") {
			break
		}
		if i > 1000 {
			t.Fatal("follow-up never delivered")
		}
		time.Sleep(time.Millisecond)
	}

	for frame := range run.Frames() {
		frames = append(frames, frame)
	}
	<-done

	if got := run.Stage(); got != models.StageDone {
		t.Fatalf("run.Stage() = %v, want done", got)
	}

	// Two Clarify entries: the question round and the resolved re-entry.
	clarifies := 0
	for _, stage := range stateStages(frames) {
		if stage == "clarify" {
			clarifies++
		}
	}
	if clarifies != 2 {
		t.Errorf("clarify transitions = %d, want 2", clarifies)
	}

	msgs := store.messages["chat-1"]
	if len(msgs) < 1 || msgs[0].Content != "Which aspect interests you?" {
		t.Errorf("clarify question not persisted first, messages = %+v", msgs)
	}
}

func TestCancelDuringClarifyWait(t *testing.T) {
	gateway := &fakeGateway{
		clarifyResponses: []clarifyResponse{
			{NeedClarification: true, Question: "Which aspect?"},
		},
	}
	store := newFakeStore()
	run := newRun("chat-1", "query")

	done := make(chan struct{})
	go func() {
		testPipeline(gateway, &fakeSearcher{}, store).Execute(context.Background(), run, nil)
		close(done)
	}()

	go func() {
		// Let the run reach its suspension point, then cancel.
		time.Sleep(10 * time.Millisecond)
		run.Cancel()
	}()

	drainFrames(run)
	<-done

	if got := run.Stage(); got != models.StageCancelled {
		t.Errorf("run.Stage() = %v, want cancelled", got)
	}
}

func TestStoreWriteFailureFailsRun(t *testing.T) {
	gateway := &fakeGateway{}
	store := newFakeStore()
	store.reportErr = fmt.Errorf("%w: disk full", services.ErrStoreWrite)

	run := newRun("chat-1", "query")
	testPipeline(gateway, &fakeSearcher{}, store).Execute(context.Background(), run, nil)
	frames := drainFrames(run)

	if got := run.Stage(); got != models.StageFailed {
		t.Fatalf("run.Stage() = %v, want failed", got)
	}
	if _, ok := findEvent(frames, models.EventResearchFailed); !ok {
		t.Error("no research_failed event emitted")
	}
	for _, f := range frames {
		if f.Type == models.FrameMessage {
			t.Errorf("failed run emitted a completion message frame: %+v", f)
		}
	}
	if len(store.reports) != 0 {
		t.Error("failed run left a report behind")
	}
}

func TestIterationBudgetForcesCompression(t *testing.T) {
	gateway := &fakeGateway{
		reflectResponses: []reflectResponse{
			{Sufficient: false, Queries: []string{"more1"}},
			{Sufficient: false, Queries: []string{"more2"}},
			{Sufficient: false, Queries: []string{"more3"}},
		},
	}
	searcher := &fakeSearcher{}
	store := newFakeStore()

	run := newRun("chat-1", "query")
	testPipeline(gateway, searcher, store).Execute(context.Background(), run, nil)
	drainFrames(run)

	if got := run.Stage(); got != models.StageDone {
		t.Fatalf("run.Stage() = %v, want done (budget exhaustion must not fail)", got)
	}
	// MaxIterations 3: the loop gathers three times, reflecting twice.
	if got := gateway.countCalls("structured:reflection"); got != 2 {
		t.Errorf("reflections = %d, want 2", got)
	}
	if got := searcher.callCount(); got != 3 {
		t.Errorf("search calls = %d, want 3", got)
	}
}

package research

import (
	"sync"
	"time"

	"github.com/MegaGrindStone/deep-research-ui/internal/models"
	"github.com/google/uuid"
)

// Run is a single execution of the research pipeline for one chat. Its mutable
// fields are guarded by a mutex and published to observers only through
// immutable snapshots; cancellation is a one-way signal polled cooperatively
// by the pipeline at stage boundaries.
type Run struct {
	ID        string
	ChatID    string
	Query     string
	StartedAt time.Time

	mu          sync.Mutex
	stage       models.Stage
	notes       []string
	finalReport string

	cancelOnce sync.Once
	cancelCh   chan struct{}

	awaitingInput bool
	followUp      chan string

	frames chan models.Frame

	// onTerminal is set by the controller so a finished run releases its
	// chat's admission slot.
	onTerminal func(*Run)
}

func newRun(chatID, query string) *Run {
	return &Run{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Query:     query,
		StartedAt: time.Now(),
		stage:     models.StageClarify,
		cancelCh:  make(chan struct{}),
		followUp:  make(chan string, 1),
		frames:    make(chan models.Frame, 64),
	}
}

// Frames returns the run's output channel. The pipeline is the sole producer
// and closes the channel when the run reaches a terminal stage; the protocol
// gateway is the sole consumer.
func (r *Run) Frames() <-chan models.Frame {
	return r.frames
}

// Cancel marks the run for cancellation and wakes a Clarify suspension if one
// is in progress. The effect is taken at the next checkpoint; an in-flight
// model call is never force-terminated.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() {
		close(r.cancelCh)
	})
}

// Cancelled reports whether the run has been marked for cancellation.
func (r *Run) Cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// Snapshot returns an immutable view of the run's observable fields.
func (r *Run) Snapshot() models.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.RunSnapshot{
		RunID:         r.ID,
		ChatID:        r.ChatID,
		Stage:         r.stage,
		NotesCount:    len(r.notes),
		IsResearching: !r.stage.Terminal(),
		FinalReport:   r.finalReport,
	}
}

// Stage returns the run's current stage.
func (r *Run) Stage() models.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Notes returns a copy of the accumulated notes in arrival order.
func (r *Run) Notes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	notes := make([]string, len(r.notes))
	copy(notes, r.notes)
	return notes
}

func (r *Run) setStage(s models.Stage) {
	r.mu.Lock()
	r.stage = s
	r.mu.Unlock()
}

func (r *Run) addNote(note string) {
	r.mu.Lock()
	r.notes = append(r.notes, note)
	r.mu.Unlock()
}

func (r *Run) setFinalReport(report string) {
	r.mu.Lock()
	r.finalReport = report
	r.mu.Unlock()
}

// deliverFollowUp hands a user message to a run suspended in Clarify. It
// reports false when the run is not awaiting input, in which case the caller
// treats the message as a new admission attempt.
func (r *Run) deliverFollowUp(text string) bool {
	r.mu.Lock()
	waiting := r.awaitingInput
	r.mu.Unlock()
	if !waiting {
		return false
	}
	select {
	case r.followUp <- text:
		return true
	default:
		return false
	}
}

// awaitFollowUp suspends until a follow-up message or cancellation arrives.
func (r *Run) awaitFollowUp() (string, bool) {
	r.mu.Lock()
	r.awaitingInput = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.awaitingInput = false
		r.mu.Unlock()
	}()

	select {
	case text := <-r.followUp:
		return text, true
	case <-r.cancelCh:
		return "", false
	}
}

func (r *Run) finish(stage models.Stage) {
	r.setStage(stage)
	close(r.frames)
	if r.onTerminal != nil {
		r.onTerminal(r)
	}
}

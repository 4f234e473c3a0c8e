package research

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyRunning is returned by Admit when the chat already has a
// non-terminal run. Admission is rejected, never queued.
var ErrAlreadyRunning = errors.New("research already running for this chat")

// Controller maps each chat to its single active run. Admit is the sole
// serialization point for starting research: all transitions of the mapping
// happen under one mutex so two racing admissions for the same chat yield
// exactly one acceptance.
type Controller struct {
	mu   sync.Mutex
	runs map[string]*Run

	logger *slog.Logger
}

// NewController creates an empty run registry.
func NewController(logger *slog.Logger) *Controller {
	return &Controller{
		runs:   make(map[string]*Run),
		logger: logger.With(slog.String("module", "controller")),
	}
}

// Admit registers a new run for the chat, or rejects with ErrAlreadyRunning if
// one is active.
func (c *Controller) Admit(chatID, query string) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.runs[chatID]; ok {
		return nil, ErrAlreadyRunning
	}

	run := newRun(chatID, query)
	run.onTerminal = c.release
	c.runs[chatID] = run

	c.logger.Info("Run admitted",
		slog.String("chatID", chatID),
		slog.String("runID", run.ID))
	return run, nil
}

// FollowUp offers a user message to a run suspended in Clarify. It reports
// false when the chat has no active run or the run is not awaiting input.
func (c *Controller) FollowUp(chatID, text string) bool {
	c.mu.Lock()
	run := c.runs[chatID]
	c.mu.Unlock()

	if run == nil {
		return false
	}
	return run.deliverFollowUp(text)
}

// Cancel marks the chat's active run for cancellation. It reports whether a
// run was active. The mapping is released by the run itself once it reaches
// its terminal stage.
func (c *Controller) Cancel(chatID string) bool {
	c.mu.Lock()
	run := c.runs[chatID]
	c.mu.Unlock()

	if run == nil {
		return false
	}
	run.Cancel()
	c.logger.Info("Run cancelled",
		slog.String("chatID", chatID),
		slog.String("runID", run.ID))
	return true
}

// Active returns the chat's active run, or nil.
func (c *Controller) Active(chatID string) *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[chatID]
}

func (c *Controller) release(run *Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runs[run.ChatID] == run {
		delete(c.runs, run.ChatID)
	}
}

package models

// Stage is a named phase of the research pipeline.
type Stage string

const (
	// StageClarify is the optional opening phase where the research model may
	// ask the user clarifying questions before committing to a plan.
	StageClarify Stage = "clarify"
	// StagePlan decomposes the query into sub-queries.
	StagePlan Stage = "plan"
	// StageSearch runs the planned sub-queries against the search provider.
	StageSearch Stage = "search"
	// StageSummarize reduces each search result set to a structured note.
	StageSummarize Stage = "summarize"
	// StageReflect evaluates accumulated notes and may loop back to search.
	StageReflect Stage = "reflect"
	// StageCompress synthesizes all notes into a condensed finding set.
	StageCompress Stage = "compress"
	// StageFinalReport expands the condensed findings into the delivered report.
	StageFinalReport Stage = "final_report"

	// StageDone is the successful terminal stage.
	StageDone Stage = "done"
	// StageFailed is the terminal stage for unrecoverable failures.
	StageFailed Stage = "failed"
	// StageCancelled is the terminal stage for externally cancelled runs.
	StageCancelled Stage = "cancelled"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageDone, StageFailed, StageCancelled:
		return true
	}
	return false
}

// RunSnapshot is an immutable view of a run's observable fields, produced once
// per stage transition and handed to the protocol gateway. It is never mutated
// after construction.
type RunSnapshot struct {
	RunID         string
	ChatID        string
	Stage         Stage
	NotesCount    int
	IsResearching bool
	FinalReport   string
}

// IdleSnapshot is the snapshot sent to clients attached to a chat with no
// active run.
func IdleSnapshot(chatID string) RunSnapshot {
	return RunSnapshot{ChatID: chatID}
}

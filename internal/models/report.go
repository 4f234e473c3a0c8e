package models

import (
	"fmt"
	"time"
)

// Report is the durable artifact of a completed research run. Exactly one
// report exists per run that reaches completion, and it is written in the same
// store transaction as the assistant message that references it.
type Report struct {
	Name      string    `json:"name"`
	ChatID    string    `json:"chat_id"`
	RunID     string    `json:"run_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ReportName derives the stable artifact name for a run. The run identifier
// alone disambiguates reports, so the name never changes across fetches.
func ReportName(runID string) string {
	return fmt.Sprintf("report_%s.md", runID)
}

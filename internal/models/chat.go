package models

import "time"

// Chat represents a research conversation. It owns an ordered sequence of
// messages and is created when the first query of a new conversation arrives.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is an individual entry within a chat. Messages are immutable once
// persisted; an assistant message that delivered a completed research run
// carries the name of the report it references.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	ReportName string    `json:"report_name,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
)

package models

// Frame kinds carried over the streaming protocol. Message frames travel in
// both directions, event and state frames are outbound only, and select_chat
// is inbound only.
const (
	FrameMessage    = "message"
	FrameEvent      = "event"
	FrameState      = "state"
	FrameSelectChat = "select_chat"
)

// Named lifecycle events sent to attached clients.
const (
	EventResearchStarted     = "research_started"
	EventResearchProgress    = "research_progress"
	EventResearchCompleted   = "research_completed"
	EventResearchFailed      = "research_failed"
	EventResearchCancelled   = "research_cancelled"
	EventRunRejected         = "run_rejected"
	EventClarificationNeeded = "clarification_needed"
)

// Frame is one unit of the streaming protocol. It is a tagged union on Type:
// message frames use Sender/Text/ChatID, event frames use Event/Data, state
// frames use Data, and select_chat frames use ChatID. Frames are transient and
// never persisted.
type Frame struct {
	Type string `json:"type"`

	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`
	ChatID string `json:"chat_id,omitempty"`

	Event string         `json:"event,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// MessageFrame builds a chat-content frame.
func MessageFrame(chatID string, role Role, text string) Frame {
	return Frame{
		Type:   FrameMessage,
		Sender: string(role),
		Text:   text,
		ChatID: chatID,
	}
}

// EventFrame builds a lifecycle-signal frame. The chat ID routes the frame to
// the chat's listeners but named event payloads live in Data.
func EventFrame(chatID, event string, data map[string]any) Frame {
	return Frame{
		Type:   FrameEvent,
		ChatID: chatID,
		Event:  event,
		Data:   data,
	}
}

// StateFrame builds a full-snapshot frame from an immutable run snapshot.
func StateFrame(s RunSnapshot) Frame {
	data := map[string]any{
		"chat_id":        s.ChatID,
		"stage":          string(s.Stage),
		"notes_count":    s.NotesCount,
		"is_researching": s.IsResearching,
	}
	if s.FinalReport != "" {
		data["final_report"] = s.FinalReport
	}
	return Frame{
		Type:   FrameState,
		ChatID: s.ChatID,
		Data:   data,
	}
}

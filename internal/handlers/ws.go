package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/deep-research-ui/internal/models"
	"github.com/MegaGrindStone/deep-research-ui/internal/research"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn is one client connection. The write mutex serializes frames from the
// read loop and the broadcast fan-out; chatID is guarded by Main.mu.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	chatID string
}

func (wc *wsConn) writeRaw(data []byte) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	return wc.conn.WriteMessage(websocket.TextMessage, data)
}

func (wc *wsConn) writeFrame(frame models.Frame) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	return wc.conn.WriteJSON(frame)
}

// HandleWS upgrades the request to a websocket connection and runs its read
// loop. A connection is attached to at most one chat at a time; select_chat
// frames change the attachment and user message frames start or feed research
// runs.
func (m *Main) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		return
	}

	wc := &wsConn{conn: conn}
	m.mu.Lock()
	m.conns[wc] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.conns, wc)
		m.mu.Unlock()
		conn.Close()
	}()

	if chatID := r.URL.Query().Get("chat_id"); chatID != "" {
		m.selectChat(wc, chatID)
	}

	for {
		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Debug("Connection closed", slog.String(errLoggerKey, err.Error()))
			}
			return
		}

		switch frame.Type {
		case models.FrameSelectChat:
			if frame.ChatID != "" {
				m.selectChat(wc, frame.ChatID)
			}
		case models.FrameMessage:
			if frame.Sender != string(models.RoleUser) {
				continue
			}
			m.handleUserMessage(wc, frame)
		}
	}
}

// selectChat re-attaches the connection and answers with the chat's current
// state snapshot: the live run's if one is active, idle otherwise. Missed
// events are never replayed; reconnection re-synchronizes from the snapshot.
func (m *Main) selectChat(wc *wsConn, chatID string) {
	m.mu.Lock()
	wc.chatID = chatID
	m.mu.Unlock()

	snapshot := models.IdleSnapshot(chatID)
	if run := m.controller.Active(chatID); run != nil {
		snapshot = run.Snapshot()
	}
	if err := wc.writeFrame(models.StateFrame(snapshot)); err != nil {
		m.logger.Debug("Failed to write state snapshot", slog.String(errLoggerKey, err.Error()))
	}
}

// handleUserMessage routes one inbound user message: into the chat's active
// run when it awaits a Clarify follow-up, otherwise through admission. A
// rejected admission surfaces as a run_rejected event rather than silently
// dropping the query.
func (m *Main) handleUserMessage(wc *wsConn, frame models.Frame) {
	ctx := context.Background()

	text := strings.TrimSpace(frame.Text)
	if text == "" {
		_ = wc.writeFrame(models.MessageFrame(frame.ChatID, models.RoleAssistant,
			"Please provide a research query."))
		return
	}

	chatID := frame.ChatID
	if chatID == "" {
		m.mu.Lock()
		chatID = wc.chatID
		m.mu.Unlock()
	}
	if chatID == "" {
		chat, err := m.createChat(ctx, text)
		if err != nil {
			m.logger.Error("Failed to create chat", slog.String(errLoggerKey, err.Error()))
			_ = wc.writeFrame(models.MessageFrame("", models.RoleAssistant,
				"Failed to create a new chat."))
			return
		}
		chatID = chat.ID
	}
	m.selectChat(wc, chatID)

	if _, err := m.store.AddMessage(ctx, chatID, models.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}); err != nil {
		m.logger.Error("Failed to add user message",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		_ = wc.writeFrame(models.MessageFrame(chatID, models.RoleAssistant,
			"Failed to save your message."))
		return
	}
	m.broadcast(chatID, models.MessageFrame(chatID, models.RoleUser, text))

	// A run suspended in Clarify gets the message as its follow-up; only when
	// no run is waiting does the message compete for a new admission.
	if m.controller.FollowUp(chatID, text) {
		return
	}

	history, err := m.store.Messages(ctx, chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	run, err := m.controller.Admit(chatID, text)
	if err != nil {
		if errors.Is(err, research.ErrAlreadyRunning) {
			_ = wc.writeFrame(models.EventFrame(chatID, models.EventRunRejected, map[string]any{
				"reason": "already_running",
			}))
			return
		}
		m.logger.Error("Failed to admit run",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	go m.runFrames(run)
	go m.runner.Execute(context.Background(), run, history)
}

func (m *Main) createChat(ctx context.Context, query string) (models.Chat, error) {
	now := time.Now()
	chat := models.Chat{
		ID:        uuid.New().String(),
		Title:     truncateTitle(query),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := m.store.AddChat(ctx, chat); err != nil {
		return models.Chat{}, err
	}
	m.publishChats(chat)

	if m.titleGen != nil {
		go m.generateChatTitle(chat, query)
	}
	return chat, nil
}

// generateChatTitle asynchronously replaces the truncated query title. A
// failed generation leaves the truncated title in place.
func (m *Main) generateChatTitle(chat models.Chat, query string) {
	title, err := m.titleGen.GenerateTitle(context.Background(), query)
	if err != nil {
		m.logger.Error("Error generating chat title",
			slog.String("chatID", chat.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}

	chat.Title = title
	if err := m.store.UpdateChat(context.Background(), chat); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String("chatID", chat.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	m.publishChats(chat)
}

func truncateTitle(query string) string {
	runes := []rune(query)
	if len(runes) <= 50 {
		return query
	}
	return string(runes[:50]) + "..."
}

package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/deep-research-ui/internal/models"
	"github.com/MegaGrindStone/deep-research-ui/internal/services"
	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

var reportMarkdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("github"),
		),
	),
)

// HandleListChats serves all chats ordered by most recent update.
func (m *Main) HandleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// HandleCreateChat creates an empty chat with an optional title.
func (m *Main) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	// An empty request body is fine; the title just defaults.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Title == "" {
		body.Title = "New Research"
	}

	now := time.Now()
	chat := models.Chat{
		ID:        uuid.New().String(),
		Title:     body.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := m.store.AddChat(r.Context(), chat); err != nil {
		m.logger.Error("Failed to add chat", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.publishChats(chat)

	writeJSON(w, http.StatusOK, chat)
}

// HandleChatMessages serves one chat's messages in chronological order.
func (m *Main) HandleChatMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// HandleDeleteChat deletes a chat, cancelling its active run first. Messages
// cascade; previously written reports stay addressable.
func (m *Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	m.controller.Cancel(chatID)

	if err := m.store.DeleteChat(r.Context(), chatID); err != nil {
		m.logger.Error("Failed to delete chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.publishChats(models.Chat{ID: chatID})

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleReport serves a report artifact by name: raw markdown by default, or
// rendered HTML with format=html.
func (m *Main) HandleReport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	report, err := m.store.Report(r.Context(), name)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			http.Error(w, "Report not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to load report",
			slog.String("name", name),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "html" {
		var buf bytes.Buffer
		if err := reportMarkdown.Convert([]byte(report.Content), &buf); err != nil {
			m.logger.Error("Failed to render report",
				slog.String("name", name),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = buf.WriteTo(w)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Name))
	_, _ = w.Write([]byte(report.Content))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

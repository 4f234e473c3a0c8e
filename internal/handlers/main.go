package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/deep-research-ui/internal/models"
	"github.com/MegaGrindStone/deep-research-ui/internal/research"
	"github.com/gorilla/websocket"
	"github.com/tmaxmax/go-sse"
)

// Store defines the persistence surface the gateway reads and writes.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, chatID string) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)

	Report(ctx context.Context, name string) (models.Report, error)
}

// TitleGenerator derives a chat title from its opening query.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, query string) (string, error)
}

// Runner executes admitted research runs; satisfied by *research.Pipeline.
type Runner interface {
	Execute(ctx context.Context, run *research.Run, history []models.Message)
}

const errLoggerKey = "err"

const chatsSSETopic = "chats"

func chatTopic(chatID string) string {
	return "chat-" + chatID
}

// Main multiplexes the streaming protocol onto per-client websocket
// connections, fans active runs' frames to every connection attached to the
// run's chat, and serves the chat management REST surface. A read-only SSE
// stream mirrors the same frames per chat for passive observers.
type Main struct {
	sseSrv   *sse.Server
	upgrader websocket.Upgrader

	store      Store
	controller *research.Controller
	runner     Runner
	titleGen   TitleGenerator

	logger *slog.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// NewMain creates a Main instance over the given collaborators. The SSE server
// subscribes every session to the chat-list topic plus, when requested, one
// chat's frame topic.
func NewMain(
	store Store,
	controller *research.Controller,
	runner Runner,
	titleGen TitleGenerator,
	logger *slog.Logger,
) *Main {
	return &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				chatID := s.Req.URL.Query().Get("chat_id")
				if chatID != "" {
					topics = append(topics, chatTopic(chatID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		store:      store,
		controller: controller,
		runner:     runner,
		titleGen:   titleGen,
		logger:     logger.With(slog.String("module", "handlers")),
		conns:      make(map[*wsConn]struct{}),
	}
}

// HandleSSE serves the read-only observer stream.
func (m *Main) HandleSSE() *sse.Server {
	return m.sseSrv
}

// runFrames drains one run's frame channel, broadcasting each frame to the
// chat's listeners. The pipeline has already persisted any durable output
// before emitting, so a reconnecting client can always recover it from
// history.
func (m *Main) runFrames(run *research.Run) {
	for frame := range run.Frames() {
		m.broadcast(frame.ChatID, frame)
	}
}

func (m *Main) broadcast(chatID string, frame models.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Error("Failed to marshal frame", slog.String(errLoggerKey, err.Error()))
		return
	}

	m.mu.Lock()
	var targets []*wsConn
	for wc := range m.conns {
		if wc.chatID == chatID {
			targets = append(targets, wc)
		}
	}
	m.mu.Unlock()

	for _, wc := range targets {
		if err := wc.writeRaw(data); err != nil {
			m.logger.Debug("Failed to write frame to connection",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	msg := &sse.Message{Type: sse.Type(frame.Type)}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg, chatTopic(chatID)); err != nil {
		m.logger.Debug("Failed to publish frame", slog.String(errLoggerKey, err.Error()))
	}
}

// publishChats notifies chat-list observers of a created, retitled or deleted
// chat.
func (m *Main) publishChats(chat models.Chat) {
	data, err := json.Marshal(chat)
	if err != nil {
		return
	}
	msg := &sse.Message{Type: sse.Type(chatsSSETopic)}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg, chatsSSETopic); err != nil {
		m.logger.Debug("Failed to publish chat list update", slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the SSE side of the gateway. It broadcasts a
// close message to all connected clients and waits up to 5 seconds for
// connections to terminate.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sleeptime/nexus/internal/chatloop"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
)

// wsHandler upgrades HTTP connections to the chat WebSocket surface: one
// send_message event in, a stream of stream_chunk events out per turn.
type wsHandler struct {
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newWSHandler(deps Deps, logger *slog.Logger) http.Handler {
	return &wsHandler{
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &wsSession{
		deps:   h.deps,
		logger: h.logger,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	sess.run()
}

// wsClientFrame is the one event shape the client sends.
type wsClientFrame struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// wsServerFrame wraps a chunk in the stream_chunk event envelope.
type wsServerFrame struct {
	Event string  `json:"event"`
	Chunk wsChunk `json:"chunk"`
}

// wsChunk is one record of a streamed response, matching the wire contract
// a GUI client expects: type discriminates what Content holds.
type wsChunk struct {
	Type       string `json:"type"`
	Content    any    `json:"content"`
	IsComplete bool   `json:"is_complete"`
	Timestamp  string `json:"timestamp"`
}

type wsSession struct {
	deps   Deps
	logger *slog.Logger
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

func (s *wsSession) run() {
	defer s.close()
	go s.pingLoop()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.cancel()
	close(s.send)
	_ = s.conn.Close()
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wsClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendChunk(wsChunk{Type: "error", Content: "invalid frame: " + err.Error(), IsComplete: true})
			continue
		}
		if frame.Event != "send_message" {
			s.sendChunk(wsChunk{Type: "error", Content: "unsupported event: " + frame.Event, IsComplete: true})
			continue
		}

		s.handleSendMessage(frame.Message)
	}
}

// handleSendMessage runs one chat turn to completion, translating each
// TransportChunk the loop emits into a stream_chunk event as it arrives.
// RunTurn runs under s.ctx. When the client disconnects mid-turn, the next
// write in writeLoop fails and writeLoop cancels s.ctx, which stops RunTurn
// and ends this loop.
func (s *wsSession) handleSendMessage(message string) {
	for chunk := range s.deps.Loop.RunTurn(s.ctx, s.deps.Conversation, message) {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.sendChunk(toWSChunk(chunk))
	}
}

func toWSChunk(chunk chatloop.TransportChunk) wsChunk {
	out := wsChunk{IsComplete: chunk.IsComplete, Timestamp: nowRFC3339()}
	switch chunk.Kind {
	case chatloop.TransportContent:
		out.Type = "content"
		out.Content = chunk.Content
	case chatloop.TransportThinking:
		out.Type = "thinking"
		out.Content = chunk.Thinking
	case chatloop.TransportToolCall:
		out.Type = "tool_call"
		out.Content = chunk.ToolCall
	case chatloop.TransportToolResult:
		out.Type = "tool_result"
		out.Content = chunk.ToolResult
	case chatloop.TransportError:
		out.Type = "error"
		out.Content = chunk.Err
	default:
		// the IsComplete-only sentinel chunk RunTurn emits at turn end
		out.Type = "content"
		out.Content = ""
	}
	return out
}

func (s *wsSession) sendChunk(chunk wsChunk) {
	if chunk.Timestamp == "" {
		chunk.Timestamp = nowRFC3339()
	}
	data, err := json.Marshal(wsServerFrame{Event: "stream_chunk", Chunk: chunk})
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := s.conn.WriteMessage(websocket.TextMessage, msg)
			s.writeMu.Unlock()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

// pingLoop keeps the connection alive and lets a client observe liveness
// between turns via the same chunk shape it already parses, mirroring
// spec's "ping" chunk type.
func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sendChunk(wsChunk{Type: "ping", Content: "", IsComplete: false})
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

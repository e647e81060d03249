package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	streamBuffer   = 256
	maxInboundSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// hub fans task events out to attached websocket streams. Each stream
// has a buffered channel; a stream that falls behind loses events
// rather than stalling the loop.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan []byte]struct{})}
}

func (h *hub) subscribe(taskID string) chan []byte {
	ch := make(chan []byte, streamBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[chan []byte]struct{})
	}
	h.subs[taskID][ch] = struct{}{}
	return ch
}

func (h *hub) unsubscribe(taskID string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[taskID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; ok {
		delete(subs, ch)
		close(ch)
	}
	if len(subs) == 0 {
		delete(h.subs, taskID)
	}
}

func (h *hub) watched(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID]) > 0
}

func (h *hub) publish(taskID string, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[taskID] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// close ends every stream attached to a task.
func (h *hub) close(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[taskID] {
		close(ch)
	}
	delete(h.subs, taskID)
}

// handleTaskEvents upgrades to a websocket and streams the task's
// events as JSON messages until its loop returns. A task that has
// already finished gets its final status and an immediate close.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.Status(r.Context(), id)
	if err != nil {
		s.lookupError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "task_id", id, "error", err)
		return
	}
	defer conn.Close()

	var ch chan []byte
	if !st.Terminal() {
		ch = s.hub.subscribe(id)
		defer s.hub.unsubscribe(id, ch)
		// The loop may have returned between the lookup and the
		// subscription; re-check so the stream is not left open.
		if st, err = s.Status(r.Context(), id); err == nil && st.Terminal() {
			ch = nil
		}
	}
	if ch == nil {
		s.writeFinal(conn, st)
		return
	}

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, ch, done)

	if final, err := s.Status(r.Context(), id); err == nil && final.Terminal() {
		s.writeFinal(conn, final)
	}
}

// readPump discards client messages and signals done when the peer
// goes away.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards events until the task's stream closes or the peer
// disconnects, pinging to keep intermediaries from dropping the
// connection.
func (s *Server) writePump(conn *websocket.Conn, ch <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// writeFinal sends the terminal status followed by a normal close.
func (s *Server) writeFinal(conn *websocket.Conn, st TaskStatus) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(map[string]any{"kind": "status", "status": st}); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, st.State))
}

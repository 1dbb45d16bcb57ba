package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// eventHub fans pool events out to websocket clients. A client that
// cannot keep up is evicted rather than allowed to stall the rest.
type eventHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[chan []byte]struct{}
	done    chan struct{}
	once    sync.Once
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		logger:  logger,
		clients: make(map[chan []byte]struct{}),
		done:    make(chan struct{}),
	}
}

func (h *eventHub) register() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unregister(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *eventHub) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal event", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			delete(h.clients, ch)
			close(ch)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

func (h *eventHub) stop() {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		for ch := range h.clients {
			delete(h.clients, ch)
			close(ch)
		}
		h.mu.Unlock()
	})
}

func (s *Server) acceptWS(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	return websocket.Accept(w, r, opts)
}

// handleEvents streams pool events as JSON text frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.acceptWS(w, r)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	ch := s.hub.register()
	defer s.hub.unregister(ch)

	// drain client frames so pings are answered
	readCtx, cancelRead := context.WithCancel(r.Context())
	defer cancelRead()
	go func() {
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				cancelRead()
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutdown")
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			err := conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-readCtx.Done():
			return
		case <-s.hub.done:
			conn.Close(websocket.StatusGoingAway, "server shutdown")
			return
		}
	}
}

// handleConsole is an interactive session bound to one link: each text
// frame is sent to the device and the response comes back as a frame.
// Sending "quit" ends the session.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	l, ok := s.pool.Link(r.PathValue("id"))
	if !ok {
		http.Error(w, "link not found", http.StatusNotFound)
		return
	}

	conn, err := s.acceptWS(w, r)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.logger.Info("console session opened", "link", l.ID())
	defer s.logger.Info("console session closed", "link", l.ID())

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(string(data))
		if cmd == "" {
			continue
		}
		if cmd == "quit" {
			return
		}

		out, err := l.Send(cmd, s.opTimeout)
		if err != nil {
			out = "error: " + err.Error() + "\n"
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		werr := conn.Write(ctx, websocket.MessageText, []byte(out))
		cancel()
		if werr != nil {
			return
		}
	}
}

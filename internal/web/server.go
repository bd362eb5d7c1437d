// Package web exposes the shared agent session over WebSocket. Every
// connected client sees the same conversation: history replays on
// connect, then live output fans out to all.
package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/frontic/frontic/internal/config"
	"github.com/frontic/frontic/internal/logger"
	"github.com/frontic/frontic/internal/protocol"
	"github.com/frontic/frontic/internal/queue"
	"github.com/frontic/frontic/internal/session"
)

var errClientGone = errors.New("client disconnected during replay")

// SessionDriver is the agent session as the transport sees it.
type SessionDriver interface {
	Start(ctx context.Context, conf *protocol.Configuration) error
	Initialized() bool
	Interrupt() error
	TranscriptPath() string
}

// Server accepts WebSocket connections and bridges them to the session
// driver.
type Server struct {
	cfg        *config.Config
	hub        *Hub
	queue      *queue.Queue
	driver     SessionDriver
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates the WebSocket server
func NewServer(cfg *config.Config, hub *Hub, q *queue.Queue, driver SessionDriver) *Server {
	s := &Server{
		cfg:    cfg,
		hub:    hub,
		queue:  q,
		driver: driver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving connections until Shutdown.
func (s *Server) Start() error {
	logger.Info("Listening on %s", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleWebSocket upgrades the connection and joins it to the session.
// History replays before the client starts receiving live broadcasts
// so it always observes the conversation in order.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(s.hub, conn, s)
	logger.Info("Client connected: %s", client.ID)

	go client.WritePump()
	s.replayHistory(client)
	s.hub.Register(client)
	client.ReadPump()

	logger.Info("Client disconnected: %s", client.ID)
}

// replayHistory streams the persisted transcript to a newly connected
// client. Replay failures are logged, not fatal: the client still
// joins the live session.
func (s *Server) replayHistory(client *Client) {
	path := s.driver.TranscriptPath()
	if path == "" {
		return
	}

	count := 0
	err := session.ReplayTranscript(path, func(line []byte) error {
		frame := append([]byte(nil), line...)
		select {
		case client.send <- frame:
			count++
			return nil
		case <-client.done:
			return errClientGone
		}
	})
	if err != nil {
		logger.Warn("History replay for %s stopped: %v", client.ID, err)
		return
	}
	if count > 0 {
		logger.Debug("Replayed %d transcript lines to %s", count, client.ID)
	}
}

package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/frontic/frontic/internal/logger"
	"github.com/frontic/frontic/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. User messages may carry
	// base64 image attachments.
	maxMessageSize = 16 * 1024 * 1024
)

// Client represents a WebSocket client
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	srv  *Server
	// closed when WritePump exits so history replay never blocks on a
	// dead connection
	done chan struct{}
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, srv *Server) *Client {
	id, err := generateClientID()
	if err != nil {
		id = fmt.Sprintf("client-%d", time.Now().UnixNano())
	}

	return &Client{
		ID:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
		srv:  srv,
		done: make(chan struct{}),
	}
}

// ReadPump pumps frames from the WebSocket connection into the session
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket read error: %v", err)
			}
			break
		}

		c.handleFrame(message)
	}
}

// WritePump pumps frames from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Error("Failed to write frame: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame routes one inbound frame. Malformed frames and protocol
// violations answer this client only; valid input joins the shared
// queue.
func (c *Client) handleFrame(raw []byte) {
	env, err := protocol.ParseInbound(raw)
	if err != nil {
		logger.Warn("Rejecting frame from %s: %v", c.ID, err)
		c.sendFrame(protocol.ErrorFrame(err.Error()))
		return
	}

	switch env.Type {
	case protocol.TypeInitialize:
		if err := c.srv.driver.Start(context.Background(), env.Config); err != nil {
			c.sendFrame(protocol.ErrorFrame(err.Error()))
		}

	case protocol.TypeInterrupt:
		if err := c.srv.driver.Interrupt(); err != nil {
			c.sendFrame(protocol.ErrorFrame(err.Error()))
		}

	case protocol.TypeUserMessage, protocol.TypeAskUserQuestionResponse:
		if !c.srv.driver.Initialized() {
			c.sendFrame(protocol.ErrorFrame("session not initialized"))
			return
		}
		c.srv.queue.Push(env)
	}
}

// sendFrame sends a frame to this client only
func (c *Client) sendFrame(frame []byte) {
	select {
	case c.send <- frame:
	default:
		logger.Warn("Client send channel full, dropping frame")
	}
}

// generateClientID generates a random client ID
func generateClientID() (string, error) {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

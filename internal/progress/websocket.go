package progress

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open progress transport yielding raw event payloads
type Conn interface {
	// ReadMessage blocks for the next payload. A clean close by the peer is io.EOF.
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a progress transport for a session
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// WebSocketDialer dials the backend's per-session progress websocket
type WebSocketDialer struct {
	// URL maps a session id to its websocket address
	URL    func(sessionID string) string
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial connects to the progress websocket of sessionID
func (d *WebSocketDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	if d.URL == nil {
		return nil, fmt.Errorf("websocket dialer has no URL resolver")
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL(sessionID), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to WebSocket (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	return &wsConn{conn: conn}, nil
}

// wsConn adapts a gorilla websocket connection to Conn
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	// Best effort close frame; the peer may already be gone.
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

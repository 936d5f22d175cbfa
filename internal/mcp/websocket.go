package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/toolwire/internal/httpkit"
)

// WebSocketConn carries one protocol message per WebSocket text message.
// WebSocket already preserves message boundaries, so no additional
// framing is applied.
type WebSocketConn struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket connects to a tool server at a ws:// or wss:// URL.
// Transient dial failures are retried briefly before giving up. A
// rejected upgrade reports the server's status and a prefix of its body.
func DialWebSocket(ctx context.Context, url string, headers map[string]string, maxFrame int) (*WebSocketConn, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}

	dialer := httpkit.NewWebSocketDialer()
	h := httpkit.Headers(headers)

	var conn *websocket.Conn
	err := httpkit.Retry(ctx, httpkit.DefaultRetryCount, httpkit.DefaultRetryDelay, nil, func() error {
		c, resp, err := dialer.DialContext(ctx, url, h)
		if err != nil {
			if resp != nil {
				body := httpkit.ReadErrorBody(resp.Body, 512)
				return fmt.Errorf("dial %s: %w (HTTP %d: %s)", url, err, resp.StatusCode, strings.TrimSpace(body))
			}
			return fmt.Errorf("dial %s: %w", url, err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(int64(maxFrame))

	return NewWebSocketConn(conn), nil
}

// NewWebSocketConn wraps an established connection.
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

// ReadMessage implements Conn. Binary messages are accepted as well as
// text messages.
func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage implements Conn.
func (c *WebSocketConn) WriteMessage(payload []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a close frame and closes the connection. It is idempotent.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		// WriteControl is safe to call concurrently with WriteMessage.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

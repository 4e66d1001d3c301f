package ws

import (
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// Metric streams are bursty; a stalled peer must not pin the write pump
// longer than this before the connection is abandoned.
const clientWriteTimeout = 10 * time.Second

// Client wraps one websocket subscriber connection.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one event frame. The write is bounded by clientWriteTimeout;
// on any failure the connection is closed and the error returned so the
// caller drops the subscription.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close sends a close frame so well-behaved clients stop retrying, then
// tears the connection down.
func (c *Client) Close() {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
}

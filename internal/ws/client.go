package ws

import (
	"log/slog"

	"github.com/gorilla/websocket"
)

// Client adapts a websocket connection to the hub's Subscriber interface,
// carrying telemetry broadcasts to one dashboard connection.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one broadcast payload as a text message. A write failure closes
// the connection; the hub drops the subscriber on the returned error.
func (c *Client) Send(payload []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}

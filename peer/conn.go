package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is the websocket transport behind a Client. Writes are
// serialized; gorilla allows one concurrent writer only.
type Conn struct {
	writeMu sync.Mutex
	ws      *websocket.Conn
	log     *slog.Logger
}

var _ Transport = (*Conn)(nil)

// Dial connects to the relay, declaring the client protocol version in
// the query string so the relay can gate admission before the first
// frame.
func Dial(ctx context.Context, relayURL string, version int, log *slog.Logger) (*Conn, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(version))
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", u.Host, err)
	}
	return &Conn{ws: ws, log: log}, nil
}

func (c *Conn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// ReadLoop feeds every inbound frame into the client until the
// connection drops or the context ends. It closes the socket on the
// way out.
func (c *Conn) ReadLoop(ctx context.Context, client *Client) error {
	defer c.ws.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.ws.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("relay connection lost: %w", err)
		}
		if err := client.Handle(ctx, frame); err != nil {
			c.log.Warn("Frame handling failed", "error", err)
		}
	}
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}

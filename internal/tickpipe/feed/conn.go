package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
)

// ErrConnectionClosed is returned by Subscriber.Run when the feed goes away
// without being asked to.
var ErrConnectionClosed = errors.New("feed connection closed")

// CloseError carries the close frame the server sent, if any.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("feed closed: code=%d reason=%q", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Conn is one websocket session with the feed. It is not safe for
// concurrent writers; the subscriber owns it.
type Conn struct {
	ws  *websocket.Conn
	cfg Config
}

// Dial opens the socket. The token, when set, goes in the query string.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("feed url: %w", err)
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}

	d := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	ws, resp, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("feed dial %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("feed dial %s: %w", u.Host, err)
	}
	return &Conn{ws: ws, cfg: cfg}, nil
}

func (c *Conn) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) Subscribe(symbol string) error {
	return c.send(model.Control{Type: model.TypeSubscribe, Symbol: symbol})
}

func (c *Conn) Unsubscribe(symbol string) error {
	return c.send(model.Control{Type: model.TypeUnsubscribe, Symbol: symbol})
}

// Read blocks for the next text or binary frame. A close from the peer comes
// back as *CloseError.
func (c *Conn) Read() ([]byte, error) {
	if c.cfg.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	_, b, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text, Err: err}
		}
		return nil, err
	}
	return b, nil
}

// Close sends a normal close frame and tears the socket down.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// abort drops the socket without a handshake; used to unblock Read.
func (c *Conn) abort() {
	_ = c.ws.Close()
}

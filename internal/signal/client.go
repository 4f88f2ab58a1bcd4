package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

// Close codes used by the relay to refuse a session.
const (
	CloseUnauthorized = 4001
	CloseRoomFull     = 4003
)

const writeWait = 5 * time.Second

var errClosed = errors.New("signaling channel closed")

// Dialer opens signaling channels against one relay.
type Dialer struct {
	baseURL    string
	cookieName string
	token      string
	pingPeriod time.Duration
	ws         *websocket.Dialer
}

// NewDialer creates a Dialer. signalURL is the relay root, ex: wss://host:8443.
func NewDialer(signalURL, cookieName, token string, pingPeriod time.Duration) *Dialer {
	return &Dialer{
		baseURL:    strings.TrimRight(signalURL, "/"),
		cookieName: cookieName,
		token:      token,
		pingPeriod: pingPeriod,
		ws:         websocket.DefaultDialer,
	}
}

var _ domain.SignalDialer = (*Dialer)(nil)

// RoomURL returns the websocket URL for a room under base + prefix.
func RoomURL(base, prefix, room string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse signal url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = u.Path + prefix + url.PathEscape(strings.ToLower(room))
	return u.String(), nil
}

// CookieHeader builds the handshake headers carrying the session cookie.
func CookieHeader(cookieName, token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Cookie", (&http.Cookie{Name: cookieName, Value: token}).String())
	}
	return h
}

// Dial connects to the room, starts the read and ping loops and sends the
// join handshake.
func (d *Dialer) Dial(ctx context.Context, room, name string, h domain.SignalHandler) (domain.Signaler, error) {
	const op = "signal.Dial"

	target, err := RoomURL(d.baseURL, "/ws/", room)
	if err != nil {
		return nil, domain.E(domain.KindSignalingTransient, op, err)
	}

	log.Info().Str("module", "signal").Str("url", target).Msg("connecting")

	conn, resp, err := d.ws.DialContext(ctx, target, CookieHeader(d.cookieName, d.token))
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, domain.E(domain.KindSignalingAuth, op, fmt.Errorf("handshake refused: http %d", resp.StatusCode))
		}
		return nil, domain.E(domain.KindSignalingTransient, op, fmt.Errorf("websocket dial: %w", err))
	}

	c := newClient(conn, h, d.pingPeriod)
	if err := c.SendJoin(name); err != nil {
		c.Close()
		return nil, err
	}

	go c.readLoop()
	if d.pingPeriod > 0 {
		go c.pingLoop()
	}
	return c, nil
}

// Client is one open signaling channel.
type Client struct {
	conn       *websocket.Conn
	handler    domain.SignalHandler
	pingPeriod time.Duration

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, h domain.SignalHandler, pingPeriod time.Duration) *Client {
	return &Client{
		conn:       conn,
		handler:    h,
		pingPeriod: pingPeriod,
		closed:     make(chan struct{}),
	}
}

// Close shuts down the connection. A locally requested close is not
// reported to the handler.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Send writes one message. Writes are serialized and never retried.
func (c *Client) Send(msg domain.Message) error {
	const op = "signal.Send"

	data, err := domain.EncodeMessage(msg)
	if err != nil {
		return domain.E(domain.KindSignalingTransient, op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return domain.E(domain.KindSignalingTransient, op, errClosed)
	}
	log.Debug().Str("module", "signal").Str("type", string(msg.Type())).Msg(">>>")
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return domain.E(domain.KindSignalingTransient, op, fmt.Errorf("write: %w", err))
	}
	return nil
}

// SendJoin sends the join handshake.
func (c *Client) SendJoin(name string) error {
	return c.Send(domain.Join{Name: name})
}

func (c *Client) readLoop() {
	defer c.conn.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			cerr := classifyClose(err)
			log.Warn().Str("module", "signal").Err(err).Str("kind", domain.KindOf(cerr).String()).Msg("connection closed")
			c.closeOnce.Do(func() { close(c.closed) })
			c.handler.OnSignalClosed(cerr)
			return
		}

		msg, err := domain.DecodeMessage(data)
		if err != nil {
			log.Warn().Str("module", "signal").Err(err).Msg("dropping message")
			continue
		}
		log.Debug().Str("module", "signal").Str("type", string(msg.Type())).Msg("<<<")
		c.handler.OnSignal(msg)
	}
}

// classifyClose maps a read error to the session error taxonomy: the
// relay's refusal codes are authorization failures, everything else is
// transient.
func classifyClose(err error) error {
	const op = "signal.read"
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == CloseUnauthorized || ce.Code == CloseRoomFull) {
		return domain.E(domain.KindSignalingAuth, op, fmt.Errorf("close %d: %s", ce.Code, ce.Text))
	}
	return domain.E(domain.KindSignalingTransient, op, err)
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				if c.isClosed() {
					return
				}
				log.Warn().Str("module", "signal").Err(err).Msg("ping failed")
				// unblocks readLoop, which reports the close
				c.conn.Close()
				return
			}
		}
	}
}

package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 32
)

var (
	ErrBackpressure = errors.New("backpressure")
	errConnClosed   = errors.New("connection closed")
)

// wsConn is one accepted websocket. Writes go through send and a single
// write pump; closing drains what is queued, then sends the close frame.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu        sync.RWMutex
	closed    bool
	closeCode int
	closeText string
}

func newConn(ws *websocket.Conn, readLimit int64) *wsConn {
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	c := &wsConn{
		id:        uuid.NewString(),
		ws:        ws,
		send:      make(chan []byte, sendBuffer),
		closeCode: websocket.CloseNormalClosure,
	}
	go c.writePump()
	return c
}

func (c *wsConn) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("sendJSON marshal")
		return
	}
	if err := c.trySend(b); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("conn", c.id).Msg("send dropped")
	}
}

func (c *wsConn) close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith queues the close frame behind pending writes. Only the first
// call decides the code.
func (c *wsConn) closeWith(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode, c.closeText = code, text
	close(c.send)
}

// refuse sends an error message and closes with code.
func (c *wsConn) refuse(code int, text, message string) {
	c.sendJSON(errorMessage{Type: "error", Message: message})
	c.closeWith(code, text)
}

// serve reads until the connection fails, then closes it. A nil handle
// discards everything, which is how refused connections wait for the
// peer's close reply.
func (c *wsConn) serve(handle func([]byte)) error {
	defer c.ws.Close()
	defer c.close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if handle != nil {
			handle(data)
		}
	}
}

func (c *wsConn) writePump() {
	for data := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Str("module", "relay").Str("conn", c.id).Msg("write failed")
			// unblocks serve
			c.ws.Close()
			return
		}
	}

	c.mu.RLock()
	code, text := c.closeCode, c.closeText
	c.mu.RUnlock()
	if err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait)); err != nil {
		c.ws.Close()
		return
	}
	// serve returns once the peer echoes the close, or at the deadline
	_ = c.ws.SetReadDeadline(time.Now().Add(writeWait))
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

package relay

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
	"github.com/sukesh-kandasamy/sense/internal/signal"
)

const maxParticipants = 2

// signalHub relays every message a participant sends to the other
// participant of the same room.
type signalHub struct {
	readLimit int64

	mu    sync.Mutex
	rooms map[string][]*wsConn
}

func newSignalHub(readLimit int64) *signalHub {
	return &signalHub{readLimit: readLimit, rooms: make(map[string][]*wsConn)}
}

func (h *signalHub) join(room string, c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.rooms[room]) >= maxParticipants {
		return false
	}
	h.rooms[room] = append(h.rooms[room], c)
	return true
}

// leave removes c and returns who is still in the room.
func (h *signalHub) leave(room string, c *wsConn) []*wsConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	kept := members[:0]
	for _, m := range members {
		if m != c {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(h.rooms, room)
		return nil
	}
	h.rooms[room] = kept
	return append([]*wsConn(nil), kept...)
}

func (h *signalHub) others(room string, c *wsConn) []*wsConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*wsConn
	for _, m := range h.rooms[room] {
		if m != c {
			out = append(out, m)
		}
	}
	return out
}

func (h *signalHub) counts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.rooms))
	for room, members := range h.rooms {
		out[room] = len(members)
	}
	return out
}

func (h *signalHub) roomNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.rooms))
	for room := range h.rooms {
		names = append(names, room)
	}
	sort.Strings(names)
	return names
}

func (h *signalHub) closeAll() {
	h.mu.Lock()
	var all []*wsConn
	for _, members := range h.rooms {
		all = append(all, members...)
	}
	h.mu.Unlock()
	for _, c := range all {
		c.closeWith(websocket.CloseGoingAway, "relay shutting down")
	}
}

func (h *signalHub) handle(c *gin.Context) {
	room := strings.ToLower(c.Param("room"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	conn := newConn(ws, h.readLimit)

	if err := authError(c); err != nil {
		log.Warn().Str("module", "relay").Str("room", room).Err(err).Msg("signaling refused")
		conn.refuse(signal.CloseUnauthorized, "Unauthorized", "Not authorized for this session.")
		_ = conn.serve(nil)
		return
	}
	if !h.join(room, conn) {
		log.Warn().Str("module", "relay").Str("room", room).Msg("room full")
		conn.refuse(signal.CloseRoomFull, "Room full", "Room is full. Maximum 2 participants allowed.")
		_ = conn.serve(nil)
		return
	}

	log.Info().Str("module", "relay").Str("room", room).Str("conn", conn.id).
		Str("user", c.GetString(ctxUserID)).Msg("participant connected")

	err = conn.serve(func(data []byte) {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			log.Warn().Str("module", "relay").Str("room", room).Msg("dropping malformed message")
			return
		}
		log.Debug().Str("module", "relay").Str("room", room).Str("type", env.Type).Msg("relay")
		for _, o := range h.others(room, conn) {
			if err := o.trySend(data); err != nil {
				log.Warn().Err(err).Str("module", "relay").Str("conn", o.id).Msg("relay dropped")
			}
		}
	})

	left, _ := domain.EncodeMessage(domain.PeerLeft{})
	for _, o := range h.leave(room, conn) {
		_ = o.trySend(left)
	}
	log.Info().Str("module", "relay").Str("room", room).Str("conn", conn.id).Err(err).Msg("participant disconnected")
}

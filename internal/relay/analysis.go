package relay

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
	"github.com/sukesh-kandasamy/sense/internal/signal"
)

const classifyTimeout = 30 * time.Second

// analysisHub classifies the candidate's frames and fans insights out to
// the room's interviewers.
type analysisHub struct {
	store      InsightStore
	classifier Classifier
	readLimit  int64

	mu          sync.Mutex
	candidates  map[string]*wsConn
	subscribers map[string]map[*wsConn]struct{}
}

func newAnalysisHub(store InsightStore, classifier Classifier, readLimit int64) *analysisHub {
	return &analysisHub{
		store:       store,
		classifier:  classifier,
		readLimit:   readLimit,
		candidates:  make(map[string]*wsConn),
		subscribers: make(map[string]map[*wsConn]struct{}),
	}
}

func (h *analysisHub) accept(c *gin.Context) (*wsConn, string, bool) {
	room := strings.ToLower(c.Param("room"))
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return nil, "", false
	}
	conn := newConn(ws, h.readLimit)
	if err := authError(c); err != nil {
		log.Warn().Str("module", "relay").Str("room", room).Err(err).Msg("analysis refused")
		conn.refuse(signal.CloseUnauthorized, "Unauthorized", "Not authorized for this session.")
		_ = conn.serve(nil)
		return nil, "", false
	}
	return conn, room, true
}

// handleFrames serves /ws/emotion/:room.
func (h *analysisHub) handleFrames(c *gin.Context) {
	conn, room, ok := h.accept(c)
	if !ok {
		return
	}

	h.mu.Lock()
	h.candidates[room] = conn
	h.mu.Unlock()
	log.Info().Str("module", "relay").Str("room", room).Str("conn", conn.id).Msg("analysis uplink connected")

	ctx := c.Request.Context()
	err := conn.serve(func(data []byte) {
		var frame domain.AnalysisFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("bad analysis frame")
			return
		}
		switch frame.Type {
		case domain.AnalysisFrameType:
			h.classify(ctx, room, conn, frame)
		case domain.PingType:
			conn.sendJSON(domain.InsightMessage{Type: domain.PongType})
		default:
			log.Warn().Str("module", "relay").Str("type", frame.Type).Msg("unknown analysis message")
		}
	})

	h.mu.Lock()
	if h.candidates[room] == conn {
		delete(h.candidates, room)
	}
	h.mu.Unlock()
	log.Info().Str("module", "relay").Str("room", room).Err(err).Msg("analysis uplink disconnected")
}

func (h *analysisHub) classify(ctx context.Context, room string, from *wsConn, frame domain.AnalysisFrame) {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	ins, err := h.classifier.Classify(ctx, room, frame)
	if err == nil {
		err = ins.Validate()
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("room", room).Msg("classification failed")
		from.sendJSON(errorMessage{Type: "error", Message: err.Error()})
		return
	}
	h.publish(ctx, room, ins)
}

// publish stores ins as the room's latest and pushes it to subscribers.
// It holds mu throughout so it orders with a subscriber's replay.
func (h *analysisHub) publish(ctx context.Context, room string, ins domain.Insight) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.store.Put(ctx, room, ins); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("room", room).Msg("store insight")
	}
	msg := domain.InsightMessage{Type: domain.InsightUpdateType, Emotion: &ins}
	for s := range h.subscribers[room] {
		s.sendJSON(msg)
	}
	log.Debug().Str("module", "relay").Str("room", room).Str("primary", string(ins.Primary)).
		Int("subscribers", len(h.subscribers[room])).Msg("insight published")
}

// handleInsights serves /ws/insights/:room.
func (h *analysisHub) handleInsights(c *gin.Context) {
	conn, room, ok := h.accept(c)
	if !ok {
		return
	}

	h.subscribe(c.Request.Context(), room, conn)
	log.Info().Str("module", "relay").Str("room", room).Str("conn", conn.id).Msg("insight subscriber connected")

	err := conn.serve(func(data []byte) {
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == domain.PingType {
			conn.sendJSON(domain.InsightMessage{Type: domain.PongType})
		}
	})

	h.mu.Lock()
	delete(h.subscribers[room], conn)
	if len(h.subscribers[room]) == 0 {
		delete(h.subscribers, room)
	}
	h.mu.Unlock()
	log.Info().Str("module", "relay").Str("room", room).Err(err).Msg("insight subscriber disconnected")
}

// subscribe replays the room's latest insight, if any, then adds conn.
func (h *analysisHub) subscribe(ctx context.Context, room string, conn *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ins, found, err := h.store.Latest(ctx, room); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("room", room).Msg("load latest insight")
	} else if found {
		conn.sendJSON(domain.InsightMessage{Type: domain.InsightUpdateType, Emotion: &ins})
	}
	if h.subscribers[room] == nil {
		h.subscribers[room] = make(map[*wsConn]struct{})
	}
	h.subscribers[room][conn] = struct{}{}
}

func (h *analysisHub) status() (rooms []string, subscribers map[string]int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms = make([]string, 0, len(h.candidates))
	for room := range h.candidates {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	subscribers = make(map[string]int, len(h.subscribers))
	for room, subs := range h.subscribers {
		subscribers[room] = len(subs)
	}
	return rooms, subscribers
}

func (h *analysisHub) closeAll() {
	h.mu.Lock()
	var all []*wsConn
	for _, c := range h.candidates {
		all = append(all, c)
	}
	for _, subs := range h.subscribers {
		for c := range subs {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.closeWith(websocket.CloseGoingAway, "relay shutting down")
	}
}

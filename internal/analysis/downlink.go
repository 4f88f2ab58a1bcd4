package analysis

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

// Downlink receives insights for the interviewer and keeps the channel
// alive with application-level pings.
type Downlink struct {
	conn         *websocket.Conn
	pingInterval time.Duration
	onInsight    func(domain.Insight)
	onClosed     func(error)

	writeMu sync.Mutex

	mu     sync.Mutex
	latest *domain.Insight

	closing atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

// DialDownlink opens /ws/insights/<room>. onInsight is called for every
// valid emotion_update, in arrival order.
func DialDownlink(ctx context.Context, cfg Config, room string, onInsight func(domain.Insight), onClosed func(error)) (*Downlink, error) {
	conn, err := dial(ctx, cfg, "/ws/insights/", room)
	if err != nil {
		return nil, domain.E(domain.KindAnalysisChannel, "analysis.DialDownlink", err)
	}
	return startDownlink(conn, cfg.PingInterval, onInsight, onClosed), nil
}

func startDownlink(conn *websocket.Conn, pingInterval time.Duration, onInsight func(domain.Insight), onClosed func(error)) *Downlink {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	d := &Downlink{
		conn:         conn,
		pingInterval: pingInterval,
		onInsight:    onInsight,
		onClosed:     onClosed,
		stop:         make(chan struct{}),
	}
	go d.readLoop()
	go d.pingLoop()
	log.Info().Str("module", "analysis").Msg("insight downlink open")
	return d
}

// Latest returns the current insight. Each update replaces the previous one.
func (d *Downlink) Latest() (domain.Insight, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest == nil {
		return domain.Insight{}, false
	}
	return *d.latest, true
}

func (d *Downlink) readLoop() {
	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			d.halt()
			if !d.closing.Load() && d.onClosed != nil {
				d.onClosed(domain.E(domain.KindAnalysisChannel, "analysis.downlink", err))
			}
			return
		}

		ins, ok, err := domain.DecodeInsight(data)
		if err != nil {
			log.Warn().Str("module", "analysis").Err(err).Msg("dropping malformed insight")
			continue
		}
		if !ok {
			continue
		}

		d.mu.Lock()
		d.latest = &ins
		d.mu.Unlock()

		log.Debug().Str("module", "analysis").Str("primary", string(ins.Primary)).Float64("confidence", ins.Confidence).Msg("insight")
		if d.onInsight != nil {
			d.onInsight(ins)
		}
	}
}

var pingFrame, _ = json.Marshal(map[string]string{"type": domain.PingType})

func (d *Downlink) pingLoop() {
	ticker := time.NewTicker(d.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.writeMu.Lock()
			_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := d.conn.WriteMessage(websocket.TextMessage, pingFrame)
			d.writeMu.Unlock()
			if err != nil {
				log.Warn().Str("module", "analysis").Err(err).Msg("insight ping failed")
				return
			}
		}
	}
}

func (d *Downlink) halt() {
	d.once.Do(func() { close(d.stop) })
}

// Close stops the ping ticker and closes the socket.
func (d *Downlink) Close() {
	d.closing.Store(true)
	d.halt()
	d.writeMu.Lock()
	_ = d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	d.writeMu.Unlock()
	d.conn.Close()
	log.Info().Str("module", "analysis").Msg("insight downlink closed")
}

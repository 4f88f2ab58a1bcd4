// Package analysis carries the side channel to the emotion-analysis
// service: the candidate's uplink of sampled frames and audio, and the
// interviewer's downlink of insights.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
	"github.com/sukesh-kandasamy/sense/internal/media"
	"github.com/sukesh-kandasamy/sense/internal/signal"
)

const writeWait = 5 * time.Second

// Config locates the analysis service.
type Config struct {
	BaseURL      string
	CookieName   string
	Token        string
	Interval     time.Duration // uplink cadence
	PingInterval time.Duration // downlink keepalive
}

// FrameSource is the part of LocalMedia the uplink borrows.
type FrameSource interface {
	Snapshot() (image.Image, error)
	SubscribePCM(buf int) (<-chan media.PCM, func())
}

func dial(ctx context.Context, cfg Config, prefix, room string) (*websocket.Conn, error) {
	target, err := signal.RoomURL(cfg.BaseURL, prefix, room)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, signal.CookieHeader(cfg.CookieName, cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", target, err)
	}
	return conn, nil
}

// Uplink streams one AnalysisFrame per interval for the candidate.
type Uplink struct {
	conn     *websocket.Conn
	src      FrameSource
	interval time.Duration
	onClosed func(error)

	writeMu sync.Mutex

	pcmMu sync.Mutex
	pcm   []media.PCM

	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
	closing     atomic.Bool

	sent, skipped int
	statsMu       sync.Mutex
}

// DialUplink opens /ws/emotion/<room> and starts the ticker. onClosed, if
// set, receives an AnalysisChannel error when the service drops the channel.
func DialUplink(ctx context.Context, cfg Config, room string, src FrameSource, onClosed func(error)) (*Uplink, error) {
	conn, err := dial(ctx, cfg, "/ws/emotion/", room)
	if err != nil {
		return nil, domain.E(domain.KindAnalysisChannel, "analysis.DialUplink", err)
	}
	return startUplink(conn, src, cfg.Interval, onClosed), nil
}

func startUplink(conn *websocket.Conn, src FrameSource, interval time.Duration, onClosed func(error)) *Uplink {
	if interval <= 0 {
		interval = 7 * time.Second
	}
	runCtx, cancel := context.WithCancel(context.Background())
	pcm, unsubscribe := src.SubscribePCM(256)

	u := &Uplink{
		conn:        conn,
		src:         src,
		interval:    interval,
		onClosed:    onClosed,
		unsubscribe: unsubscribe,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go u.collect(pcm)
	go u.readLoop()
	go u.run(runCtx)

	log.Info().Str("module", "analysis").Dur("interval", interval).Msg("uplink open")
	return u
}

// collect accumulates microphone audio between ticks.
func (u *Uplink) collect(pcm <-chan media.PCM) {
	for p := range pcm {
		u.pcmMu.Lock()
		u.pcm = append(u.pcm, p)
		u.pcmMu.Unlock()
	}
}

func (u *Uplink) drainPCM() []media.PCM {
	u.pcmMu.Lock()
	defer u.pcmMu.Unlock()
	out := u.pcm
	u.pcm = nil
	return out
}

func (u *Uplink) run(ctx context.Context) {
	defer close(u.done)
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.tick(ctx)
		}
	}
}

// tick captures and sends one frame. Capture or encode failures skip this
// tick only.
func (u *Uplink) tick(ctx context.Context) {
	audio := u.drainPCM()

	frame, err := u.buildFrame(audio)
	if err != nil {
		u.statsMu.Lock()
		u.skipped++
		u.statsMu.Unlock()
		log.Warn().Str("module", "analysis").Err(err).Msg("skipping analysis tick")
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		log.Warn().Str("module", "analysis").Err(err).Msg("marshal frame")
		return
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	// teardown may have happened while encoding
	if ctx.Err() != nil {
		return
	}
	_ = u.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := u.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Str("module", "analysis").Err(err).Msg("send frame")
		return
	}
	u.statsMu.Lock()
	u.sent++
	u.statsMu.Unlock()
	log.Debug().Str("module", "analysis").Bool("audio", frame.Audio != "").Int("bytes", len(data)).Msg("frame sent")
}

func (u *Uplink) buildFrame(audio []media.PCM) (domain.AnalysisFrame, error) {
	img, err := u.src.Snapshot()
	if err != nil {
		return domain.AnalysisFrame{}, fmt.Errorf("capture frame: %w", err)
	}
	video, err := EncodeFrame(img, FrameSize, JPEGQuality)
	if err != nil {
		return domain.AnalysisFrame{}, err
	}
	return domain.AnalysisFrame{
		Type:  domain.AnalysisFrameType,
		Video: video,
		Audio: WAVDataURL(audio),
	}, nil
}

// readLoop discards inbound frames and reports an unrequested close.
func (u *Uplink) readLoop() {
	for {
		if _, _, err := u.conn.ReadMessage(); err != nil {
			if u.closing.Load() {
				return
			}
			u.stop()
			if u.onClosed != nil {
				u.onClosed(domain.E(domain.KindAnalysisChannel, "analysis.uplink", err))
			}
			return
		}
	}
}

func (u *Uplink) stop() {
	u.cancel()
	<-u.done
	u.unsubscribe()
}

// Stats returns how many frames were sent and how many ticks were skipped.
func (u *Uplink) Stats() (sent, skipped int) {
	u.statsMu.Lock()
	defer u.statsMu.Unlock()
	return u.sent, u.skipped
}

// Close stops the ticker, returns the PCM tap and closes the socket.
func (u *Uplink) Close() {
	u.closing.Store(true)
	u.stop()
	u.writeMu.Lock()
	_ = u.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	u.writeMu.Unlock()
	u.conn.Close()
	log.Info().Str("module", "analysis").Msg("uplink closed")
}

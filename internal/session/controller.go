// Package session drives one interview session from the lobby to the end:
// meeting checks, signaling, negotiation, the analysis side channel,
// recording and the session timer. All state is owned by the goroutine
// running Controller.Run; everything else posts events to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sukesh-kandasamy/sense/internal/api"
	"github.com/sukesh-kandasamy/sense/internal/domain"
	"github.com/sukesh-kandasamy/sense/internal/media"
	"github.com/sukesh-kandasamy/sense/internal/recorder"
)

// Config is the per-session configuration.
type Config struct {
	Room     string
	Role     domain.Role
	Name     string
	DeviceID string

	PollInterval    time.Duration
	PollMaxInterval time.Duration
	RequestTimeout  time.Duration
	UploadTimeout   time.Duration
	// TimerTick is the wall-clock length of one session-timer second.
	TimerTick time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.PollMaxInterval < c.PollInterval {
		c.PollMaxInterval = 10 * time.Second
		if c.PollMaxInterval < c.PollInterval {
			c.PollMaxInterval = c.PollInterval
		}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = time.Minute
	}
	if c.TimerTick <= 0 {
		c.TimerTick = time.Second
	}
}

// pollDelay is a capped-linear backoff: base, base, then one third of
// base more per attempt up to max.
func pollDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	if attempt > 1 {
		d += time.Duration(attempt-1) * (base / 3)
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// Controller is the session state machine.
type Controller struct {
	cfg  Config
	deps Deps

	events chan func()
	done   chan struct{}
	ctx    context.Context

	// owned by the Run goroutine
	snap          domain.Snapshot
	gen           uint64
	media         *media.LocalMedia
	acquiring     bool
	lobbyDone     bool
	joinPending   bool
	sig           domain.Signaler
	early         []domain.Message
	peer          Peer
	neg           negotiation
	uplink        Channel
	downlink      Channel
	rec           Recording
	recSrc        *media.LocalMedia
	timer         *Timer
	seed          *time.Duration
	analysisLocal bool
	markedStarted bool
	pollAttempt   int
	pollTimer     *time.Timer
	finalErr      error

	mu      sync.Mutex
	view    domain.Snapshot
	subs    map[int]chan domain.Snapshot
	nextSub int
}

func New(cfg Config, deps Deps) *Controller {
	cfg.setDefaults()
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		events: make(chan func(), 256),
		done:   make(chan struct{}),
		neg:    newNegotiation(cfg.Role == domain.RoleCandidate),
		subs:   make(map[int]chan domain.Snapshot),
	}
	c.snap = domain.Snapshot{
		Room:   cfg.Room,
		Role:   cfg.Role,
		Name:   cfg.Name,
		State:  domain.StateLobby,
		Status: "Checking meeting...",
	}
	c.view = c.snap
	c.timer = NewTimer(TimerHooks{
		OnTick: func(r time.Duration) {
			c.post(func() {
				if !c.snap.State.Finishing() {
					c.snap.Remaining = &r
				}
			})
		},
		OnWarning: func(w domain.Warning) {
			c.post(func() { c.snap.Warning = w })
		},
		OnExpired: func() {
			c.post(func() { c.beginEnding("Time is up") })
		},
	}, WithTick(cfg.TimerTick))
	return c
}

// post queues fn for the Run goroutine. It reports false once Run has
// returned; fn is then never executed.
func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// Run executes the state machine until the session is Ended or ctx is
// cancelled. It returns the access-denied error when the relay or the
// backend refused the session.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(c.done)
	c.ctx = ctx

	c.enterLobby()
	c.publish()

	for c.snap.State != domain.StateEnded {
		select {
		case <-ctx.Done():
			c.teardown()
			c.setState(domain.StateEnded, "Session closed")
			c.publish()
			return ctx.Err()
		case fn := <-c.events:
			fn()
			c.publish()
		}
	}
	return c.finalErr
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Subscribe returns a channel carrying the latest snapshot after every
// transition. Slow readers only see the newest value.
func (c *Controller) Subscribe() (<-chan domain.Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan domain.Snapshot, 1)
	ch <- c.view
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
		})
	}
}

func (c *Controller) publish() {
	s := c.snap
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view = s
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// User actions.

func (c *Controller) Join()                  { c.post(c.join) }
func (c *Controller) EndCall()               { c.post(func() { c.beginEnding("Ending session...") }) }
func (c *Controller) Leave()                 { c.post(c.leave) }
func (c *Controller) ToggleMic()             { c.post(c.toggleMic) }
func (c *Controller) ToggleCamera()          { c.post(c.toggleCamera) }
func (c *Controller) SwitchDevice(id string) { c.post(func() { c.switchDevice(id) }) }

func (c *Controller) setState(s domain.State, status string) {
	if c.snap.State != s {
		log.Info().Str("module", "session").Str("from", c.snap.State.String()).Str("to", s.String()).Str("status", status).Msg("state change")
	}
	c.snap.State = s
	c.snap.Status = status
}

func (c *Controller) peerLabel() string {
	if c.snap.PeerName != "" {
		return c.snap.PeerName
	}
	return c.cfg.Role.Peer().Title()
}

func (c *Controller) waitingStatus() string {
	return fmt.Sprintf("Waiting for %s...", strings.ToLower(c.cfg.Role.Peer().Title()))
}

func (c *Controller) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
}

// Lobby.

type lobbyResult struct {
	user      *domain.User
	meeting   *domain.Meeting
	remaining *domain.RemainingTime
	denied    error
}

func (c *Controller) enterLobby() {
	gen := c.gen
	go func() {
		res := c.checkMeeting()
		c.post(func() {
			if gen == c.gen {
				c.applyLobby(res)
			}
		})
	}()
	c.acquire(gen, c.cfg.DeviceID)
}

// checkMeeting runs the lobby pre-checks. Backend failures other than an
// authorization refusal are logged and the session proceeds.
func (c *Controller) checkMeeting() lobbyResult {
	var res lobbyResult
	call := func(what string, fn func(ctx context.Context) error) bool {
		ctx, cancel := c.requestCtx()
		defer cancel()
		err := fn(ctx)
		if errors.Is(err, api.ErrUnauthorized) {
			res.denied = err
			return false
		}
		if err != nil {
			log.Warn().Str("module", "session").Err(err).Str("check", what).Msg("lobby check failed")
		}
		return true
	}

	if !call("user", func(ctx context.Context) (err error) {
		res.user, err = c.deps.Backend.CurrentUser(ctx)
		return err
	}) {
		return res
	}
	if !call("meeting", func(ctx context.Context) (err error) {
		res.meeting, err = c.deps.Backend.Meeting(ctx, c.cfg.Room)
		return err
	}) {
		return res
	}
	call("remaining", func(ctx context.Context) (err error) {
		res.remaining, err = c.deps.Backend.RemainingTime(ctx, c.cfg.Room)
		return err
	})
	return res
}

func (c *Controller) applyLobby(res lobbyResult) {
	if c.snap.State.Finishing() {
		return
	}
	if res.denied != nil {
		c.denied(domain.E(domain.KindSignalingAuth, "session.lobby", res.denied))
		return
	}
	if u := res.user; u != nil {
		if c.snap.Name == "" {
			c.snap.Name = u.DisplayName()
		}
		c.analysisLocal = strings.EqualFold(u.AnalysisMode, "local")
	}
	if m := res.meeting; m != nil {
		if !m.Active {
			c.teardown()
			c.setState(domain.StateEnded, "This meeting has ended")
			return
		}
		if m.Duration != nil {
			d := time.Duration(*m.Duration) * time.Minute
			c.snap.Duration = &d
		}
	}
	if r := res.remaining; r != nil {
		if r.IsExpired {
			c.teardown()
			c.setState(domain.StateEnded, "This meeting has expired")
			return
		}
		if r.RemainingSeconds != nil {
			d := time.Duration(*r.RemainingSeconds) * time.Second
			c.seed = &d
			c.snap.Remaining = &d
		}
	}
	c.lobbyDone = true
	if c.joinPending {
		c.joinPending = false
		c.join()
		return
	}
	if c.snap.State == domain.StateLobby && c.media != nil {
		c.snap.Status = "Ready to join"
	}
}

// acquire opens the local devices. A handle that arrives after the session
// moved on is released straight away.
func (c *Controller) acquire(gen uint64, deviceID string) {
	c.acquiring = true
	go func() {
		m, err := c.deps.Media.Acquire(c.ctx, deviceID)
		posted := c.post(func() {
			c.acquiring = false
			if gen != c.gen || c.snap.State.Finishing() || c.media != nil {
				if m != nil {
					m.Release()
				}
				// a join queued behind this stale acquisition needs its own
				if c.joinPending && c.media == nil && !c.snap.State.Finishing() {
					c.acquire(c.gen, c.snap.DeviceID)
				}
				return
			}
			if err != nil {
				log.Error().Str("module", "session").Err(err).Msg("media acquisition failed")
				c.joinPending = false
				c.snap.Err = err
				c.snap.Status = "No camera or microphone available"
				return
			}
			c.media = m
			c.snap.Err = nil
			c.snap.DeviceID = m.DeviceID()
			c.snap.MicOn = m.MicEnabled()
			c.snap.CameraOn = m.CameraEnabled()
			if c.joinPending {
				c.joinPending = false
				c.join()
				return
			}
			if c.snap.State == domain.StateLobby {
				c.snap.Status = "Ready to join"
			}
		})
		if !posted && m != nil {
			m.Release()
		}
	}()
}

// Joining.

func (c *Controller) join() {
	switch c.snap.State {
	case domain.StateLobby, domain.StateAwaitingPeer:
	default:
		return
	}
	if c.sig != nil || c.joinPending {
		return
	}
	// the handshake carries the profile name, so wait for the lobby checks
	if !c.lobbyDone {
		c.joinPending = true
		return
	}
	if c.media == nil {
		c.joinPending = true
		c.snap.Status = "Starting camera..."
		if !c.acquiring {
			c.acquire(c.gen, c.snap.DeviceID)
		}
		return
	}

	c.snap.Err = nil
	c.setState(domain.StateConnecting, "Connecting...")
	if err := c.replacePeer(); err != nil {
		log.Error().Str("module", "session").Err(err).Msg("create peer connection")
		c.snap.Err = err
		c.setState(domain.StateLobby, "Could not start the connection")
		return
	}

	gen := c.gen
	name := c.snap.Name
	go func() {
		sig, err := c.deps.Signal.Dial(c.ctx, c.cfg.Room, name, signalHandler{c: c, gen: gen})
		posted := c.post(func() { c.signalOpened(gen, sig, err) })
		if !posted && sig != nil {
			sig.Close()
		}
	}()
}

func (c *Controller) signalOpened(gen uint64, sig domain.Signaler, err error) {
	if gen != c.gen || c.snap.State.Finishing() {
		if sig != nil {
			sig.Close()
		}
		return
	}
	if err != nil {
		if domain.IsKind(err, domain.KindSignalingAuth) {
			c.denied(err)
			return
		}
		c.lostConnection(err)
		return
	}

	c.sig = sig
	c.setState(domain.StateAwaitingPeer, c.waitingStatus())
	c.startAnalysis()
	if c.cfg.Role == domain.RoleCandidate {
		c.startRecording()
		c.pollAttempt = 0
		c.pollJoin()
	}

	early := c.early
	c.early = nil
	for _, m := range early {
		c.onSignal(gen, m)
	}
}

// pollJoin records the candidate's arrival with the backend.
func (c *Controller) pollJoin() {
	gen := c.gen
	name := c.snap.Name
	go func() {
		ctx, cancel := c.requestCtx()
		err := c.deps.Backend.JoinMeeting(ctx, c.cfg.Room, name)
		cancel()
		c.post(func() {
			if gen == c.gen {
				c.pollResult(err)
			}
		})
	}()
}

func (c *Controller) pollResult(err error) {
	if c.snap.State.Finishing() || c.sig == nil {
		return
	}
	switch {
	case err == nil:
		log.Info().Str("module", "session").Int("attempts", c.pollAttempt+1).Msg("join recorded")
		if c.snap.State == domain.StateAwaitingInterviewer {
			c.setState(domain.StateAwaitingPeer, c.waitingStatus())
			// the first join may have reached an empty room
			if !c.neg.started() {
				if err := c.sig.SendJoin(c.snap.Name); err != nil {
					log.Warn().Str("module", "session").Err(err).Msg("re-send join")
				}
			}
		}
		return
	case errors.Is(err, api.ErrNotYet):
		if c.snap.State == domain.StateAwaitingPeer {
			c.setState(domain.StateAwaitingInterviewer, "Waiting for the interviewer to join...")
		}
	default:
		log.Warn().Str("module", "session").Err(err).Msg("join check failed, retrying")
	}

	delay := pollDelay(c.pollAttempt, c.cfg.PollInterval, c.cfg.PollMaxInterval)
	c.pollAttempt++
	gen := c.gen
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.post(func() {
			if gen == c.gen && c.pollTimer == t {
				c.pollTimer = nil
				c.pollJoin()
			}
		})
	})
	c.pollTimer = t
}

func (c *Controller) stopPoll() {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
}

// Signaling.

type signalHandler struct {
	c   *Controller
	gen uint64
}

func (h signalHandler) OnSignal(msg domain.Message) {
	h.c.post(func() { h.c.onSignal(h.gen, msg) })
}

func (h signalHandler) OnSignalClosed(err error) {
	h.c.post(func() { h.c.onSignalClosed(h.gen, err) })
}

func (c *Controller) send(m domain.Message) {
	if c.sig == nil {
		return
	}
	if err := c.sig.Send(m); err != nil {
		log.Warn().Str("module", "session").Err(err).Str("type", string(m.Type())).Msg("signal send failed")
	}
}

func (c *Controller) onSignal(gen uint64, msg domain.Message) {
	if gen != c.gen || c.snap.State == domain.StateEnded {
		return
	}
	if c.sig == nil {
		c.early = append(c.early, msg)
		return
	}
	if c.snap.State == domain.StateEnding {
		return
	}

	switch m := msg.(type) {
	case domain.Join:
		c.peerJoined(m.Name)
	case domain.Offer:
		c.remoteOffer(m.SDP)
	case domain.Answer:
		c.remoteAnswer(m.SDP)
	case domain.Candidate:
		if c.peer == nil {
			return
		}
		if err := c.peer.HandleRemoteCandidate(m.ICE); err != nil {
			log.Warn().Str("module", "session").Err(err).Msg("remote candidate rejected")
		}
	case domain.PeerLeft:
		c.peerLeft()
	case domain.EndMeeting:
		c.beginEnding("The interviewer ended the meeting")
	default:
		log.Warn().Str("module", "session").Str("type", string(msg.Type())).Msg("dropping unexpected message")
	}
}

func (c *Controller) onSignalClosed(gen uint64, err error) {
	if gen != c.gen || c.snap.State == domain.StateEnded {
		return
	}
	if domain.IsKind(err, domain.KindSignalingAuth) {
		c.denied(err)
		return
	}
	c.lostConnection(err)
}

// Negotiation.

func (c *Controller) peerJoined(name string) {
	if name != "" {
		c.snap.PeerName = name
	}
	if c.neg.peerJoined() || c.peer == nil {
		if err := c.replacePeer(); err != nil {
			c.negotiationFailed(err)
			return
		}
	}
	offer, err := c.peer.CreateOffer()
	if err != nil {
		c.negotiationFailed(err)
		return
	}
	c.send(domain.Offer{SDP: offer})
	c.snap.Status = fmt.Sprintf("Connecting to %s...", c.peerLabel())
}

func (c *Controller) remoteOffer(sdp domain.SDPPayload) {
	accept, restart := c.neg.offerReceived()
	if !accept {
		log.Debug().Str("module", "session").Msg("ignoring crossing offer")
		return
	}
	if restart || c.peer == nil {
		if err := c.replacePeer(); err != nil {
			c.negotiationFailed(err)
			return
		}
	}
	answer, err := c.peer.HandleOffer(sdp)
	if err != nil {
		c.negotiationFailed(err)
		return
	}
	c.send(domain.Answer{SDP: answer})
}

func (c *Controller) remoteAnswer(sdp domain.SDPPayload) {
	if !c.neg.answerReceived() || c.peer == nil {
		log.Debug().Str("module", "session").Msg("dropping unexpected answer")
		return
	}
	if err := c.peer.HandleAnswer(sdp); err != nil {
		c.negotiationFailed(err)
	}
}

// negotiationFailed abandons the round. The peer has to join again.
func (c *Controller) negotiationFailed(err error) {
	log.Error().Str("module", "session").Err(err).Msg("negotiation failed")
	c.snap.Err = err
	c.snap.Status = "Connection attempt failed"
	c.neg.reset()
	if err := c.replacePeer(); err != nil {
		log.Error().Str("module", "session").Err(err).Msg("replace peer connection")
	}
}

// replacePeer closes the current peer connection and opens a fresh one
// with the local tracks attached.
func (c *Controller) replacePeer() error {
	if c.peer != nil {
		c.peer.Close()
		c.peer = nil
	}
	c.snap.RemoteStream = ""

	p, err := c.deps.NewPeer()
	if err != nil {
		return domain.E(domain.KindNegotiation, "session.replacePeer", err)
	}
	if err := p.AddLocalTracks(c.media); err != nil {
		p.Close()
		return domain.E(domain.KindNegotiation, "session.replacePeer", err)
	}
	// peer callbacks run on Pion goroutines that Close may wait for
	p.SetOnICECandidate(func(ice domain.ICECandidatePayload) {
		go c.post(func() {
			if c.peer == p {
				c.send(domain.Candidate{ICE: ice})
			}
		})
	})
	p.SetOnRemoteStream(func(rs domain.RemoteStream) {
		go c.post(func() {
			if c.peer == p {
				c.remoteStream(rs)
			}
		})
	})
	p.SetOnDisconnected(func() {
		go c.post(func() {
			if c.peer == p {
				c.peerDisconnected()
			}
		})
	})
	c.peer = p
	return nil
}

func (c *Controller) remoteStream(rs domain.RemoteStream) {
	if c.snap.State.Finishing() {
		return
	}
	c.snap.RemoteStream = rs.StreamID()
	c.snap.Err = nil
	c.setState(domain.StateInCall, fmt.Sprintf("In call with %s", c.peerLabel()))
	log.Info().Str("module", "session").Str("stream", rs.StreamID()).Strs("kinds", rs.Kinds()).Msg("remote stream")

	if c.cfg.Role == domain.RoleInterviewer {
		c.callStarted()
	}
}

func (c *Controller) callStarted() {
	if !c.markedStarted {
		c.markedStarted = true
		go func() {
			ctx, cancel := c.requestCtx()
			defer cancel()
			if err := c.deps.Backend.MarkStarted(ctx, c.cfg.Room); err != nil {
				log.Warn().Str("module", "session").Err(err).Msg("mark meeting started")
			}
		}()
	}
	if c.snap.Duration == nil {
		return
	}
	total := *c.snap.Duration
	if c.seed != nil {
		total = *c.seed
	}
	c.timer.Start(total)
}

func (c *Controller) peerLeft() {
	log.Info().Str("module", "session").Str("peer", c.peerLabel()).Msg("peer left")
	c.neg.reset()
	if err := c.replacePeer(); err != nil {
		log.Error().Str("module", "session").Err(err).Msg("replace peer connection")
	}
	c.setState(domain.StateAwaitingPeer, fmt.Sprintf("%s disconnected", c.peerLabel()))
}

// peerDisconnected handles ICE failure. The interviewer re-announces
// itself so the candidate offers again.
func (c *Controller) peerDisconnected() {
	if c.snap.State.Finishing() {
		return
	}
	log.Warn().Str("module", "session").Msg("peer connection failed")
	c.neg.reset()
	if err := c.replacePeer(); err != nil {
		log.Error().Str("module", "session").Err(err).Msg("replace peer connection")
	}
	c.setState(domain.StateAwaitingPeer, fmt.Sprintf("Connection to %s lost, reconnecting...", c.peerLabel()))
	if c.cfg.Role == domain.RoleInterviewer && c.sig != nil {
		if err := c.sig.SendJoin(c.snap.Name); err != nil {
			log.Warn().Str("module", "session").Err(err).Msg("re-send join")
		}
	}
}

// Side channels.

func (c *Controller) startAnalysis() {
	if c.deps.Analysis == nil {
		return
	}
	gen := c.gen
	room := c.cfg.Room

	switch c.cfg.Role {
	case domain.RoleCandidate:
		src := c.media
		go func() {
			ch, err := c.deps.Analysis.OpenUplink(c.ctx, room, src, c.analysisClosed(gen, "uplink"))
			c.adoptChannel(gen, "uplink", ch, err)
		}()
	case domain.RoleInterviewer:
		if c.analysisLocal {
			log.Info().Str("module", "session").Msg("analysis runs locally, insight downlink disabled")
			return
		}
		onInsight := func(ins domain.Insight) {
			c.post(func() {
				if gen == c.gen && !c.snap.State.Finishing() {
					c.snap.Insight = &ins
				}
			})
		}
		go func() {
			ch, err := c.deps.Analysis.OpenDownlink(c.ctx, room, onInsight, c.analysisClosed(gen, "downlink"))
			c.adoptChannel(gen, "downlink", ch, err)
		}()
	}
}

func (c *Controller) adoptChannel(gen uint64, which string, ch Channel, err error) {
	posted := c.post(func() {
		if err != nil {
			log.Warn().Str("module", "session").Err(err).Str("channel", which).Msg("analysis unavailable")
			return
		}
		if gen != c.gen || c.snap.State.Finishing() {
			ch.Close()
			return
		}
		if which == "uplink" {
			c.uplink = ch
		} else {
			c.downlink = ch
		}
	})
	if !posted && ch != nil {
		ch.Close()
	}
}

// analysisClosed degrades silently: the call continues without insights.
func (c *Controller) analysisClosed(gen uint64, which string) func(error) {
	return func(err error) {
		c.post(func() {
			if gen != c.gen {
				return
			}
			log.Warn().Str("module", "session").Err(err).Str("channel", which).Msg("analysis channel lost")
			if which == "uplink" {
				c.uplink = nil
			} else {
				c.downlink = nil
			}
		})
	}
}

func (c *Controller) takeChannels() []Channel {
	var out []Channel
	for _, ch := range []Channel{c.uplink, c.downlink} {
		if ch != nil {
			out = append(out, ch)
		}
	}
	c.uplink, c.downlink = nil, nil
	return out
}

func (c *Controller) closeChannels() {
	for _, ch := range c.takeChannels() {
		ch.Close()
	}
}

// startRecording starts the session's single recording, or moves the
// running one onto media re-acquired after a lost connection.
func (c *Controller) startRecording() {
	if c.deps.Record == nil || c.media == nil {
		return
	}
	if c.rec != nil {
		if c.recSrc != c.media {
			if err := c.rec.Attach(c.media); err != nil {
				log.Warn().Str("module", "session").Err(err).Msg("resume recording")
				return
			}
			c.recSrc = c.media
		}
		return
	}
	rec, err := c.deps.Record(c.media)
	if err != nil {
		log.Warn().Str("module", "session").Err(err).Msg("recording unavailable")
		return
	}
	c.rec = rec
	c.recSrc = c.media
	c.snap.Recording = true
}

// uploadRecording stops rec and submits it. Failures are logged by the
// recorder and returned for display only.
func (c *Controller) uploadRecording(rec Recording) error {
	if rec == nil {
		return nil
	}
	blob, err := rec.Stop()
	if err != nil {
		return err
	}
	return recorder.Upload(context.WithoutCancel(c.ctx), c.deps.Backend, c.cfg.Room, blob, c.cfg.UploadTimeout)
}

func (c *Controller) takeRecording() Recording {
	rec := c.rec
	c.rec, c.recSrc = nil, nil
	c.snap.Recording = false
	return rec
}

// Ending.

func (c *Controller) beginEnding(status string) {
	if c.snap.State.Finishing() {
		return
	}
	c.setState(domain.StateEnding, status)
	c.stopPoll()
	c.timer.Stop()
	c.joinPending = false
	gen := c.gen

	switch c.cfg.Role {
	case domain.RoleCandidate:
		c.snap.Status = "Saving recording..."
		rec := c.takeRecording()
		channels := c.takeChannels()
		go func() {
			var g errgroup.Group
			for _, ch := range channels {
				g.Go(func() error {
					ch.Close()
					return nil
				})
			}
			g.Go(func() error { return c.uploadRecording(rec) })
			err := g.Wait()
			c.post(func() { c.finish(gen, status, err) })
		}()
	case domain.RoleInterviewer:
		go func() {
			ctx, cancel := c.requestCtx()
			err := c.deps.Backend.MarkEnded(ctx, c.cfg.Room)
			cancel()
			if err != nil {
				log.Warn().Str("module", "session").Err(err).Msg("mark meeting ended")
			}
			c.post(func() {
				if gen != c.gen {
					return
				}
				c.send(domain.EndMeeting{})
				c.finish(gen, status, nil)
			})
		}()
	}
}

func (c *Controller) finish(gen uint64, status string, err error) {
	if gen != c.gen {
		return
	}
	if err != nil {
		c.snap.Err = err
	}
	c.teardown()
	c.setState(domain.StateEnded, status)
}

func (c *Controller) denied(err error) {
	log.Error().Str("module", "session").Err(err).Msg("access denied")
	c.teardown()
	c.snap.AccessDenied = true
	c.snap.Err = err
	c.finalErr = err
	c.setState(domain.StateEnded, "Access denied")
}

func (c *Controller) leave() {
	if c.snap.State == domain.StateEnded {
		return
	}
	c.teardown()
	c.setState(domain.StateEnded, "Left the session")
}

// lostConnection handles a transient signaling loss. The session stays
// open from the server's point of view; the user joins again to resume.
// A running recording is kept and picks up the re-acquired media.
func (c *Controller) lostConnection(err error) {
	if c.snap.State.Finishing() {
		return
	}
	log.Warn().Str("module", "session").Err(err).Msg("signaling lost")
	c.dropConnection()
	if c.media != nil {
		c.media.Release()
		c.media = nil
	}
	c.snap.Err = err
	c.setState(domain.StateAwaitingPeer, "Connection lost. Join again to reconnect.")
}

// dropConnection closes the call plumbing and invalidates every callback
// still in flight for it.
func (c *Controller) dropConnection() {
	c.gen++
	c.stopPoll()
	c.closeChannels()
	if c.peer != nil {
		c.peer.Close()
		c.peer = nil
	}
	if c.sig != nil {
		c.sig.Close()
		c.sig = nil
	}
	c.early = nil
	c.neg.reset()
	c.snap.RemoteStream = ""
}

// teardown releases everything the session owns.
func (c *Controller) teardown() {
	c.dropConnection()
	c.timer.Stop()
	c.joinPending = false
	if rec := c.takeRecording(); rec != nil {
		if _, err := rec.Stop(); err != nil {
			log.Debug().Str("module", "session").Err(err).Msg("stop recorder")
		}
		log.Info().Str("module", "session").Msg("recording discarded")
	}
	if c.media != nil {
		c.media.Release()
		c.media = nil
	}
}

// Local controls.

func (c *Controller) toggleMic() {
	if c.media == nil {
		return
	}
	on := !c.media.MicEnabled()
	c.media.SetMicEnabled(on)
	c.snap.MicOn = on
}

func (c *Controller) toggleCamera() {
	if c.media == nil {
		return
	}
	on := !c.media.CameraEnabled()
	c.media.SetCameraEnabled(on)
	c.snap.CameraOn = on
}

func (c *Controller) switchDevice(id string) {
	if c.snap.State.Finishing() {
		return
	}
	if c.media == nil {
		c.acquire(c.gen, id)
		return
	}
	m := c.media
	go func() {
		err := m.SwitchVideoSource(c.ctx, id)
		c.post(func() {
			if c.media != m {
				return
			}
			if err != nil {
				log.Warn().Str("module", "session").Err(err).Str("device", id).Msg("switch camera")
				c.snap.Err = err
				return
			}
			c.snap.DeviceID = m.DeviceID()
		})
	}()
}

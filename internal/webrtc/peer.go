package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

const defaultSettleWindow = 1500 * time.Millisecond

// Options tunes a Peer.
type Options struct {
	// RemoteOut, when set, is a directory receiving the peer's media as
	// IVF/H264 and Ogg files.
	RemoteOut string
	// SettleWindow bounds how long the first remote track waits for its
	// sibling before the remote stream is published.
	SettleWindow time.Duration
	// IncludeLoopback gathers and accepts loopback candidates.
	IncludeLoopback bool
}

// TrackSource supplies outbound tracks, ex: *media.LocalMedia.
type TrackSource interface {
	Tracks() []pion.TrackLocal
}

// Peer wraps a Pion PeerConnection for one negotiation round.
type Peer struct {
	pc   *pion.PeerConnection
	opts Options

	mu            sync.Mutex
	remoteDescSet bool
	pending       []pion.ICECandidateInit
	remote        map[pion.RTPCodecType]*pion.TrackRemote
	published     bool
	settle        *time.Timer
	disconnected  bool
	closed        bool
	sinks         []remoteSink

	onRemote       func(*RemoteMedia)
	onDisconnected func()
}

// NewPeer creates a PeerConnection with VP8/H264/Opus registered and the
// NACK and RTCP report interceptors installed.
func NewPeer(iceServers []string, opts Options) (*Peer, error) {
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = defaultSettleWindow
	}

	m := &pion.MediaEngine{}
	videoFeedback := []pion.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "goog-remb"}}

	vp8Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	}
	if err := m.RegisterCodec(vp8Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register VP8: %w", err)
	}

	h264Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 102,
	}
	if err := m.RegisterCodec(h264Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}

	opusCodec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opusCodec, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)
	receiverReports, err := report.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create receiver reports: %w", err)
	}
	i.Add(receiverReports)
	senderReports, err := report.NewSenderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create sender reports: %w", err)
	}
	i.Add(senderReports)

	se := pion.SettingEngine{}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, s := range iceServers {
		if s == "" {
			continue
		}
		servers = append(servers, pion.ICEServer{URLs: []string{s}})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:     pc,
		opts:   opts,
		remote: make(map[pion.RTPCodecType]*pion.TrackRemote),
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("state", state.String()).Msg("ICE connection state")
		if state == pion.ICEConnectionStateFailed {
			p.fireDisconnected()
		}
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Debug().Str("module", "webrtc").Str("state", state.String()).Msg("peer connection state")
		if state == pion.PeerConnectionStateFailed {
			p.fireDisconnected()
		}
	})
	pc.OnTrack(p.handleTrack)

	return p, nil
}

// SetOnRemoteStream registers the callback fired once per negotiation round.
func (p *Peer) SetOnRemoteStream(fn func(*RemoteMedia)) {
	p.mu.Lock()
	p.onRemote = fn
	p.mu.Unlock()
}

// SetOnDisconnected registers the callback fired once on ICE failure.
func (p *Peer) SetOnDisconnected(fn func()) {
	p.mu.Lock()
	p.onDisconnected = fn
	p.mu.Unlock()
}

// AddLocalTracks attaches the outbound tracks and drains their RTCP.
func (p *Peer) AddLocalTracks(src TrackSource) error {
	for _, t := range src.Tracks() {
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// SetOnICECandidate registers the callback for locally discovered ICE candidates.
func (p *Peer) SetOnICECandidate(send func(domain.ICECandidatePayload)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Debug().Str("module", "webrtc").Msg("ICE gathering complete")
			return
		}

		init := c.ToJSON()
		if !p.opts.IncludeLoopback && isLoopback(init.Candidate) {
			log.Debug().Str("module", "webrtc").Msg("filtering loopback ICE candidate")
			return
		}

		log.Debug().Str("module", "webrtc").Str("candidate", init.Candidate).Msg("local ICE candidate")
		send(domain.ICECandidatePayload{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	const op = "webrtc.CreateOffer"

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, domain.E(domain.KindNegotiation, op, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, domain.E(domain.KindNegotiation, op, fmt.Errorf("set local description: %w", err))
	}

	log.Debug().Str("module", "webrtc").Msg("local SDP offer set")
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// HandleOffer applies the peer's offer and returns the local answer.
func (p *Peer) HandleOffer(sdp domain.SDPPayload) (domain.SDPPayload, error) {
	const op = "webrtc.HandleOffer"

	if err := p.setRemote(pion.SDPTypeOffer, sdp.SDP); err != nil {
		return domain.SDPPayload{}, domain.E(domain.KindNegotiation, op, err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, domain.E(domain.KindNegotiation, op, fmt.Errorf("create answer: %w", err))
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, domain.E(domain.KindNegotiation, op, fmt.Errorf("set local description: %w", err))
	}

	log.Debug().Str("module", "webrtc").Msg("local SDP answer set")
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// HandleAnswer applies the peer's answer to our offer.
func (p *Peer) HandleAnswer(sdp domain.SDPPayload) error {
	if err := p.setRemote(pion.SDPTypeAnswer, sdp.SDP); err != nil {
		return domain.E(domain.KindNegotiation, "webrtc.HandleAnswer", err)
	}
	log.Debug().Str("module", "webrtc").Msg("remote SDP answer set")
	return nil
}

// setRemote sets the remote description, then flushes candidates that
// arrived before it.
func (p *Peer) setRemote(typ pion.SDPType, sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return errors.New("empty sdp")
	}
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteDescSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Warn().Str("module", "webrtc").Err(err).Msg("queued ICE candidate rejected")
		}
	}
	if len(pending) > 0 {
		log.Debug().Str("module", "webrtc").Int("count", len(pending)).Msg("flushed queued ICE candidates")
	}
	return nil
}

// HandleRemoteCandidate adds a candidate, queueing it until the remote
// description is set.
func (p *Peer) HandleRemoteCandidate(c domain.ICECandidatePayload) error {
	if strings.TrimSpace(c.Candidate) == "" {
		// end-of-candidates marker
		return nil
	}
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	p.mu.Lock()
	if !p.remoteDescSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		log.Debug().Str("module", "webrtc").Msg("queued early ICE candidate")
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return domain.E(domain.KindNegotiation, "webrtc.HandleRemoteCandidate", err)
	}
	return nil
}

// PendingCandidates reports how many remote candidates are queued.
func (p *Peer) PendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) handleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	codec := track.Codec()
	log.Info().Str("module", "webrtc").Str("kind", track.Kind().String()).Str("codec", codec.MimeType).Msg("got remote track")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.remote[track.Kind()] = track
	sink := newRemoteSink(p.opts.RemoteOut, track)
	if sink != nil {
		p.sinks = append(p.sinks, sink)
	}
	complete := p.remote[pion.RTPCodecTypeAudio] != nil && p.remote[pion.RTPCodecTypeVideo] != nil
	if !complete && p.settle == nil && !p.published {
		p.settle = time.AfterFunc(p.opts.SettleWindow, p.publishRemote)
	}
	p.mu.Unlock()

	go readRemote(track, sink)

	if complete {
		p.publishRemote()
	}
}

// publishRemote fires the remote stream callback at most once.
func (p *Peer) publishRemote() {
	p.mu.Lock()
	if p.published || p.closed || len(p.remote) == 0 {
		p.mu.Unlock()
		return
	}
	p.published = true
	if p.settle != nil {
		p.settle.Stop()
	}
	rm := newRemoteMedia(p.remote)
	fn := p.onRemote
	p.mu.Unlock()

	log.Info().Str("module", "webrtc").Str("stream", rm.StreamID()).Strs("kinds", rm.Kinds()).Msg("remote stream ready")
	if fn != nil {
		fn(rm)
	}
}

func (p *Peer) fireDisconnected() {
	p.mu.Lock()
	if p.disconnected || p.closed {
		p.mu.Unlock()
		return
	}
	p.disconnected = true
	fn := p.onDisconnected
	p.mu.Unlock()

	log.Warn().Str("module", "webrtc").Msg("peer connection failed")
	if fn != nil {
		fn()
	}
}

// Close shuts down the PeerConnection and any remote sinks.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.settle != nil {
		p.settle.Stop()
	}
	sinks := p.sinks
	p.sinks = nil
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		log.Debug().Str("module", "webrtc").Err(err).Msg("close peer connection")
	}
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Debug().Str("module", "webrtc").Err(err).Msg("close remote sink")
		}
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}

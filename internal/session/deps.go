package session

import (
	"context"
	"time"

	"github.com/sukesh-kandasamy/sense/internal/analysis"
	"github.com/sukesh-kandasamy/sense/internal/domain"
	"github.com/sukesh-kandasamy/sense/internal/media"
	"github.com/sukesh-kandasamy/sense/internal/recorder"
	"github.com/sukesh-kandasamy/sense/internal/webrtc"
)

// Peer is one negotiation round's connection.
type Peer interface {
	AddLocalTracks(src webrtc.TrackSource) error
	SetOnICECandidate(send func(domain.ICECandidatePayload))
	SetOnRemoteStream(fn func(domain.RemoteStream))
	SetOnDisconnected(fn func())
	CreateOffer() (domain.SDPPayload, error)
	HandleOffer(sdp domain.SDPPayload) (domain.SDPPayload, error)
	HandleAnswer(sdp domain.SDPPayload) error
	HandleRemoteCandidate(c domain.ICECandidatePayload) error
	Close()
}

// Channel is an open analysis channel.
type Channel interface {
	Close()
}

// Analysis opens the emotion-analysis side channel.
type Analysis interface {
	OpenUplink(ctx context.Context, room string, src analysis.FrameSource, onClosed func(error)) (Channel, error)
	OpenDownlink(ctx context.Context, room string, onInsight func(domain.Insight), onClosed func(error)) (Channel, error)
}

// Recording is a running recorder.
type Recording interface {
	Attach(src recorder.Source) error
	Stop() (recorder.Blob, error)
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Backend domain.Backend
	Signal  domain.SignalDialer
	Media   *media.Acquirer
	NewPeer func() (Peer, error)

	// Analysis and Record are optional; nil disables the feature.
	Analysis Analysis
	Record   func(src recorder.Source) (Recording, error)
}

// PionPeers returns a Peer factory backed by Pion.
func PionPeers(iceServers []string, opts webrtc.Options) func() (Peer, error) {
	return func() (Peer, error) {
		p, err := webrtc.NewPeer(iceServers, opts)
		if err != nil {
			return nil, err
		}
		return pionPeer{p}, nil
	}
}

type pionPeer struct {
	*webrtc.Peer
}

func (p pionPeer) SetOnRemoteStream(fn func(domain.RemoteStream)) {
	p.Peer.SetOnRemoteStream(func(r *webrtc.RemoteMedia) { fn(r) })
}

// AnalysisService dials the analysis service with cfg.
func AnalysisService(cfg analysis.Config) Analysis {
	return analysisService{cfg: cfg}
}

type analysisService struct {
	cfg analysis.Config
}

func (s analysisService) OpenUplink(ctx context.Context, room string, src analysis.FrameSource, onClosed func(error)) (Channel, error) {
	u, err := analysis.DialUplink(ctx, s.cfg, room, src, onClosed)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s analysisService) OpenDownlink(ctx context.Context, room string, onInsight func(domain.Insight), onClosed func(error)) (Channel, error) {
	d, err := analysis.DialDownlink(ctx, s.cfg, room, onInsight, onClosed)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// WebMRecorder starts a recorder cutting chunks every chunkInterval.
func WebMRecorder(chunkInterval time.Duration) func(recorder.Source) (Recording, error) {
	return func(src recorder.Source) (Recording, error) {
		r, err := recorder.Start(src, recorder.WithChunkInterval(chunkInterval))
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

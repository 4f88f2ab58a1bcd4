package webrtc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

// RemoteMedia is the peer's inbound stream for one negotiation round. It is
// only ever published complete.
type RemoteMedia struct {
	streamID string
	tracks   []*pion.TrackRemote
}

var _ domain.RemoteStream = (*RemoteMedia)(nil)

func newRemoteMedia(tracks map[pion.RTPCodecType]*pion.TrackRemote) *RemoteMedia {
	rm := &RemoteMedia{}
	for _, t := range tracks {
		rm.tracks = append(rm.tracks, t)
		if rm.streamID == "" {
			rm.streamID = t.StreamID()
		}
	}
	sort.Slice(rm.tracks, func(i, j int) bool { return rm.tracks[i].Kind() < rm.tracks[j].Kind() })
	return rm
}

func (r *RemoteMedia) StreamID() string { return r.streamID }

// Kinds lists the track kinds present, ex: ["audio", "video"].
func (r *RemoteMedia) Kinds() []string {
	out := make([]string, 0, len(r.tracks))
	for _, t := range r.tracks {
		out = append(out, t.Kind().String())
	}
	return out
}

func (r *RemoteMedia) Tracks() []*pion.TrackRemote { return r.tracks }

// remoteSink persists one remote track.
type remoteSink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// newRemoteSink opens a writer for track under dir, or returns nil when
// recording the remote side is off or the codec has no container.
func newRemoteSink(dir string, track *pion.TrackRemote) remoteSink {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Str("module", "webrtc").Err(err).Msg("create remote output dir")
		return nil
	}

	codec := track.Codec()
	base := filepath.Join(dir, fmt.Sprintf("remote-%s-%d", track.Kind(), time.Now().UnixMilli()))

	var (
		w   remoteSink
		err error
	)
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(pion.MimeTypeVP8):
		w, err = ivfwriter.New(base+".ivf", ivfwriter.WithCodec(codec.MimeType))
	case strings.ToLower(pion.MimeTypeH264):
		w, err = newH264File(base + ".h264")
	case strings.ToLower(pion.MimeTypeOpus):
		w, err = oggwriter.New(base+".ogg", codec.ClockRate, codec.Channels)
	default:
		log.Warn().Str("module", "webrtc").Str("codec", codec.MimeType).Msg("no container for remote codec")
		return nil
	}
	if err != nil {
		log.Warn().Str("module", "webrtc").Err(err).Msg("open remote sink")
		return nil
	}
	log.Info().Str("module", "webrtc").Str("codec", codec.MimeType).Str("path", base).Msg("writing remote track")
	return w
}

// readRemote pulls RTP until the track ends. Without a sink packets are
// discarded so the interceptors keep running.
func readRemote(track *pion.TrackRemote, sink remoteSink) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if sink == nil {
			continue
		}
		if err := sink.WriteRTP(pkt); err != nil {
			log.Debug().Str("module", "webrtc").Err(err).Msg("write remote packet")
			return
		}
	}
}

package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

var (
	// ErrReleased is returned by operations on a released LocalMedia.
	ErrReleased = errors.New("local media released")
	// ErrNoFrame is returned by Snapshot before the first frame or while
	// the camera is off.
	ErrNoFrame = errors.New("no video frame available")
)

// Acquirer opens LocalMedia handles from a Driver.
type Acquirer struct {
	driver Driver
}

func NewAcquirer(d Driver) *Acquirer {
	return &Acquirer{driver: d}
}

// Driver returns the underlying driver.
func (a *Acquirer) Driver() Driver { return a.driver }

// ListVideoSources returns the available cameras in driver order.
func (a *Acquirer) ListVideoSources(ctx context.Context) ([]DeviceInfo, error) {
	devs, err := a.driver.List(ctx)
	if err != nil {
		return nil, domain.E(domain.KindDevice, "media.ListVideoSources", err)
	}
	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		if d.Kind == KindVideo {
			out = append(out, d)
		}
	}
	return out, nil
}

// Acquire opens deviceID (or the default camera when empty). If ctx is
// cancelled while the device is opening, the late handle is closed and
// ctx.Err() returned so no hardware stays claimed.
func (a *Acquirer) Acquire(ctx context.Context, deviceID string) (*LocalMedia, error) {
	const op = "media.Acquire"

	video, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8}, "video", "sense-"+uuid.NewString())
	if err != nil {
		return nil, domain.E(domain.KindDevice, op, fmt.Errorf("video track: %w", err))
	}
	audio, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "audio", video.StreamID())
	if err != nil {
		return nil, domain.E(domain.KindDevice, op, fmt.Errorf("audio track: %w", err))
	}

	m := &LocalMedia{
		driver:     a.driver,
		video:      video,
		audio:      audio,
		micOn:      true,
		camOn:      true,
		pcmSubs:    make(map[int]chan PCM),
		sampleSubs: make(map[int]chan Sample),
	}
	if err := m.open(ctx, deviceID); err != nil {
		return nil, err
	}
	log.Info().Str("module", "media").Str("driver", a.driver.Name()).Str("device", m.deviceID).Msg("media acquired")
	return m, nil
}

// LocalMedia is the live capture handle. It is owned by one session
// controller; consumers only borrow its tracks and taps.
type LocalMedia struct {
	driver Driver
	video  *pion.TrackLocalStaticSample
	audio  *pion.TrackLocalStaticSample

	mu         sync.Mutex
	capture    Capture
	gen        uint64
	deviceID   string
	micOn      bool
	camOn      bool
	frame      image.Image
	pcmSubs    map[int]chan PCM
	sampleSubs map[int]chan Sample
	nextSub    int
	released   bool
}

// open starts a capture for deviceID. Callers must not hold m.mu.
func (m *LocalMedia) open(ctx context.Context, deviceID string) error {
	const op = "media.open"

	c, err := m.driver.Open(ctx, deviceID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if domain.KindOf(err) == domain.KindDevice {
			return err
		}
		return domain.E(domain.KindDevice, op, err)
	}
	if ctx.Err() != nil {
		// owner went away while the device was opening
		_ = c.Close()
		return ctx.Err()
	}

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		_ = c.Close()
		return ErrReleased
	}
	m.gen++
	m.capture = c
	m.frame = nil
	if deviceID == "" {
		deviceID = "default"
	}
	m.deviceID = deviceID
	sink := &captureSink{m: m, gen: m.gen}
	m.mu.Unlock()

	if err := c.Start(sink); err != nil {
		_ = c.Close()
		return domain.E(domain.KindDevice, op, err)
	}
	return nil
}

// SwitchVideoSource stops the current capture and opens deviceID. The
// outbound tracks stay the same objects, so senders keep working.
func (m *LocalMedia) SwitchVideoSource(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return ErrReleased
	}
	old := m.capture
	m.capture = nil
	m.gen++
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn().Str("module", "media").Err(err).Msg("close previous capture")
		}
	}
	if err := m.open(ctx, deviceID); err != nil {
		return err
	}
	log.Info().Str("module", "media").Str("device", deviceID).Msg("video source switched")
	return nil
}

// Release stops capture and closes every tap. Safe to call repeatedly.
func (m *LocalMedia) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	m.gen++
	c := m.capture
	m.capture = nil
	for id, ch := range m.pcmSubs {
		close(ch)
		delete(m.pcmSubs, id)
	}
	for id, ch := range m.sampleSubs {
		close(ch)
		delete(m.sampleSubs, id)
	}
	m.mu.Unlock()

	if c != nil {
		if err := c.Close(); err != nil {
			log.Warn().Str("module", "media").Err(err).Msg("close capture")
		}
	}
	log.Info().Str("module", "media").Msg("media released")
}

// Released reports whether Release has been called.
func (m *LocalMedia) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// Tracks returns the outbound tracks, video first.
func (m *LocalMedia) Tracks() []pion.TrackLocal {
	return []pion.TrackLocal{m.video, m.audio}
}

func (m *LocalMedia) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceID
}

func (m *LocalMedia) MicEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micOn
}

func (m *LocalMedia) CameraEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camOn
}

// SetMicEnabled mutes or unmutes audio without releasing the device.
func (m *LocalMedia) SetMicEnabled(on bool) {
	m.mu.Lock()
	m.micOn = on
	m.mu.Unlock()
}

// SetCameraEnabled blanks or restores video without releasing the device.
func (m *LocalMedia) SetCameraEnabled(on bool) {
	m.mu.Lock()
	m.camOn = on
	if !on {
		m.frame = nil
	}
	m.mu.Unlock()
}

// Snapshot returns the most recent still frame.
func (m *LocalMedia) Snapshot() (image.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil, ErrReleased
	}
	if !m.camOn || m.frame == nil {
		return nil, ErrNoFrame
	}
	return m.frame, nil
}

// SubscribePCM taps raw microphone audio. The returned cancel func is
// idempotent; the channel is closed on cancel or Release.
func (m *LocalMedia) SubscribePCM(buf int) (<-chan PCM, func()) {
	ch := make(chan PCM, buf)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.pcmSubs[id] = ch
	return ch, func() { m.unsubscribePCM(id) }
}

func (m *LocalMedia) unsubscribePCM(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.pcmSubs[id]; ok {
		close(ch)
		delete(m.pcmSubs, id)
	}
}

// SubscribeSamples taps the encoded samples sent to the peer.
func (m *LocalMedia) SubscribeSamples(buf int) (<-chan Sample, func()) {
	ch := make(chan Sample, buf)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.sampleSubs[id] = ch
	return ch, func() { m.unsubscribeSamples(id) }
}

func (m *LocalMedia) unsubscribeSamples(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.sampleSubs[id]; ok {
		close(ch)
		delete(m.sampleSubs, id)
	}
}

// captureSink tags deliveries with the capture generation so a capture
// closed by SwitchVideoSource or Release cannot write into the handle.
type captureSink struct {
	m   *LocalMedia
	gen uint64
}

func (s *captureSink) live() bool { return !s.m.released && s.m.gen == s.gen }

func (s *captureSink) WriteSample(smp Sample) {
	m := s.m
	m.mu.Lock()
	if !s.live() || (smp.Kind == KindAudio && !m.micOn) || (smp.Kind == KindVideo && !m.camOn) {
		m.mu.Unlock()
		return
	}
	for _, ch := range m.sampleSubs {
		select {
		case ch <- smp:
		default:
		}
	}
	m.mu.Unlock()

	track := m.video
	if smp.Kind == KindAudio {
		track = m.audio
	}
	if err := track.WriteSample(pionmedia.Sample{Data: smp.Data, Duration: smp.Duration}); err != nil {
		log.Debug().Str("module", "media").Err(err).Msg("write sample")
	}
}

func (s *captureSink) WriteFrame(img image.Image) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.live() && s.m.camOn {
		s.m.frame = img
	}
}

func (s *captureSink) WritePCM(p PCM) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.live() || !m.micOn {
		return
	}
	for _, ch := range m.pcmSubs {
		select {
		case ch <- p:
		default:
		}
	}
}

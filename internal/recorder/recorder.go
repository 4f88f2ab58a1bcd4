// Package recorder captures the local participant's own media to WebM and
// uploads it once when the session ends.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
	"github.com/sukesh-kandasamy/sense/internal/media"
)

const (
	DefaultChunkInterval = time.Second
	// how long audio waits for a video keyframe before the file is
	// committed to audio only
	defaultVideoWait = 2 * time.Second
)

var (
	ErrStopped        = errors.New("recorder already stopped")
	ErrNoEncoding     = errors.New("no supported recording encoding")
	ErrAlreadyFlushed = errors.New("recording buffer already flushed")
)

// Source is the part of LocalMedia the recorder borrows.
type Source interface {
	Tracks() []pion.TrackLocal
	SubscribeSamples(buf int) (<-chan media.Sample, func())
}

// Blob is a finished recording.
type Blob struct {
	Data     []byte
	Duration time.Duration
	Chunks   int
}

// Buffer is the append-only list of encoded chunks, flushed exactly once.
type Buffer struct {
	mu      sync.Mutex
	chunks  [][]byte
	flushed bool
}

func (b *Buffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return
	}
	b.chunks = append(b.chunks, chunk)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Flush concatenates the chunks in arrival order.
func (b *Buffer) Flush() ([]byte, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return nil, 0, ErrAlreadyFlushed
	}
	b.flushed = true
	out := bytes.Join(b.chunks, nil)
	n := len(b.chunks)
	b.chunks = nil
	return out, n, nil
}

// pending collects muxer output between chunk cuts.
type pending struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *pending) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(b)
}

func (p *pending) Close() error { return nil }

func (p *pending) cut() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf.Len() == 0 {
		return nil
	}
	out := bytes.Clone(p.buf.Bytes())
	p.buf.Reset()
	return out
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock injects the time source used for the reported duration.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithChunkInterval sets the chunk cut cadence.
func WithChunkInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.chunkInterval = d
		}
	}
}

// WithVideoWait bounds how long audio is held back waiting for video.
func WithVideoWait(d time.Duration) Option {
	return func(r *Recorder) { r.videoWait = d }
}

// Recorder muxes the local samples into WebM.
type Recorder struct {
	now           func() time.Time
	chunkInterval time.Duration
	videoWait     time.Duration
	hasVideo      bool
	hasAudio      bool

	startAt time.Time
	buffer  Buffer
	out     pending

	samples     <-chan media.Sample
	unsubscribe func()
	attach      chan sampleFeed
	stop        chan struct{}
	done        chan struct{}

	// owned by the run goroutine
	audio, video webm.BlockWriteCloser
	writers      []webm.BlockWriteCloser
	held         []heldSample
	dropped      int

	mu      sync.Mutex
	stopped bool
}

type sampleFeed struct {
	samples     <-chan media.Sample
	unsubscribe func()
}

type heldSample struct {
	s  media.Sample
	ts int64
}

// Start begins recording src. It fails with a Recorder error when src has
// neither a VP8 nor an Opus track.
func Start(src Source, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		now:           time.Now,
		chunkInterval: DefaultChunkInterval,
		videoWait:     defaultVideoWait,
		attach:        make(chan sampleFeed),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}

	for _, t := range src.Tracks() {
		ct, ok := t.(interface{ Codec() pion.RTPCodecCapability })
		if !ok {
			continue
		}
		switch strings.ToLower(ct.Codec().MimeType) {
		case strings.ToLower(pion.MimeTypeVP8):
			r.hasVideo = true
		case strings.ToLower(pion.MimeTypeOpus):
			r.hasAudio = true
		}
	}
	if !r.hasVideo && !r.hasAudio {
		return nil, domain.E(domain.KindRecorder, "recorder.Start", ErrNoEncoding)
	}

	r.samples, r.unsubscribe = src.SubscribeSamples(512)
	r.startAt = r.now()
	go r.run()

	log.Info().Str("module", "recorder").Bool("video", r.hasVideo).Bool("audio", r.hasAudio).Msg("recording started")
	return r, nil
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.chunkInterval)
	defer ticker.Stop()

	var waitC <-chan time.Time
	if r.hasVideo && r.hasAudio && r.videoWait > 0 {
		wait := time.NewTimer(r.videoWait)
		defer wait.Stop()
		waitC = wait.C
	}

	for {
		select {
		case <-r.stop:
			r.finish()
			return
		case s, ok := <-r.samples:
			if !ok {
				// source released underneath us; keep cutting until Stop
				// or until Attach hands over a new one
				r.samples = nil
				continue
			}
			r.handle(s)
		case f := <-r.attach:
			r.unsubscribe()
			r.samples, r.unsubscribe = f.samples, f.unsubscribe
		case <-waitC:
			waitC = nil
			if r.writers == nil {
				r.initWriters(0, 0, false)
			}
		case <-ticker.C:
			r.buffer.Append(r.out.cut())
		}
	}
}

func (r *Recorder) timestamp() int64 {
	return r.now().Sub(r.startAt).Milliseconds()
}

func (r *Recorder) handle(s media.Sample) {
	ts := r.timestamp()

	if r.writers == nil {
		switch {
		case s.Kind == media.KindVideo && s.Keyframe:
			w, h := VP8Dimensions(s.Data)
			r.initWriters(w, h, true)
		case s.Kind == media.KindAudio && r.hasVideo:
			r.held = append(r.held, heldSample{s: s, ts: ts})
			return
		case s.Kind == media.KindAudio:
			r.initWriters(0, 0, false)
		default:
			return
		}
	}
	r.write(s, ts)
}

func (r *Recorder) write(s media.Sample, ts int64) {
	w := r.audio
	keyframe := true
	if s.Kind == media.KindVideo {
		w = r.video
		keyframe = s.Keyframe
	}
	if w == nil {
		r.dropped++
		return
	}
	if _, err := w.Write(keyframe, ts, s.Data); err != nil {
		log.Debug().Str("module", "recorder").Err(err).Msg("write block")
	}
}

// initWriters commits the track layout. Video is included only when a
// keyframe supplied its dimensions.
func (r *Recorder) initWriters(width, height int, withVideo bool) {
	var tracks []webm.TrackEntry
	audioIdx, videoIdx := -1, -1
	if r.hasAudio {
		audioIdx = len(tracks)
		tracks = append(tracks, webm.TrackEntry{
			Name:            "Audio",
			TrackNumber:     uint64(len(tracks) + 1),
			TrackUID:        1001,
			CodecID:         "A_OPUS",
			TrackType:       2,
			DefaultDuration: 20000000,
			Audio:           &webm.Audio{SamplingFrequency: 48000.0, Channels: 2},
		})
	}
	if withVideo {
		videoIdx = len(tracks)
		tracks = append(tracks, webm.TrackEntry{
			Name:            "Video",
			TrackNumber:     uint64(len(tracks) + 1),
			TrackUID:        1002,
			CodecID:         "V_VP8",
			TrackType:       1,
			DefaultDuration: 33333333,
			Video:           &webm.Video{PixelWidth: uint64(width), PixelHeight: uint64(height)},
		})
	}
	if len(tracks) == 0 {
		return
	}

	ws, err := webm.NewSimpleBlockWriter(&r.out, tracks)
	if err != nil {
		log.Warn().Str("module", "recorder").Err(err).Msg("create webm writer")
		return
	}
	r.writers = ws
	if audioIdx >= 0 {
		r.audio = ws[audioIdx]
	}
	if videoIdx >= 0 {
		r.video = ws[videoIdx]
	}
	log.Debug().Str("module", "recorder").Int("tracks", len(ws)).Int("width", width).Int("height", height).Msg("webm tracks committed")

	for _, h := range r.held {
		r.write(h.s, h.ts)
	}
	r.held = nil
}

func (r *Recorder) finish() {
	r.unsubscribe()
	if r.writers == nil && len(r.held) > 0 {
		r.initWriters(0, 0, false)
	}
	for _, w := range r.writers {
		if err := w.Close(); err != nil {
			log.Debug().Str("module", "recorder").Err(err).Msg("close webm writer")
		}
	}
	r.buffer.Append(r.out.cut())
}

// Stop finalizes the file. Duration is measured from the start and stop
// timestamps, not from chunk count.
func (r *Recorder) Stop() (Blob, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return Blob{}, domain.E(domain.KindRecorder, "recorder.Stop", ErrStopped)
	}
	r.stopped = true
	r.mu.Unlock()

	stopAt := r.now()
	close(r.stop)
	<-r.done

	data, n, err := r.buffer.Flush()
	if err != nil {
		return Blob{}, domain.E(domain.KindRecorder, "recorder.Stop", err)
	}
	blob := Blob{Data: data, Duration: stopAt.Sub(r.startAt), Chunks: n}
	log.Info().Str("module", "recorder").Int("bytes", len(data)).Int("chunks", n).Dur("duration", blob.Duration).Msg("recording stopped")
	return blob, nil
}

// Attach continues the recording from src, typically a re-acquired
// LocalMedia after the previous one was released. The track layout chosen
// at Start is kept; samples of a kind it lacks are dropped.
func (r *Recorder) Attach(src Source) error {
	const op = "recorder.Attach"
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return domain.E(domain.KindRecorder, op, ErrStopped)
	}

	samples, unsubscribe := src.SubscribeSamples(512)
	select {
	case r.attach <- sampleFeed{samples: samples, unsubscribe: unsubscribe}:
		log.Info().Str("module", "recorder").Msg("recording source attached")
		return nil
	case <-r.done:
		unsubscribe()
		return domain.E(domain.KindRecorder, op, ErrStopped)
	}
}

// Chunks reports how many chunks have been cut so far.
func (r *Recorder) Chunks() int { return r.buffer.Len() }

// Uploader is the backend call used by Upload.
type Uploader interface {
	UploadRecording(ctx context.Context, room string, file io.Reader, duration time.Duration) error
}

// Upload submits blob once, bounded by timeout. Failures come back as
// Upload errors; callers log them and move on.
func Upload(ctx context.Context, up Uploader, room string, blob Blob, timeout time.Duration) error {
	const op = "recorder.Upload"
	if len(blob.Data) == 0 {
		return domain.E(domain.KindUpload, op, errors.New("empty recording"))
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := up.UploadRecording(ctx, room, bytes.NewReader(blob.Data), blob.Duration); err != nil {
		log.Error().Str("module", "recorder").Err(err).Str("room", room).Msg("recording upload failed")
		return domain.E(domain.KindUpload, op, fmt.Errorf("upload %d bytes: %w", len(blob.Data), err))
	}
	return nil
}

// VP8Dimensions reads width and height from a VP8 keyframe header.
func VP8Dimensions(frame []byte) (width, height int) {
	if len(frame) < 10 || frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0
	}
	raw := uint(frame[6]) | uint(frame[7])<<8 | uint(frame[8])<<16 | uint(frame[9])<<24
	return int(raw & 0x3fff), int((raw >> 16) & 0x3fff)
}

package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

// opusSilence is a 20ms Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticDriver produces a moving test pattern, a sine tone and silent
// Opus frames without touching hardware. With VideoFile set, VP8 frames are
// looped from an IVF file so the peer sees real video.
type SyntheticDriver struct {
	Cameras       int
	VideoFile     string
	FrameInterval time.Duration
	ToneHz        float64
}

func NewSyntheticDriver(videoFile string) *SyntheticDriver {
	return &SyntheticDriver{Cameras: 2, VideoFile: videoFile, FrameInterval: 200 * time.Millisecond, ToneHz: 440}
}

func (d *SyntheticDriver) Name() string { return "synthetic" }

func (d *SyntheticDriver) List(context.Context) ([]DeviceInfo, error) {
	devs := make([]DeviceInfo, 0, d.Cameras+1)
	for i := 0; i < d.Cameras; i++ {
		devs = append(devs, DeviceInfo{ID: fmt.Sprintf("synthetic:%d", i), Label: fmt.Sprintf("Test pattern %d", i), Kind: KindVideo})
	}
	devs = append(devs, DeviceInfo{ID: "synthetic:tone", Label: "Sine tone", Kind: KindAudio})
	return devs, nil
}

func (d *SyntheticDriver) Open(ctx context.Context, deviceID string) (Capture, error) {
	const op = "media.synthetic.Open"

	if d.Cameras <= 0 {
		return nil, domain.E(domain.KindDevice, op, errors.New("no camera found"))
	}
	if deviceID == "" || deviceID == "default" {
		deviceID = "synthetic:0"
	}
	var idx int
	if _, err := fmt.Sscanf(deviceID, "synthetic:%d", &idx); err != nil || idx < 0 || idx >= d.Cameras {
		return nil, domain.E(domain.KindDevice, op, fmt.Errorf("unknown device %q", deviceID))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	interval := d.FrameInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &syntheticCapture{
		index:     idx,
		videoFile: d.VideoFile,
		interval:  interval,
		toneHz:    d.ToneHz,
		stop:      make(chan struct{}),
	}, nil
}

type syntheticCapture struct {
	index     int
	videoFile string
	interval  time.Duration
	toneHz    float64

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (c *syntheticCapture) Start(sink Sink) error {
	c.wg.Add(1)
	go c.audioLoop(sink)
	c.wg.Add(1)
	go c.stillLoop(sink)
	if c.videoFile != "" {
		f, err := os.Open(c.videoFile)
		if err != nil {
			return fmt.Errorf("open video file: %w", err)
		}
		c.wg.Add(1)
		go c.ivfLoop(f, sink)
	}
	return nil
}

// Close stops all generators and waits for them, so nothing is delivered
// after it returns.
func (c *syntheticCapture) Close() error {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

func (c *syntheticCapture) audioLoop(sink Sink) {
	defer c.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * c.toneHz / pcmRate
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		sink.WriteSample(Sample{Kind: KindAudio, Data: opusSilence, Duration: 20 * time.Millisecond})

		data := make([]float32, pcmBlock)
		for i := range data {
			data[i] = float32(0.2 * math.Sin(phase))
			phase += step
		}
		phase = math.Mod(phase, 2*math.Pi)
		sink.WritePCM(PCM{Rate: pcmRate, Channels: 1, Data: data})
	}
}

func (c *syntheticCapture) stillLoop(sink Sink) {
	defer c.wg.Done()
	sink.WriteFrame(TestPattern(stillWidth, stillHeight, c.index))
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	n := c.index
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			n++
			sink.WriteFrame(TestPattern(stillWidth, stillHeight, n))
		}
	}
}

// ivfLoop replays the file's VP8 frames at their native pace, rewinding at
// EOF.
func (c *syntheticCapture) ivfLoop(f *os.File, sink Sink) {
	defer c.wg.Done()
	defer f.Close()

	for {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return
		}
		r, hdr, err := ivfreader.NewWith(f)
		if err != nil {
			return
		}
		var last uint64
		for {
			frame, fh, err := r.ParseNextFrame()
			if err != nil {
				break
			}
			dur := frameDuration(hdr, fh.Timestamp-last)
			last = fh.Timestamp
			select {
			case <-c.stop:
				return
			case <-time.After(dur):
			}
			sink.WriteSample(Sample{Kind: KindVideo, Data: frame, Duration: dur, Keyframe: IsVP8Keyframe(frame)})
		}
	}
}

var patternColors = []color.RGBA{
	{0xc0, 0xc0, 0xc0, 0xff}, {0xc0, 0xc0, 0x00, 0xff}, {0x00, 0xc0, 0xc0, 0xff}, {0x00, 0xc0, 0x00, 0xff},
	{0xc0, 0x00, 0xc0, 0xff}, {0xc0, 0x00, 0x00, 0xff}, {0x00, 0x00, 0xc0, 0xff}, {0x10, 0x10, 0x10, 0xff},
}

// TestPattern draws colour bars shifted by n bar widths.
func TestPattern(w, h, n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bar := w / len(patternColors)
	if bar == 0 {
		bar = 1
	}
	for x := 0; x < w; x++ {
		c := patternColors[(x/bar+n)%len(patternColors)]
		for y := 0; y < h; y++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

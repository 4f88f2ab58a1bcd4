package media

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

const (
	pcmRate       = 16000
	pcmBlock      = pcmRate / 50 // 20ms
	stillWidth    = 640
	stillHeight   = 480
	stillRate     = 2
	defaultFPS    = 30
	stopGraceTime = 2 * time.Second
)

// FFmpegDriver captures through an ffmpeg subprocess. One process per
// capture writes VP8/IVF, Opus/Ogg, raw RGB stills and f32le PCM to four
// pipes.
type FFmpegDriver struct {
	Bin    string
	Width  int
	Height int
}

func NewFFmpegDriver(bin string) *FFmpegDriver {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpegDriver{Bin: bin, Width: 1280, Height: 720}
}

func (d *FFmpegDriver) Name() string { return "ffmpeg" }

// CheckFFmpeg reports whether the ffmpeg binary can be found.
func (d *FFmpegDriver) CheckFFmpeg() error {
	if _, err := exec.LookPath(d.Bin); err != nil {
		return fmt.Errorf("%s not found in PATH", d.Bin)
	}
	return nil
}

// List enumerates V4L2 cameras on linux; other platforms expose the
// default avfoundation/dshow device only.
func (d *FFmpegDriver) List(ctx context.Context) ([]DeviceInfo, error) {
	if runtime.GOOS != "linux" {
		return []DeviceInfo{
			{ID: "0", Label: "Default camera", Kind: KindVideo},
			{ID: "default", Label: "Default microphone", Kind: KindAudio},
		}, nil
	}

	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	devs := make([]DeviceInfo, 0, len(paths)+1)
	for _, p := range paths {
		label := filepath.Base(p)
		if b, err := os.ReadFile(filepath.Join("/sys/class/video4linux", label, "name")); err == nil {
			label = strings.TrimSpace(string(b))
		}
		devs = append(devs, DeviceInfo{ID: p, Label: label, Kind: KindVideo})
	}
	devs = append(devs, DeviceInfo{ID: "default", Label: "ALSA default", Kind: KindAudio})
	return devs, nil
}

func (d *FFmpegDriver) inputArgs(deviceID string) (args []string, video, audio string) {
	size := fmt.Sprintf("%dx%d", d.Width, d.Height)
	switch runtime.GOOS {
	case "darwin":
		return []string{"-f", "avfoundation", "-framerate", "30", "-video_size", size, "-i", deviceID + ":0"}, "0:v", "0:a"
	case "windows":
		return []string{"-f", "dshow", "-i", "video=" + deviceID + ":audio=default"}, "0:v", "0:a"
	default:
		return []string{
			"-f", "v4l2", "-framerate", "30", "-video_size", size, "-i", deviceID,
			"-f", "alsa", "-i", "default",
		}, "0:v", "1:a"
	}
}

// Args builds the ffmpeg command line for deviceID.
func (d *FFmpegDriver) Args(deviceID string) []string {
	in, v, a := d.inputArgs(deviceID)
	args := append([]string{"-hide_banner", "-loglevel", "error"}, in...)
	args = append(args,
		"-map", v, "-c:v", "libvpx", "-deadline", "realtime", "-cpu-used", "8",
		"-b:v", "1M", "-g", "60", "-auto-alt-ref", "0", "-f", "ivf", "pipe:3",
		"-map", a, "-c:a", "libopus", "-b:a", "48k", "-frame_duration", "20",
		"-page_duration", "20000", "-f", "ogg", "pipe:4",
		"-map", v, "-r", fmt.Sprint(stillRate), "-s", fmt.Sprintf("%dx%d", stillWidth, stillHeight),
		"-pix_fmt", "rgb24", "-f", "rawvideo", "pipe:5",
		"-map", a, "-ac", "1", "-ar", fmt.Sprint(pcmRate), "-f", "f32le", "pipe:6",
	)
	return args
}

func (d *FFmpegDriver) Open(ctx context.Context, deviceID string) (Capture, error) {
	const op = "media.ffmpeg.Open"

	if err := d.CheckFFmpeg(); err != nil {
		return nil, domain.E(domain.KindDevice, op, err)
	}
	if deviceID == "" || deviceID == "default" {
		devs, err := d.List(ctx)
		if err != nil {
			return nil, domain.E(domain.KindDevice, op, err)
		}
		deviceID = ""
		for _, dev := range devs {
			if dev.Kind == KindVideo {
				deviceID = dev.ID
				break
			}
		}
		if deviceID == "" {
			return nil, domain.E(domain.KindDevice, op, errors.New("no camera found"))
		}
	}
	if runtime.GOOS == "linux" {
		if _, err := os.Stat(deviceID); err != nil {
			return nil, domain.E(domain.KindDevice, op, err)
		}
	}

	c := &ffmpegCapture{done: make(chan struct{})}
	var childEnds []*os.File
	for i := 0; i < 4; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			c.closePipes()
			for _, f := range childEnds {
				f.Close()
			}
			return nil, domain.E(domain.KindDevice, op, fmt.Errorf("pipe: %w", err))
		}
		c.pipes = append(c.pipes, r)
		childEnds = append(childEnds, w)
	}

	cmd := exec.Command(d.Bin, d.Args(deviceID)...)
	cmd.ExtraFiles = childEnds
	closeChildEnds := func() {
		for _, f := range childEnds {
			f.Close()
		}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.closePipes()
		closeChildEnds()
		return nil, domain.E(domain.KindDevice, op, err)
	}
	if err := cmd.Start(); err != nil {
		c.closePipes()
		closeChildEnds()
		return nil, domain.E(domain.KindDevice, op, fmt.Errorf("start ffmpeg: %w", err))
	}
	closeChildEnds()
	c.cmd = cmd

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Warn().Str("module", "media").Str("device", deviceID).Msg(sc.Text())
		}
	}()
	go func() {
		_ = cmd.Wait()
		close(c.done)
	}()

	log.Debug().Str("module", "media").Str("device", deviceID).Int("pid", cmd.Process.Pid).Msg("ffmpeg started")
	return c, nil
}

type ffmpegCapture struct {
	cmd   *exec.Cmd
	pipes []*os.File // ivf, ogg, stills, pcm
	done  chan struct{}
	once  sync.Once
}

func (c *ffmpegCapture) closePipes() {
	for _, p := range c.pipes {
		p.Close()
	}
}

func (c *ffmpegCapture) Start(sink Sink) error {
	go c.readIVF(sink)
	go c.readOgg(sink)
	go c.readStills(sink)
	go c.readPCM(sink)
	return nil
}

func (c *ffmpegCapture) Close() error {
	c.once.Do(func() {
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(os.Interrupt)
			select {
			case <-c.done:
			case <-time.After(stopGraceTime):
				_ = c.cmd.Process.Kill()
				<-c.done
			}
		}
		c.closePipes()
	})
	return nil
}

func (c *ffmpegCapture) readIVF(sink Sink) {
	r, hdr, err := ivfreader.NewWith(c.pipes[0])
	if err != nil {
		log.Debug().Str("module", "media").Err(err).Msg("ivf header")
		return
	}
	var last uint64
	for {
		frame, fh, err := r.ParseNextFrame()
		if err != nil {
			return
		}
		dur := frameDuration(hdr, fh.Timestamp-last)
		last = fh.Timestamp
		sink.WriteSample(Sample{Kind: KindVideo, Data: frame, Duration: dur, Keyframe: IsVP8Keyframe(frame)})
	}
}

// frameDuration converts an IVF timestamp delta to wall time.
func frameDuration(hdr *ivfreader.IVFFileHeader, delta uint64) time.Duration {
	if delta == 0 || hdr == nil || hdr.TimebaseDenominator == 0 {
		return time.Second / defaultFPS
	}
	return time.Duration(delta) * time.Second * time.Duration(hdr.TimebaseNumerator) / time.Duration(hdr.TimebaseDenominator)
}

// IsVP8Keyframe reads the P bit of the VP8 frame tag.
func IsVP8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

func (c *ffmpegCapture) readOgg(sink Sink) {
	r, _, err := oggreader.NewWith(c.pipes[1])
	if err != nil {
		log.Debug().Str("module", "media").Err(err).Msg("ogg header")
		return
	}
	var lastGranule uint64
	for {
		page, ph, err := r.ParseNextPage()
		if err != nil {
			return
		}
		if strings.HasPrefix(string(page), "OpusTags") {
			continue
		}
		count := ph.GranulePosition - lastGranule
		lastGranule = ph.GranulePosition
		dur := time.Duration(count) * time.Second / 48000
		if dur <= 0 {
			dur = 20 * time.Millisecond
		}
		sink.WriteSample(Sample{Kind: KindAudio, Data: page, Duration: dur})
	}
}

func (c *ffmpegCapture) readStills(sink Sink) {
	buf := make([]byte, stillWidth*stillHeight*3)
	for {
		if _, err := io.ReadFull(c.pipes[2], buf); err != nil {
			return
		}
		img := image.NewRGBA(image.Rect(0, 0, stillWidth, stillHeight))
		for i, j := 0, 0; i < len(buf); i, j = i+3, j+4 {
			img.Pix[j] = buf[i]
			img.Pix[j+1] = buf[i+1]
			img.Pix[j+2] = buf[i+2]
			img.Pix[j+3] = 0xff
		}
		sink.WriteFrame(img)
	}
}

func (c *ffmpegCapture) readPCM(sink Sink) {
	buf := make([]byte, pcmBlock*4)
	for {
		if _, err := io.ReadFull(c.pipes[3], buf); err != nil {
			return
		}
		data := make([]float32, pcmBlock)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		sink.WritePCM(PCM{Rate: pcmRate, Channels: 1, Data: data})
	}
}

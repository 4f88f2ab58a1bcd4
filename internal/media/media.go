// Package media acquires local camera and microphone input and fans it out to
// the peer connection, the analysis uplink and the recorder.
package media

import (
	"context"
	"image"
	"time"
)

// TrackKind separates audio from video samples.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	ID    string    `json:"id"`
	Label string    `json:"label"`
	Kind  TrackKind `json:"kind"`
}

// Sample is one encoded media frame: VP8 for video, Opus for audio.
type Sample struct {
	Kind     TrackKind
	Data     []byte
	Duration time.Duration
	Keyframe bool
}

// PCM is a block of raw interleaved float32 audio in [-1, 1].
type PCM struct {
	Rate     int
	Channels int
	Data     []float32
}

// Sink receives everything a Capture produces. Implementations must be
// safe for concurrent use.
type Sink interface {
	WriteSample(s Sample)
	WriteFrame(img image.Image)
	WritePCM(p PCM)
}

// Capture is one open camera+microphone pair.
type Capture interface {
	// Start begins delivering media to sink until Close.
	Start(sink Sink) error
	Close() error
}

// Driver enumerates and opens capture devices.
type Driver interface {
	Name() string
	List(ctx context.Context) ([]DeviceInfo, error)
	Open(ctx context.Context, deviceID string) (Capture, error)
}

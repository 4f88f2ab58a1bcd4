package media

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

func fastDriver() *SyntheticDriver {
	d := NewSyntheticDriver("")
	d.FrameInterval = 10 * time.Millisecond
	return d
}

func acquire(t *testing.T, d Driver) *LocalMedia {
	t.Helper()
	m, err := NewAcquirer(d).Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(m.Release)
	return m
}

func TestListVideoSources_FiltersAudio(t *testing.T) {
	devs, err := NewAcquirer(fastDriver()).ListVideoSources(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 2 {
		t.Fatalf("got %d devices, want 2", len(devs))
	}
	for _, d := range devs {
		if d.Kind != KindVideo {
			t.Errorf("non-video device %+v", d)
		}
	}
}

func TestAcquire_NoCameraIsDeviceError(t *testing.T) {
	d := fastDriver()
	d.Cameras = 0
	_, err := NewAcquirer(d).Acquire(context.Background(), "")
	if !domain.IsKind(err, domain.KindDevice) {
		t.Fatalf("err = %v, want device error", err)
	}
}

func TestAcquire_CancelledOwnerGetsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := NewAcquirer(fastDriver()).Acquire(ctx, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if m != nil {
		t.Error("expected no handle")
	}
}

// slowDriver blocks Open until released and counts closes.
type slowDriver struct {
	*SyntheticDriver
	gate   chan struct{}
	mu     sync.Mutex
	closed int
}

type countingCapture struct {
	Capture
	d *slowDriver
}

func (c countingCapture) Close() error {
	c.d.mu.Lock()
	c.d.closed++
	c.d.mu.Unlock()
	return c.Capture.Close()
}

func (d *slowDriver) Open(ctx context.Context, id string) (Capture, error) {
	<-d.gate
	c, err := d.SyntheticDriver.Open(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return countingCapture{Capture: c, d: d}, nil
}

func TestAcquire_LateHandleIsClosed(t *testing.T) {
	d := &slowDriver{SyntheticDriver: fastDriver(), gate: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := NewAcquirer(d).Acquire(ctx, "")
		errc <- err
	}()
	cancel()
	close(d.gate)

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed != 1 {
		t.Errorf("late capture closed %d times, want 1", d.closed)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	a := acquire(t, fastDriver())
	b := acquire(t, fastDriver())

	pcm, _ := a.SubscribePCM(4)
	a.Release()
	a.Release()

	if !a.Released() {
		t.Fatal("a should be released")
	}
	if b.Released() {
		t.Fatal("releasing a must not touch b")
	}
	for range pcm {
		// returns once the tap is closed
	}
	if _, err := a.Snapshot(); !errors.Is(err, ErrReleased) {
		t.Errorf("Snapshot after release = %v", err)
	}
	if _, err := waitSnapshot(t, b); err != nil {
		t.Errorf("b snapshot: %v", err)
	}
}

func waitSnapshot(t *testing.T, m *LocalMedia) (image.Image, error) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		img, err := m.Snapshot()
		if err == nil || time.Now().After(deadline) {
			return img, err
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestToggles_StopForwarding(t *testing.T) {
	m := acquire(t, fastDriver())

	pcm, cancel := m.SubscribePCM(64)
	defer cancel()
	select {
	case <-pcm:
	case <-time.After(time.Second):
		t.Fatal("no pcm while mic on")
	}

	m.SetMicEnabled(false)
	m.SetCameraEnabled(false)
	if _, err := m.Snapshot(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Snapshot with camera off = %v", err)
	}

	// let in-flight blocks land, then expect silence
	time.Sleep(30 * time.Millisecond)
	for len(pcm) > 0 {
		<-pcm
	}
	select {
	case <-pcm:
		t.Error("pcm delivered while muted")
	case <-time.After(100 * time.Millisecond):
	}

	m.SetCameraEnabled(true)
	if _, err := waitSnapshot(t, m); err != nil {
		t.Errorf("camera back on: %v", err)
	}
}

func TestSwitchVideoSource_KeepsTracks(t *testing.T) {
	m := acquire(t, fastDriver())
	before := m.Tracks()

	if err := m.SwitchVideoSource(context.Background(), "synthetic:1"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if m.DeviceID() != "synthetic:1" {
		t.Errorf("device = %q", m.DeviceID())
	}
	after := m.Tracks()
	if before[0] != after[0] || before[1] != after[1] {
		t.Error("tracks must survive a device switch")
	}

	if err := m.SwitchVideoSource(context.Background(), "synthetic:9"); !domain.IsKind(err, domain.KindDevice) {
		t.Errorf("unknown device err = %v", err)
	}
}

func TestUnsubscribe_Twice(t *testing.T) {
	m := acquire(t, fastDriver())
	_, cancel := m.SubscribeSamples(1)
	cancel()
	cancel()
	m.Release()
}

func TestIsVP8Keyframe(t *testing.T) {
	if !IsVP8Keyframe([]byte{0x10}) || IsVP8Keyframe([]byte{0x11}) || IsVP8Keyframe(nil) {
		t.Error("keyframe bit misread")
	}
}

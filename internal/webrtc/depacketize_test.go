package webrtc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/rtp"
)

func TestAssembler_SingleNAL(t *testing.T) {
	var a nalAssembler
	payload := []byte{0x65, 0x01, 0x02, 0x03}

	nals := a.push(100, payload)
	if len(nals) != 1 || !bytes.Equal(nals[0], payload) {
		t.Fatalf("got %v", nals)
	}
}

func TestAssembler_STAPA(t *testing.T) {
	var a nalAssembler
	sps := []byte{0x67, 0xAA, 0xBB}
	pps := []byte{0x68, 0xCC}

	payload := []byte{0x18, 0x00, 0x03}
	payload = append(payload, sps...)
	payload = append(payload, 0x00, 0x02)
	payload = append(payload, pps...)

	nals := a.push(100, payload)
	if len(nals) != 2 || !bytes.Equal(nals[0], sps) || !bytes.Equal(nals[1], pps) {
		t.Fatalf("got %v", nals)
	}

	// a zero-sized unit ends parsing
	if nals := a.push(101, []byte{0x18, 0x00, 0x00}); len(nals) != 0 {
		t.Errorf("zero-size STAP-A gave %d units", len(nals))
	}
}

// IDR with NRI=3 split in three: FU indicator 0x7C, headers start/mid/end.
var (
	fuStart = []byte{0x7C, 0x85, 0x01, 0x02}
	fuMid   = []byte{0x7C, 0x05, 0x03, 0x04}
	fuEnd   = []byte{0x7C, 0x45, 0x05, 0x06}
)

func TestAssembler_FUA(t *testing.T) {
	var a nalAssembler
	if got := a.push(100, fuStart); got != nil {
		t.Fatalf("start gave %v", got)
	}
	if got := a.push(101, fuMid); got != nil {
		t.Fatalf("middle gave %v", got)
	}
	nals := a.push(102, fuEnd)
	want := []byte{0x65, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if len(nals) != 1 || !bytes.Equal(nals[0], want) {
		t.Fatalf("got %v, want %v", nals, want)
	}
}

func TestAssembler_FUADropsOnSequenceGap(t *testing.T) {
	var a nalAssembler
	a.push(100, fuStart)
	if got := a.push(102, fuMid); got != nil {
		t.Fatalf("after gap got %v", got)
	}
	if got := a.push(103, fuEnd); got != nil {
		t.Fatalf("end of dropped unit got %v", got)
	}

	// the next complete unit goes through
	a.push(104, fuStart)
	if got := a.push(105, fuEnd); len(got) != 1 {
		t.Fatalf("recovery gave %d units", len(got))
	}
}

func TestAssembler_OrphanEndAndEmpty(t *testing.T) {
	var a nalAssembler
	if got := a.push(1, fuEnd); got != nil {
		t.Errorf("orphan end gave %v", got)
	}
	if got := a.push(2, nil); got != nil {
		t.Errorf("empty payload gave %v", got)
	}
}

func TestH264File_StartsAtKeyframe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.h264")
	h, err := newH264File(path)
	if err != nil {
		t.Fatal(err)
	}

	slice := []byte{0x41, 0x9A}
	sps := []byte{0x67, 0x42}
	idr := []byte{0x65, 0x88}
	for i, p := range [][]byte{slice, sps, idr, slice} {
		if err := h.WriteRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(10 + i)}, Payload: p}); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var want []byte
	for _, nal := range [][]byte{sps, idr, slice} {
		want = append(want, annexBStart...)
		want = append(want, nal...)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("file = %x, want %x", got, want)
	}
}

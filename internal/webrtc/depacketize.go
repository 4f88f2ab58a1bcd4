package webrtc

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pion/rtp"
)

const (
	nalSPS  = 7
	nalIDR  = 5
	nalSTAP = 24
	nalFUA  = 28
)

var annexBStart = []byte{0x00, 0x00, 0x00, 0x01}

// nalAssembler turns H264 RTP payloads into NAL units. Each remote track
// gets its own, since FU-A reassembly is stateful.
type nalAssembler struct {
	fu      []byte
	inFU    bool
	lastSeq uint16
	seen    bool
}

// push returns the NAL units completed by one packet. Losing any fragment
// of an FU-A unit drops the whole unit.
func (a *nalAssembler) push(seq uint16, payload []byte) [][]byte {
	gap := a.seen && seq != a.lastSeq+1
	a.lastSeq, a.seen = seq, true
	if gap && a.inFU {
		a.fu, a.inFU = nil, false
	}
	if len(payload) == 0 {
		return nil
	}

	switch t := payload[0] & 0x1f; {
	case t >= 1 && t <= 23:
		return [][]byte{payload}
	case t == nalSTAP:
		return splitSTAPA(payload)
	case t == nalFUA:
		return a.fragment(payload)
	default:
		return nil
	}
}

func splitSTAPA(payload []byte) [][]byte {
	var out [][]byte
	for off := 1; off+2 <= len(payload); {
		size := int(payload[off])<<8 | int(payload[off+1])
		off += 2
		if size == 0 || off+size > len(payload) {
			break
		}
		out = append(out, payload[off:off+size])
		off += size
	}
	return out
}

func (a *nalAssembler) fragment(payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}
	fnri := payload[0] & 0xe0
	hdr := payload[1]
	start, end := hdr&0x80 != 0, hdr&0x40 != 0

	switch {
	case start:
		a.fu = append([]byte{fnri | hdr&0x1f}, payload[2:]...)
		a.inFU = true
	case a.inFU:
		a.fu = append(a.fu, payload[2:]...)
	default:
		// continuation of a unit whose start we never saw
		return nil
	}

	if !end {
		return nil
	}
	nal := a.fu
	a.fu, a.inFU = nil, false
	return [][]byte{nal}
}

// h264File writes a remote H264 track as an Annex-B elementary stream,
// playable with `ffplay -f h264`. Output starts at the first SPS or IDR so
// the file never opens on an undecodable slice.
type h264File struct {
	f       *os.File
	w       *bufio.Writer
	nal     nalAssembler
	started bool
}

func newH264File(path string) (*h264File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &h264File{f: f, w: bufio.NewWriter(f)}, nil
}

func (h *h264File) WriteRTP(pkt *rtp.Packet) error {
	for _, nal := range h.nal.push(pkt.SequenceNumber, pkt.Payload) {
		if !h.started {
			if t := nal[0] & 0x1f; t != nalSPS && t != nalIDR {
				continue
			}
			h.started = true
		}
		if _, err := h.w.Write(annexBStart); err != nil {
			return err
		}
		if _, err := h.w.Write(nal); err != nil {
			return err
		}
	}
	return nil
}

func (h *h264File) Close() error {
	ferr := h.w.Flush()
	if err := h.f.Close(); err != nil {
		return err
	}
	return ferr
}

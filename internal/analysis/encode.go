package analysis

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"

	"github.com/sukesh-kandasamy/sense/internal/media"
)

const (
	FrameSize   = 768
	JPEGQuality = 70
)

// CropSquare returns the centred square of img.
func CropSquare(img image.Image) image.Rectangle {
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}

// EncodeFrame crops img to a centred square, scales it to size×size and
// returns it as a JPEG data URL.
func EncodeFrame(img image.Image, size, quality int) (string, error) {
	src := CropSquare(img)
	if src.Empty() {
		return "", fmt.Errorf("empty frame")
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Downmix averages interleaved channels into mono 16-bit samples. Blocks
// with a different rate than the first are skipped.
func Downmix(blocks []media.PCM) (samples []int16, rate int) {
	for _, b := range blocks {
		if b.Channels <= 0 || len(b.Data) == 0 {
			continue
		}
		if rate == 0 {
			rate = b.Rate
		} else if b.Rate != rate {
			continue
		}
		for i := 0; i+b.Channels <= len(b.Data); i += b.Channels {
			var sum float32
			for c := 0; c < b.Channels; c++ {
				sum += b.Data[i+c]
			}
			samples = append(samples, floatToInt16(sum/float32(b.Channels)))
		}
	}
	return samples, rate
}

func floatToInt16(f float32) int16 {
	f = float32(math.Max(-1, math.Min(1, float64(f))))
	if f < 0 {
		return int16(f * 0x8000)
	}
	return int16(f * 0x7fff)
}

// EncodeWAV wraps mono 16-bit samples in a 44-byte RIFF/WAVE header.
func EncodeWAV(samples []int16, rate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataLen := len(samples) * 2
	blockAlign := channels * bitsPerSample / 8

	buf := bytes.NewBuffer(make([]byte, 0, 44+dataLen))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(rate*blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	_ = binary.Write(buf, binary.LittleEndian, samples)
	return buf.Bytes()
}

// WAVDataURL encodes the blocks as a WAV data URL, or "" when there is no
// audio.
func WAVDataURL(blocks []media.PCM) string {
	samples, rate := Downmix(blocks)
	if len(samples) == 0 || rate == 0 {
		return ""
	}
	return "data:audio/wav;base64," + base64.StdEncoding.EncodeToString(EncodeWAV(samples, rate))
}

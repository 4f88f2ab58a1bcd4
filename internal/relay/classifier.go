package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"image/jpeg"
	"math/rand/v2"
	"strings"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

// Classifier turns one analysis frame into an insight.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, room string, frame domain.AnalysisFrame) (domain.Insight, error)
}

// StandIn is a deterministic Classifier for local relays: the same frame
// always yields the same insight. It checks that the frame decodes and
// otherwise knows nothing about faces.
type StandIn struct{}

func (StandIn) Name() string { return "stand-in" }

var nudges = map[domain.Emotion]string{
	domain.EmotionNervous:   "Slow down and ask an easier warm-up question.",
	domain.EmotionConfident: "Probe deeper into trade-offs.",
	domain.EmotionStressed:  "Give the candidate a moment before the next question.",
	domain.EmotionCalm:      "Good moment for a harder question.",
	domain.EmotionEngaged:   "Follow up on what they just explained.",
	domain.EmotionNeutral:   "",
}

func (StandIn) Classify(_ context.Context, _ string, frame domain.AnalysisFrame) (domain.Insight, error) {
	img, err := decodeDataURL(frame.Video, "image/jpeg")
	if err != nil {
		return domain.Insight{}, fmt.Errorf("video: %w", err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(img)); err != nil {
		return domain.Insight{}, fmt.Errorf("video: %w", err)
	}
	var audio []byte
	if frame.Audio != "" {
		if audio, err = decodeDataURL(frame.Audio, "audio/wav"); err != nil {
			return domain.Insight{}, fmt.Errorf("audio: %w", err)
		}
	}

	h := fnv.New64a()
	h.Write(img)
	h.Write(audio)
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed>>32))

	scores := make(map[domain.Emotion]float64, len(domain.Emotions))
	var total float64
	for _, e := range domain.Emotions {
		v := rng.Float64() + 0.05
		scores[e] = v
		total += v
	}
	for e := range scores {
		scores[e] /= total
	}
	primary := domain.EmotionNeutral
	for _, e := range domain.Emotions {
		if scores[e] > scores[primary] {
			primary = e
		}
	}

	ins := domain.Insight{
		Primary:    primary,
		Confidence: scores[primary],
		Emotions:   scores,
		SmartNudge: nudges[primary],
	}
	if len(audio) > 0 {
		ins.TopicTags = []domain.TopicTag{{Topic: "Speaking", Confidence: domain.LevelMedium}}
	}
	return ins, nil
}

func decodeDataURL(s, mime string) ([]byte, error) {
	prefix := "data:" + mime + ";base64,"
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("not a %s data url", mime)
	}
	b, err := base64.StdEncoding.DecodeString(s[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return b, nil
}

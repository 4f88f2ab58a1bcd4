package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Emotion labels an Insight's dominant state.
type Emotion string

const (
	EmotionNervous   Emotion = "nervous"
	EmotionConfident Emotion = "confident"
	EmotionStressed  Emotion = "stressed"
	EmotionCalm      Emotion = "calm"
	EmotionEngaged   Emotion = "engaged"
	EmotionNeutral   Emotion = "neutral"
)

// Emotions lists the closed label set in display order.
var Emotions = []Emotion{EmotionNervous, EmotionConfident, EmotionStressed, EmotionCalm, EmotionEngaged, EmotionNeutral}

func (e Emotion) Valid() bool {
	for _, v := range Emotions {
		if v == e {
			return true
		}
	}
	return false
}

// Level is a qualitative confidence attached to a topic tag.
type Level string

const (
	LevelHigh   Level = "High"
	LevelMedium Level = "Medium"
	LevelLow    Level = "Low"
)

// TopicTag is one technical topic the analysis service picked up.
type TopicTag struct {
	Topic      string `json:"topic"`
	Confidence Level  `json:"confidence,omitempty"`
	Sentiment  string `json:"sentiment,omitempty"`
}

// Insight is one structured judgment of the candidate's state. Each new
// Insight fully replaces the previous one.
type Insight struct {
	Primary    Emotion             `json:"primary"`
	Confidence float64             `json:"confidence"`
	Emotions   map[Emotion]float64 `json:"emotions"`
	SmartNudge string              `json:"smart_nudge,omitempty"`
	TopicTags  []TopicTag          `json:"topic_tags,omitempty"`
}

// Validate rejects insights outside the closed label set.
func (i Insight) Validate() error {
	if !i.Primary.Valid() {
		return fmt.Errorf("primary %q not in label set", i.Primary)
	}
	for k := range i.Emotions {
		if !k.Valid() {
			return fmt.Errorf("score for unknown label %q", k)
		}
	}
	for _, t := range i.TopicTags {
		switch t.Confidence {
		case "", LevelHigh, LevelMedium, LevelLow:
		default:
			return fmt.Errorf("topic %q: confidence %q", t.Topic, t.Confidence)
		}
	}
	return nil
}

// Analysis channel message types.
const (
	AnalysisFrameType = "multimodal_frame"
	InsightUpdateType = "emotion_update"
	PingType          = "ping"
	PongType          = "pong"
)

// AnalysisFrame is one unit sent uplink: a JPEG data URL and an optional
// WAV data URL covering the interval since the previous frame.
type AnalysisFrame struct {
	Type  string `json:"type"`
	Video string `json:"video"`
	Audio string `json:"audio,omitempty"`
}

// InsightMessage is one unit received on the insight downlink.
type InsightMessage struct {
	Type    string   `json:"type"`
	Emotion *Insight `json:"emotion,omitempty"`
}

var errNoEmotion = errors.New("emotion_update without emotion")

// DecodeInsight parses a downlink frame. ok is false for frames that are
// well-formed but carry no insight (pong, unknown types).
func DecodeInsight(data []byte) (ins Insight, ok bool, err error) {
	var msg InsightMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Insight{}, false, fmt.Errorf("unmarshal insight: %w", err)
	}
	if msg.Type != InsightUpdateType {
		return Insight{}, false, nil
	}
	if msg.Emotion == nil {
		return Insight{}, false, errNoEmotion
	}
	if err := msg.Emotion.Validate(); err != nil {
		return Insight{}, false, err
	}
	return *msg.Emotion, true, nil
}

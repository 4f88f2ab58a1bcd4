package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/sukesh-kandasamy/sense/internal/domain"
	"github.com/sukesh-kandasamy/sense/internal/media"
)

type recordingSession struct {
	calls []string
}

func (r *recordingSession) Join()                  { r.calls = append(r.calls, "join") }
func (r *recordingSession) EndCall()               { r.calls = append(r.calls, "end") }
func (r *recordingSession) Leave()                 { r.calls = append(r.calls, "leave") }
func (r *recordingSession) ToggleMic()             { r.calls = append(r.calls, "mic") }
func (r *recordingSession) ToggleCamera()          { r.calls = append(r.calls, "camera") }
func (r *recordingSession) SwitchDevice(id string) { r.calls = append(r.calls, "switch:"+id) }

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(m Model, keys ...string) Model {
	for _, k := range keys {
		next, _ := m.Update(key(k))
		m = next.(Model)
	}
	return m
}

func TestKeys_MapToActions(t *testing.T) {
	sess := &recordingSession{}
	devices := []media.DeviceInfo{{ID: "cam0"}, {ID: "cam1"}}
	m := New(sess, nil, devices)
	next, _ := m.Update(snapshotMsg(domain.Snapshot{State: domain.StateInCall, DeviceID: "cam1"}))
	m = next.(Model)

	press(m, "m", "v", "d", "e")

	want := []string{"mic", "camera", "switch:cam0", "end"}
	if strings.Join(sess.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", sess.calls, want)
	}
}

func TestQuit_LeavesRunningSession(t *testing.T) {
	sess := &recordingSession{}
	m := New(sess, nil, nil)
	next, _ := m.Update(snapshotMsg(domain.Snapshot{State: domain.StateAwaitingPeer}))
	m = next.(Model)

	_, cmd := m.Update(key("q"))
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if len(sess.calls) != 1 || sess.calls[0] != "leave" {
		t.Errorf("calls = %v", sess.calls)
	}
}

func TestEnded_IgnoresSessionKeys(t *testing.T) {
	sess := &recordingSession{}
	m := New(sess, nil, nil)
	next, _ := m.Update(snapshotMsg(domain.Snapshot{State: domain.StateEnded, Status: "Session ended"}))
	m = next.(Model)

	press(m, "m", "e", "j")
	if len(sess.calls) != 0 {
		t.Errorf("calls after end = %v", sess.calls)
	}
	if !strings.Contains(m.View(), "Session ended") {
		t.Error("view should show the final status")
	}
}

func TestView_InterviewerInsightAndTimer(t *testing.T) {
	remaining := 4*time.Minute + 59*time.Second
	total := 15 * time.Minute
	m := New(&recordingSession{}, nil, nil)
	next, _ := m.Update(snapshotMsg(domain.Snapshot{
		Room:      "abcd1234",
		Role:      domain.RoleInterviewer,
		State:     domain.StateInCall,
		Status:    "In call with Casey",
		Remaining: &remaining,
		Duration:  &total,
		Warning:   domain.WarningFiveMin,
		Insight: &domain.Insight{
			Primary:    domain.EmotionConfident,
			Confidence: 0.82,
			Emotions:   map[domain.Emotion]float64{domain.EmotionConfident: 0.82, domain.EmotionCalm: 0.18},
			SmartNudge: "Ask about trade-offs",
			TopicTags:  []domain.TopicTag{{Topic: "Go", Confidence: domain.LevelHigh}},
		},
	}))
	view := next.(Model).View()

	for _, want := range []string{"ABCD1234", "Interviewer", "04:59", "15:00", "5 minutes remaining", "CONFIDENT", "82%", "Ask about trade-offs", "Go (High)"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestView_CandidateHidesInsight(t *testing.T) {
	m := New(&recordingSession{}, nil, nil)
	next, _ := m.Update(snapshotMsg(domain.Snapshot{
		Role:    domain.RoleCandidate,
		State:   domain.StateInCall,
		Insight: &domain.Insight{Primary: domain.EmotionNervous},
	}))
	if strings.Contains(next.(Model).View(), "NERVOUS") {
		t.Error("candidates never see insights")
	}
}

func TestFormatClock(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{15 * time.Minute, "15:00"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{-time.Second, "00:00"},
	}
	for _, c := range cases {
		if got := FormatClock(c.d); got != c.want {
			t.Errorf("FormatClock(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}

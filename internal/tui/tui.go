// Package tui renders a running session in the terminal and maps keys to
// session actions.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sukesh-kandasamy/sense/internal/domain"
	"github.com/sukesh-kandasamy/sense/internal/media"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true)

	sectionHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	onStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	offStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	timeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("166")).
			Padding(0, 1)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	nudgeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Italic(true)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)
)

// Session is the set of actions the keys drive.
type Session interface {
	Join()
	EndCall()
	Leave()
	ToggleMic()
	ToggleCamera()
	SwitchDevice(id string)
}

type snapshotMsg domain.Snapshot

func waitSnapshot(ch <-chan domain.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return tea.Quit()
		}
		return snapshotMsg(s)
	}
}

// Model is the root Bubble Tea model.
type Model struct {
	session Session
	updates <-chan domain.Snapshot
	snap    domain.Snapshot
	devices []media.DeviceInfo
	width   int
}

// New creates a model fed by updates. devices may be empty.
func New(s Session, updates <-chan domain.Snapshot, devices []media.DeviceInfo) Model {
	return Model{session: s, updates: updates, devices: devices}
}

func (m Model) Init() tea.Cmd { return waitSnapshot(m.updates) }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case snapshotMsg:
		m.snap = domain.Snapshot(msg)
		return m, waitSnapshot(m.updates)
	case tea.KeyMsg:
		return m.handleKey(msg.String())
	}
	return m, nil
}

func (m Model) handleKey(key string) (tea.Model, tea.Cmd) {
	if m.snap.State == domain.StateEnded {
		switch key {
		case "q", "ctrl+c", "enter", "esc":
			return m, tea.Quit
		}
		return m, nil
	}

	switch key {
	case "j", "enter":
		m.session.Join()
	case "m":
		m.session.ToggleMic()
	case "v":
		m.session.ToggleCamera()
	case "d":
		if id := m.nextDevice(); id != "" {
			m.session.SwitchDevice(id)
		}
	case "e":
		m.session.EndCall()
	case "q", "ctrl+c":
		m.session.Leave()
		return m, tea.Quit
	}
	return m, nil
}

// nextDevice returns the camera after the current one, wrapping around.
func (m Model) nextDevice() string {
	if len(m.devices) < 2 {
		return ""
	}
	for i, d := range m.devices {
		if d.ID == m.snap.DeviceID {
			return m.devices[(i+1)%len(m.devices)].ID
		}
	}
	return m.devices[0].ID
}

func (m Model) View() string {
	var b strings.Builder
	s := m.snap

	title := fmt.Sprintf("sense · %s · %s", strings.ToUpper(s.Room), s.Role.Title())
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(labelStyle.Render("Status  "))
	b.WriteString(s.Status)
	b.WriteString(dimStyle.Render(fmt.Sprintf("  (%s)", s.State)))
	b.WriteString("\n")

	if s.Name != "" || s.PeerName != "" {
		b.WriteString(labelStyle.Render("People  "))
		b.WriteString(fmt.Sprintf("%s ↔ %s\n", orDash(s.Name), orDash(s.PeerName)))
	}

	b.WriteString(labelStyle.Render("Media   "))
	b.WriteString("mic " + toggle(s.MicOn) + "  camera " + toggle(s.CameraOn))
	if s.DeviceID != "" {
		b.WriteString(dimStyle.Render("  " + s.DeviceID))
	}
	if s.Recording {
		b.WriteString("  " + offStyle.Render("● REC"))
	}
	b.WriteString("\n")

	if s.Remaining != nil {
		b.WriteString(labelStyle.Render("Time    "))
		b.WriteString(timeStyle.Render(FormatClock(*s.Remaining)))
		if s.Duration != nil {
			b.WriteString(dimStyle.Render(" of " + FormatClock(*s.Duration)))
		}
		b.WriteString("\n")
	}
	if s.Warning != domain.WarningNone {
		b.WriteString(warnStyle.Render(warningText(s.Warning)))
		b.WriteString("\n")
	}

	if s.Role == domain.RoleInterviewer && s.Insight != nil {
		b.WriteString("\n")
		b.WriteString(renderInsight(*s.Insight))
	}

	if s.Err != nil {
		b.WriteString("\n")
		b.WriteString(errStyle.Render("! " + s.Err.Error()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(statusBarStyle.Render(m.hints()))
	return b.String()
}

func (m Model) hints() string {
	switch m.snap.State {
	case domain.StateEnded:
		return "q quit"
	case domain.StateLobby:
		return "j join · m mic · v camera · d next camera · q quit"
	default:
		return "m mic · v camera · d next camera · e end call · q leave"
	}
}

func renderInsight(ins domain.Insight) string {
	var b strings.Builder
	b.WriteString(sectionHeader.Render("Candidate insight"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s %s\n",
		onStyle.Render(strings.ToUpper(string(ins.Primary))),
		dimStyle.Render(fmt.Sprintf("%.0f%%", ins.Confidence*100))))

	for _, e := range domain.Emotions {
		score, ok := ins.Emotions[e]
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf("  %-10s %s %3.0f%%\n", e, bar(score, 20), score*100))
	}
	if ins.SmartNudge != "" {
		b.WriteString("  " + nudgeStyle.Render("→ "+ins.SmartNudge) + "\n")
	}
	if len(ins.TopicTags) > 0 {
		tags := make([]string, 0, len(ins.TopicTags))
		for _, t := range ins.TopicTags {
			if t.Confidence != "" {
				tags = append(tags, fmt.Sprintf("%s (%s)", t.Topic, t.Confidence))
			} else {
				tags = append(tags, t.Topic)
			}
		}
		b.WriteString("  " + dimStyle.Render("topics: "+strings.Join(tags, ", ")) + "\n")
	}
	return b.String()
}

func bar(v float64, width int) string {
	n := int(v*float64(width) + 0.5)
	n = max(0, min(width, n))
	return strings.Repeat("█", n) + dimStyle.Render(strings.Repeat("░", width-n))
}

func toggle(on bool) string {
	if on {
		return onStyle.Render("on")
	}
	return offStyle.Render("off")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func warningText(w domain.Warning) string {
	switch w {
	case domain.WarningFiveMin:
		return "5 minutes remaining"
	case domain.WarningOneMin:
		return "1 minute remaining"
	default:
		return string(w)
	}
}

// FormatClock renders d as mm:ss, or h:mm:ss past an hour.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, secs/60%60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

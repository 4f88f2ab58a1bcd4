package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is the local participant's role in a session.
type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleCandidate   Role = "candidate"
)

// ParseRole accepts "interviewer" or "candidate", case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleInterviewer:
		return RoleInterviewer, nil
	case RoleCandidate:
		return RoleCandidate, nil
	default:
		return "", fmt.Errorf("invalid role %q (want interviewer or candidate)", s)
	}
}

// Peer returns the role on the other end of the call.
func (r Role) Peer() Role {
	if r == RoleInterviewer {
		return RoleCandidate
	}
	return RoleInterviewer
}

// Title is the role name as shown in status text.
func (r Role) Title() string {
	if r == RoleInterviewer {
		return "Interviewer"
	}
	return "Candidate"
}

// State is the session lifecycle state.
type State int

const (
	StateLobby State = iota
	StateConnecting
	StateAwaitingPeer
	StateAwaitingInterviewer
	StateInCall
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateLobby:
		return "lobby"
	case StateConnecting:
		return "connecting"
	case StateAwaitingPeer:
		return "awaiting_peer"
	case StateAwaitingInterviewer:
		return "awaiting_interviewer"
	case StateInCall:
		return "in_call"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Finishing reports whether termination has begun.
func (s State) Finishing() bool {
	return s == StateEnding || s == StateEnded
}

// Warning is a session-timer threshold notice.
type Warning string

const (
	WarningNone    Warning = ""
	WarningFiveMin Warning = "5min"
	WarningOneMin  Warning = "1min"
)

// Snapshot is the UI-facing view of a session. Observers receive a fresh
// copy after every transition.
type Snapshot struct {
	Room         string
	Role         Role
	State        State
	Status       string
	Name         string
	PeerName     string
	MicOn        bool
	CameraOn     bool
	DeviceID     string
	Duration     *time.Duration // nil = unlimited
	Remaining    *time.Duration
	Warning      Warning
	Insight      *Insight
	Recording    bool
	RemoteStream string
	Err          error
	AccessDenied bool
}

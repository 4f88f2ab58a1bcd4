package domain

import (
	"context"
	"io"
	"time"
)

// User is the authenticated participant as reported by the backend.
type User struct {
	Email        string `json:"email"`
	FullName     string `json:"full_name"`
	Username     string `json:"username"`
	Role         string `json:"role"`
	AnalysisMode string `json:"analysis_mode"`
}

// DisplayName picks the best available name for the join handshake.
func (u *User) DisplayName() string {
	switch {
	case u == nil:
		return ""
	case u.FullName != "":
		return u.FullName
	default:
		return u.Username
	}
}

// Meeting is the subset of meeting metadata the orchestrator consumes.
type Meeting struct {
	ID                string `json:"id"`
	Active            bool   `json:"active"`
	Duration          *int   `json:"duration"` // minutes, nil = unlimited
	InterviewerJoined bool   `json:"interviewer_joined"`
}

// RemainingTime is the server-side view of the session clock.
type RemainingTime struct {
	RemainingSeconds *int `json:"remaining_seconds"`
	IsExpired        bool `json:"is_expired"`
}

// Backend is the request/response collaborator that owns users and meetings.
type Backend interface {
	CurrentUser(ctx context.Context) (*User, error)
	Meeting(ctx context.Context, room string) (*Meeting, error)
	RemainingTime(ctx context.Context, room string) (*RemainingTime, error)
	MarkStarted(ctx context.Context, room string) error
	// JoinMeeting records the candidate's arrival; it fails with an error
	// matching api.ErrNotYet while the interviewer is absent.
	JoinMeeting(ctx context.Context, room, name string) error
	MarkEnded(ctx context.Context, room string) error
	UploadRecording(ctx context.Context, room string, file io.Reader, duration time.Duration) error
	UpdateDuration(ctx context.Context, room string, minutes *int) error
}

// Signaler is one open signaling channel.
type Signaler interface {
	Send(msg Message) error
	SendJoin(name string) error
	Close()
}

// SignalHandler receives signaling events in arrival order.
type SignalHandler interface {
	OnSignal(msg Message)
	// OnSignalClosed reports an unrequested close, classified as
	// KindSignalingAuth or KindSignalingTransient.
	OnSignalClosed(err error)
}

// SignalDialer opens the session-scoped signaling channel and performs the
// join handshake.
type SignalDialer interface {
	Dial(ctx context.Context, room, name string, h SignalHandler) (Signaler, error)
}

// RemoteStream identifies the peer's inbound media for one negotiation round.
type RemoteStream interface {
	StreamID() string
	Kinds() []string
}

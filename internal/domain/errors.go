package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the session orchestrator.
type Kind int

const (
	KindUnknown Kind = iota
	// KindDevice: no camera/microphone or no usable capture driver.
	KindDevice
	// KindSignalingAuth: the relay refused access to the session.
	KindSignalingAuth
	// KindSignalingTransient: any other loss of the signaling channel.
	KindSignalingTransient
	// KindNegotiation: malformed SDP or ICE.
	KindNegotiation
	KindAnalysisChannel
	KindRecorder
	KindUpload
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindSignalingAuth:
		return "signaling_auth"
	case KindSignalingTransient:
		return "signaling_transient"
	case KindNegotiation:
		return "negotiation"
	case KindAnalysisChannel:
		return "analysis_channel"
	case KindRecorder:
		return "recorder"
	case KindUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// Error is the error contract shared by every session component.
type Error struct {
	Kind Kind
	Op   string // operation name, ex: "media.Acquire"
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Fatal reports whether the error must halt progress and be shown to the user.
// Auxiliary failures (analysis, recording, upload) never are.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindDevice, KindSignalingAuth, KindSignalingTransient:
		return true
	default:
		return false
	}
}

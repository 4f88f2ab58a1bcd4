package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType tags a signaling message on the wire.
type MessageType string

const (
	MsgJoin       MessageType = "join"
	MsgOffer      MessageType = "offer"
	MsgAnswer     MessageType = "answer"
	MsgCandidate  MessageType = "candidate"
	MsgPeerLeft   MessageType = "peer_left"
	MsgEndMeeting MessageType = "end_meeting"
)

// ErrUnknownMessage is returned by DecodeMessage for a type outside the closed set.
var ErrUnknownMessage = errors.New("unknown signaling message")

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is one signaling message. The set of implementations is closed:
// Join, Offer, Answer, Candidate, PeerLeft, EndMeeting.
type Message interface {
	Type() MessageType
}

type Join struct{ Name string }
type Offer struct{ SDP SDPPayload }
type Answer struct{ SDP SDPPayload }
type Candidate struct{ ICE ICECandidatePayload }
type PeerLeft struct{}
type EndMeeting struct{}

func (Join) Type() MessageType       { return MsgJoin }
func (Offer) Type() MessageType      { return MsgOffer }
func (Answer) Type() MessageType     { return MsgAnswer }
func (Candidate) Type() MessageType  { return MsgCandidate }
func (PeerLeft) Type() MessageType   { return MsgPeerLeft }
func (EndMeeting) Type() MessageType { return MsgEndMeeting }

// envelope is the wire shape shared by every message.
type envelope struct {
	Type      MessageType          `json:"type"`
	Name      string               `json:"name,omitempty"`
	Offer     *SDPPayload          `json:"offer,omitempty"`
	Answer    *SDPPayload          `json:"answer,omitempty"`
	Candidate *ICECandidatePayload `json:"candidate,omitempty"`
}

// EncodeMessage serializes m into the {type, ...payload} envelope.
func EncodeMessage(m Message) ([]byte, error) {
	env := envelope{Type: m.Type()}
	switch v := m.(type) {
	case Join:
		env.Name = v.Name
	case Offer:
		sdp := v.SDP
		env.Offer = &sdp
	case Answer:
		sdp := v.SDP
		env.Answer = &sdp
	case Candidate:
		ice := v.ICE
		env.Candidate = &ice
	case PeerLeft, EndMeeting:
	default:
		return nil, fmt.Errorf("encode %T: %w", m, ErrUnknownMessage)
	}
	return json.Marshal(env)
}

// DecodeMessage parses one envelope. Offers, answers and candidates without
// their payload are rejected.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case MsgJoin:
		return Join{Name: env.Name}, nil
	case MsgOffer:
		if env.Offer == nil || env.Offer.SDP == "" {
			return nil, fmt.Errorf("offer without sdp")
		}
		return Offer{SDP: *env.Offer}, nil
	case MsgAnswer:
		if env.Answer == nil || env.Answer.SDP == "" {
			return nil, fmt.Errorf("answer without sdp")
		}
		return Answer{SDP: *env.Answer}, nil
	case MsgCandidate:
		if env.Candidate == nil {
			return nil, fmt.Errorf("candidate without payload")
		}
		return Candidate{ICE: *env.Candidate}, nil
	case MsgPeerLeft:
		return PeerLeft{}, nil
	case MsgEndMeeting:
		return EndMeeting{}, nil
	default:
		return nil, fmt.Errorf("type %q: %w", env.Type, ErrUnknownMessage)
	}
}

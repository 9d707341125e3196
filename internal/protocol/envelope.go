package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type tags a signaling envelope on the wire.
type Type string

const (
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeRoomState    Type = "room_state"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice_candidate"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
)

// LeaveReason explains why a participant left a room.
type LeaveReason string

const (
	ReasonLeft       LeaveReason = "left"
	ReasonTimeout    LeaveReason = "timeout"
	ReasonSuperseded LeaveReason = "superseded"
)

// User is a room member as exposed to clients.
type User struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
}

// Message is the sum type over all signaling envelopes. Decode returns
// exactly one of the concrete types below; consumers switch on them.
type Message interface {
	EnvelopeType() Type
}

// RoomState is pushed to a connection right after it joins, and served by
// the presence query. Version is the room's monotonic membership counter.
type RoomState struct {
	Type    Type   `json:"type"`
	Users   []User `json:"users"`
	Version uint64 `json:"version"`
}

// Join notifies existing members that a participant entered the room.
type Join struct {
	Type          Type   `json:"type"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
}

// Leave notifies remaining members that a participant is gone.
type Leave struct {
	Type          Type        `json:"type"`
	ParticipantID string      `json:"participantId"`
	Reason        LeaveReason `json:"reason,omitempty"`
}

// Offer carries a session description from an initiator to one target.
type Offer struct {
	Type     Type                      `json:"type"`
	SenderID string                    `json:"senderId"`
	TargetID string                    `json:"targetId"`
	SDP      webrtc.SessionDescription `json:"sdp"`
}

// Answer carries the responder's session description back to the initiator.
type Answer struct {
	Type     Type                      `json:"type"`
	SenderID string                    `json:"senderId"`
	TargetID string                    `json:"targetId"`
	SDP      webrtc.SessionDescription `json:"sdp"`
}

// ICECandidate carries one gathered candidate to one target.
type ICECandidate struct {
	Type      Type                    `json:"type"`
	SenderID  string                  `json:"senderId"`
	TargetID  string                  `json:"targetId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Ping is the client-side liveness heartbeat. The relay never forwards it.
type Ping struct {
	Type Type `json:"type"`
}

// Pong is the relay's reply to a Ping.
type Pong struct {
	Type Type `json:"type"`
}

func (RoomState) EnvelopeType() Type    { return TypeRoomState }
func (Join) EnvelopeType() Type         { return TypeJoin }
func (Leave) EnvelopeType() Type        { return TypeLeave }
func (Offer) EnvelopeType() Type        { return TypeOffer }
func (Answer) EnvelopeType() Type       { return TypeAnswer }
func (ICECandidate) EnvelopeType() Type { return TypeICECandidate }
func (Ping) EnvelopeType() Type         { return TypePing }
func (Pong) EnvelopeType() Type         { return TypePong }

func NewRoomState(users []User, version uint64) RoomState {
	return RoomState{Type: TypeRoomState, Users: users, Version: version}
}

func NewJoin(participantID, displayName string) Join {
	return Join{Type: TypeJoin, ParticipantID: participantID, DisplayName: displayName}
}

func NewLeave(participantID string, reason LeaveReason) Leave {
	return Leave{Type: TypeLeave, ParticipantID: participantID, Reason: reason}
}

func NewOffer(senderID, targetID string, sdp webrtc.SessionDescription) Offer {
	return Offer{Type: TypeOffer, SenderID: senderID, TargetID: targetID, SDP: sdp}
}

func NewAnswer(senderID, targetID string, sdp webrtc.SessionDescription) Answer {
	return Answer{Type: TypeAnswer, SenderID: senderID, TargetID: targetID, SDP: sdp}
}

func NewICECandidate(senderID, targetID string, candidate webrtc.ICECandidateInit) ICECandidate {
	return ICECandidate{Type: TypeICECandidate, SenderID: senderID, TargetID: targetID, Candidate: candidate}
}

func NewPing() Ping { return Ping{Type: TypePing} }
func NewPong() Pong { return Pong{Type: TypePong} }

// Encode marshals a message for the wire. Messages built through the New*
// constructors already carry their type tag.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one wire frame into its concrete envelope type. Unknown or
// missing type tags and malformed payloads are errors; the relay logs and
// drops such frames without closing the connection.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	switch head.Type {
	case TypeRoomState:
		var m RoomState
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed room_state: %w", err)
		}
		return m, nil
	case TypeJoin:
		var m Join
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed join: %w", err)
		}
		return m, nil
	case TypeLeave:
		var m Leave
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed leave: %w", err)
		}
		return m, nil
	case TypeOffer:
		var m Offer
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed offer: %w", err)
		}
		return m, nil
	case TypeAnswer:
		var m Answer
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed answer: %w", err)
		}
		return m, nil
	case TypeICECandidate:
		var m ICECandidate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed ice_candidate: %w", err)
		}
		return m, nil
	case TypePing:
		return NewPing(), nil
	case TypePong:
		return NewPong(), nil
	case "":
		return nil, fmt.Errorf("envelope missing type tag")
	default:
		return nil, fmt.Errorf("unknown envelope type %q", head.Type)
	}
}

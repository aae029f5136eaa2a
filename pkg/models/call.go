package models

import "time"

type CallDirection string

const (
	DirectionIncoming CallDirection = "incoming"
	DirectionOutgoing CallDirection = "outgoing"
)

// CallPhase is the state of one call attempt. Idle is the absence of a
// session.
type CallPhase string

const (
	PhaseIdle        CallPhase = "idle"
	PhaseRinging     CallPhase = "ringing"
	PhaseAccepted    CallPhase = "accepted"
	PhaseNegotiating CallPhase = "negotiating"
	PhaseConnected   CallPhase = "connected"
	PhaseEnded       CallPhase = "ended"
	PhaseRejected    CallPhase = "rejected"
	PhaseCancelled   CallPhase = "cancelled"
)

// Terminal reports whether the phase ends the session
func (p CallPhase) Terminal() bool {
	return p == PhaseEnded || p == PhaseRejected || p == PhaseCancelled
}

// CallSession is a snapshot of one call attempt
type CallSession struct {
	ConversationID string        `json:"conversation_id"`
	CallID         string        `json:"call_id"`
	PeerUsername   string        `json:"peer_username"`
	Direction      CallDirection `json:"direction"`
	Phase          CallPhase     `json:"phase"`
	Media          string        `json:"media"`
	StartedAt      time.Time     `json:"started_at"`
}

// CallInvite is the data of call_invite
type CallInvite struct {
	CallID string `json:"callId"`
	Caller string `json:"caller"`
	Media  string `json:"media,omitempty"` // "audio" or "video"
}

// CallResponse is the data of call_response
type CallResponse struct {
	CallID   string `json:"callId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// CallControl is the data of call_cancel and call_end
type CallControl struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// SessionDescription is the data of webrtc_offer and webrtc_answer
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is the data of webrtc_ice_candidate
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int   `json:"sdpMLineIndex,omitempty"`
}

package models

import (
	"encoding/json"
	"time"
)

// ConnectionState is the lifecycle of the single logical server connection
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateOpen         ConnectionState = "open"
	StateClosing      ConnectionState = "closing"
)

// EnvelopeType names the kind of an envelope on the wire
type EnvelopeType string

const (
	TypeUserOnline          EnvelopeType = "user_online"
	TypeUserOffline         EnvelopeType = "user_offline"
	TypeTyping              EnvelopeType = "typing"
	TypeStopTyping          EnvelopeType = "stop_typing"
	TypeMessage             EnvelopeType = "message"
	TypeCallInvite          EnvelopeType = "call_invite"
	TypeCallResponse        EnvelopeType = "call_response"
	TypeCallCancel          EnvelopeType = "call_cancel"
	TypeCallEnd             EnvelopeType = "call_end"
	TypeWebRTCOffer         EnvelopeType = "webrtc_offer"
	TypeWebRTCAnswer        EnvelopeType = "webrtc_answer"
	TypeWebRTCICECandidate  EnvelopeType = "webrtc_ice_candidate"
	TypeConversationUpdated EnvelopeType = "conversation_updated"
)

// Envelope is the unit of all communication over the connection
type Envelope struct {
	Type           EnvelopeType    `json:"type"`
	Data           json.RawMessage `json:"data,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	Receivers      []string        `json:"receivers,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// NewEnvelope marshals data into an envelope. Timestamp is left zero and
// stamped by the connection on send.
func NewEnvelope(t EnvelopeType, conversationID string, receivers []string, data interface{}) (Envelope, error) {
	env := Envelope{
		Type:           t,
		ConversationID: conversationID,
		Receivers:      receivers,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

// PresenceEvent is the data of user_online / user_offline
type PresenceEvent struct {
	Username string `json:"username"`
}

// ChatMessage is the data of message envelopes
type ChatMessage struct {
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"`
}

// TypingEvent is the data of typing / stop_typing
type TypingEvent struct {
	Username string `json:"username"`
}

// GeoPoint is a location fix
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// MedicationEntry is a raw health-archive row; the same medication may
// appear in several rows
type MedicationEntry struct {
	Name  string   `json:"name"`
	Times []string `json:"times"`
}

// DueReminder is one (medication, time) pair due on Date
type DueReminder struct {
	Medication string    `json:"medication"`
	Time       string    `json:"time"`
	Date       string    `json:"date"`
	DueAt      time.Time `json:"due_at"`
}

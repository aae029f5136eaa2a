package models

// AlertStatus only moves forward; cancelled, committed and failed are terminal
type AlertStatus string

const (
	AlertInitiated AlertStatus = "initiated"
	AlertCancelled AlertStatus = "cancelled"
	AlertCommitted AlertStatus = "committed"
	AlertFailed    AlertStatus = "failed"
)

func (s AlertStatus) Terminal() bool {
	return s == AlertCancelled || s == AlertCommitted || s == AlertFailed
}

// EmergencyAlert represents one help request
type EmergencyAlert struct {
	AlertID       string      `json:"alert_id"`
	InitiatorID   string      `json:"initiator_id"`
	Status        AlertStatus `json:"status"`
	CapturedAudio []byte      `json:"-"`
	Location      *GeoPoint   `json:"location,omitempty"`
}

// CommitRequest is the body of the alert commit call
type CommitRequest struct {
	Location    *GeoPoint `json:"location,omitempty"`
	AudioBase64 string    `json:"audioBase64,omitempty"`
}

// EmergencyInvite is the structured initial message of the hand-off conversation
type EmergencyInvite struct {
	Kind     string    `json:"kind"`
	AlertID  string    `json:"alertId"`
	From     string    `json:"from"`
	Location *GeoPoint `json:"location,omitempty"`
}

// ConversationRequest is the body of get-or-create conversation
type ConversationRequest struct {
	Participants   []string    `json:"participants"`
	InitialMessage interface{} `json:"initialMessage,omitempty"`
}

// ConversationResult is returned by get-or-create conversation
type ConversationResult struct {
	ConversationID string `json:"conversationId"`
	IsExisting     bool   `json:"isExisting"`
}

// DirectMessageRequest is the body of the pairwise send fallback
type DirectMessageRequest struct {
	Sender   string   `json:"sender"`
	Receiver string   `json:"receiver"`
	Content  string   `json:"content"`
	Type     string   `json:"type"`
	Roles    []string `json:"roles,omitempty"`
}

// Profile is the current user's profile
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

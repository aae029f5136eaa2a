package constants

import "time"

// Connection defaults
const (
	// DefaultHeartbeatInterval - Interval between websocket pings on an open connection
	DefaultHeartbeatInterval = 25 * time.Second

	// DefaultHandshakeTimeout - Upper bound for a single dial + upgrade
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultReconnectFloor - First reconnect delay, and the value backoff resets to on open
	DefaultReconnectFloor = 1 * time.Second

	// DefaultReconnectCeiling - Reconnect delays never exceed this
	DefaultReconnectCeiling = 15 * time.Second

	// WriteTimeout - Deadline for a single frame write
	WriteTimeout = 5 * time.Second
)

// Call signaling defaults
const (
	// DefaultRingTimeout - An unanswered call stops ringing after this
	DefaultRingTimeout = 30 * time.Second
)

// Chat defaults
const (
	// DefaultTypingIdle - A typing indicator is withdrawn after this much inactivity
	DefaultTypingIdle = 3 * time.Second
)

// Emergency alert defaults
const (
	// DefaultCountdownSeconds - Visible countdown before an alert commits
	DefaultCountdownSeconds = 5

	// DefaultLocationTimeout - Location lookups never hold a commit longer than this
	DefaultLocationTimeout = 1 * time.Second

	// DefaultCollaboratorTimeout - Bound for each REST call made by background actors
	DefaultCollaboratorTimeout = 15 * time.Second
)

// Reminder defaults
const (
	// DefaultReminderPoll - How often due reminders are evaluated
	DefaultReminderPoll = 10 * time.Second

	// DefaultScheduleRefresh - How often the medication schedule is reloaded
	DefaultScheduleRefresh = 5 * time.Minute

	// ReminderRecordTTL - Fired records outlive their day by a margin, then expire
	ReminderRecordTTL = 48 * time.Hour
)

// Websocket close codes
const (
	// LocalDisconnectCode - Close code sent on an explicit Disconnect; the only code that does not trigger reconnect
	LocalDisconnectCode = 1000
)

// Redis key prefixes
const (
	ReminderKeyPrefix = "reminder"
)

// Time formats
const (
	ClockFormat = "15:04"
	DateFormat  = "2006-01-02"
)

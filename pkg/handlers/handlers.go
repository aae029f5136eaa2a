package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/emergency"
	"carelink-realtime/pkg/models"
	"carelink-realtime/pkg/reminder"
)

type ConnectionStatus interface {
	State() models.ConnectionState
	Identity() string
	IsConnected() bool
}

type CallStatus interface {
	Active() []models.CallSession
}

type AlertControl interface {
	State() emergency.State
	Current() (models.EmergencyAlert, bool)
	Initiate(ctx context.Context) (models.EmergencyAlert, error)
	Cancel(ctx context.Context) (models.EmergencyAlert, error)
}

type ReminderControl interface {
	ScheduleChanged()
	Showing() bool
	Schedule() reminder.Schedule
}

type MessageSender interface {
	SendMessage(conversationID string, receivers []string, content, kind string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the diagnostics endpoints report on. Redis may be
// nil when reminder records are kept in memory.
type Deps struct {
	Connection ConnectionStatus
	Calls      CallStatus
	Alerts     AlertControl
	Reminders  ReminderControl
	Messages   MessageSender
	Online     func() []string
	Redis      Pinger
}

type Handler struct {
	deps   Deps
	logger *logrus.Logger
}

func NewHandler(deps Deps, logger *logrus.Logger) *Handler {
	return &Handler{deps: deps, logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	response := map[string]interface{}{
		"status":     "healthy",
		"connection": h.deps.Connection.State(),
		"timestamp":  time.Now(),
	}

	if !h.deps.Connection.IsConnected() {
		status = http.StatusServiceUnavailable
		response["status"] = "degraded"
	}
	if h.deps.Redis != nil {
		if err := h.deps.Redis.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			response["status"] = "degraded"
			response["redis"] = err.Error()
		} else {
			response["redis"] = "ok"
		}
	}

	writeJSON(w, status, response)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"identity":    h.deps.Connection.Identity(),
		"connection":  h.deps.Connection.State(),
		"calls":       h.deps.Calls.Active(),
		"alert_state": h.deps.Alerts.State(),
		"timestamp":   time.Now(),
	}
	if alert, ok := h.deps.Alerts.Current(); ok {
		response["alert"] = alert
	}
	if h.deps.Reminders != nil {
		response["reminder_showing"] = h.deps.Reminders.Showing()
		response["medications"] = len(h.deps.Reminders.Schedule())
	}
	if h.deps.Online != nil {
		response["online"] = h.deps.Online()
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) InitiateAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.deps.Alerts.Initiate(r.Context())
	if err != nil {
		if errors.Is(err, emergency.ErrAlertInFlight) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.WithError(err).Error("Failed to initiate emergency alert")
		http.Error(w, "Failed to initiate alert", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":  true,
		"alert_id": alert.AlertID,
		"status":   alert.Status,
	})
}

func (h *Handler) CancelAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.deps.Alerts.Cancel(r.Context())
	if err != nil {
		if errors.Is(err, emergency.ErrNotCounting) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.WithError(err).Error("Failed to cancel emergency alert")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"alert_id": alert.AlertID,
		"status":   alert.Status,
	})
}

func (h *Handler) RefreshReminders(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reminders == nil {
		http.Error(w, "Reminders disabled", http.StatusNotFound)
		return
	}

	h.deps.Reminders.ScheduleChanged()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
	})

	h.logger.Debug("Medication schedule refresh requested")
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	if h.deps.Messages == nil {
		http.Error(w, "Messaging disabled", http.StatusNotFound)
		return
	}

	var request struct {
		ConversationID string   `json:"conversation_id"`
		Receivers      []string `json:"receivers"`
		Content        string   `json:"content"`
		Kind           string   `json:"kind,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.ConversationID == "" {
		http.Error(w, "Missing conversation ID", http.StatusBadRequest)
		return
	}

	if err := h.deps.Messages.SendMessage(request.ConversationID, request.Receivers, request.Content, request.Kind); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":         true,
		"conversation_id": request.ConversationID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

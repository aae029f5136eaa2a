package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/constants"
	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
)

// StatusError is returned for any non-2xx collaborator response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the REST collaborators behind the realtime server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
	metrics    *metrics.Metrics

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL, token string, timeout time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = constants.DefaultCollaboratorTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		metrics:    metrics,
		token:      token,
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) InitiateAlert(ctx context.Context, userID string) (string, error) {
	var out struct {
		AlertID string `json:"alertId"`
	}
	if err := c.do(ctx, "initiate_alert", http.MethodPost, "/emergency/initiate", map[string]string{"userId": userID}, &out); err != nil {
		return "", err
	}
	if out.AlertID == "" {
		return "", fmt.Errorf("initiate_alert: response has no alertId")
	}
	return out.AlertID, nil
}

func (c *Client) CancelAlert(ctx context.Context, alertID string) error {
	return c.do(ctx, "cancel_alert", http.MethodPost, "/emergency/"+url.PathEscape(alertID)+"/cancel", struct{}{}, nil)
}

func (c *Client) CommitAlert(ctx context.Context, alertID string, req models.CommitRequest) error {
	return c.do(ctx, "commit_alert", http.MethodPost, "/emergency/"+url.PathEscape(alertID)+"/commit", req, nil)
}

func (c *Client) AlertReceivers(ctx context.Context, alertID string) ([]string, error) {
	var out []string
	path := "/emergency/receivers?alertId=" + url.QueryEscape(alertID)
	if err := c.do(ctx, "alert_receivers", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetOrCreateConversation(ctx context.Context, req models.ConversationRequest) (models.ConversationResult, error) {
	var out models.ConversationResult
	if err := c.do(ctx, "get_or_create_conversation", http.MethodPost, "/conversation/get-or-create", req, &out); err != nil {
		return models.ConversationResult{}, err
	}
	return out, nil
}

func (c *Client) SendDirectMessage(ctx context.Context, req models.DirectMessageRequest) (string, error) {
	var out struct {
		ConversationID string `json:"conversationId"`
	}
	if err := c.do(ctx, "send_direct_message", http.MethodPost, "/send", req, &out); err != nil {
		return "", err
	}
	return out.ConversationID, nil
}

func (c *Client) Profile(ctx context.Context) (models.Profile, error) {
	var out models.Profile
	if err := c.do(ctx, "profile", http.MethodGet, "/user/profile", nil, &out); err != nil {
		return models.Profile{}, err
	}
	return out, nil
}

func (c *Client) Medications(ctx context.Context) ([]models.MedicationEntry, error) {
	var out []models.MedicationEntry
	if err := c.do(ctx, "medications", http.MethodGet, "/health-archive/medications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do sends one JSON request. payload nil means no body; result nil means the
// response body is ignored.
func (c *Client) do(ctx context.Context, op, method, path string, payload, result interface{}) error {
	timer := prometheus.NewTimer(c.metrics.CollaboratorRequestTime.WithLabelValues(op))
	defer timer.ObserveDuration()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WithFields(logrus.Fields{
			"operation":  op,
			"status":     resp.StatusCode,
			"request_id": requestID,
		}).Warn("Collaborator returned error status")
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
	}

	return nil
}

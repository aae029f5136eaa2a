package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
)

func newTestClient(t *testing.T, router *mux.Router) *Client {
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewClient(srv.URL+"/", "tok-123", time.Second, logger, metrics.NewMetrics(prometheus.NewRegistry()))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestClient_InitiateAlertSendsAuthAndRequestID(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/emergency/initiate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		_, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		assert.NoError(t, err)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u-1", body["userId"])
		writeJSON(w, map[string]string{"alertId": "a-9"})
	}).Methods(http.MethodPost)

	c := newTestClient(t, router)
	id, err := c.InitiateAlert(context.Background(), "u-1")

	require.NoError(t, err)
	assert.Equal(t, "a-9", id)
}

func TestClient_InitiateAlertWithoutIDFails(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/emergency/initiate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{})
	})

	_, err := newTestClient(t, router).InitiateAlert(context.Background(), "u-1")
	assert.Error(t, err)
}

func TestClient_NonSuccessStatusIsStatusError(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/emergency/{id}/commit", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a-1", mux.Vars(r)["id"])
		http.Error(w, "alert already closed", http.StatusConflict)
	}).Methods(http.MethodPost)

	err := newTestClient(t, router).CommitAlert(context.Background(), "a-1", models.CommitRequest{})

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Equal(t, "commit_alert", statusErr.Op)
	assert.Contains(t, statusErr.Body, "already closed")
}

func TestClient_CommitAlertBody(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/emergency/{id}/commit", func(w http.ResponseWriter, r *http.Request) {
		var req models.CommitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Location)
		assert.Equal(t, 52.5, req.Location.Latitude)
		assert.Equal(t, "QUJD", req.AudioBase64)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	err := newTestClient(t, router).CommitAlert(context.Background(), "a-1", models.CommitRequest{
		Location:    &models.GeoPoint{Latitude: 52.5, Longitude: 13.4},
		AudioBase64: "QUJD",
	})
	assert.NoError(t, err)
}

func TestClient_ReceiversAndConversation(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/emergency/receivers", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a-1", r.URL.Query().Get("alertId"))
		writeJSON(w, []string{"nurse-1", "nurse-2"})
	}).Methods(http.MethodGet)
	router.HandleFunc("/conversation/get-or-create", func(w http.ResponseWriter, r *http.Request) {
		var req models.ConversationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"alice", "nurse-1"}, req.Participants)
		writeJSON(w, models.ConversationResult{ConversationID: "conv-7", IsExisting: true})
	}).Methods(http.MethodPost)

	c := newTestClient(t, router)

	receivers, err := c.AlertReceivers(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"nurse-1", "nurse-2"}, receivers)

	conv, err := c.GetOrCreateConversation(context.Background(), models.ConversationRequest{
		Participants: []string{"alice", "nurse-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "conv-7", conv.ConversationID)
	assert.True(t, conv.IsExisting)
}

func TestClient_ProfileAndMedications(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/user/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.Profile{ID: "u-1", Username: "alice"})
	})
	router.HandleFunc("/health-archive/medications", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []models.MedicationEntry{{Name: "Aspirin", Times: []string{"8:00"}}})
	})

	c := newTestClient(t, router)

	profile, err := c.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Username)

	meds, err := c.Medications(context.Background())
	require.NoError(t, err)
	require.Len(t, meds, 1)
	assert.Equal(t, "Aspirin", meds[0].Name)
}

func TestClient_SetTokenAndMissingToken(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, map[string]string{"conversationId": "conv-1"})
	})

	c := newTestClient(t, router)
	c.SetToken("")

	id, err := c.SendDirectMessage(context.Background(), models.DirectMessageRequest{Sender: "alice", Receiver: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", id)
}

package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink-realtime/pkg/events"
	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
)

type wsServer struct {
	*httptest.Server

	upgrades  atomic.Int32
	usernames chan string
	conns     chan *websocket.Conn
	received  chan models.Envelope
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{
		usernames: make(chan string, 16),
		conns:     make(chan *websocket.Conn, 16),
		received:  make(chan models.Envelope, 16),
	}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.upgrades.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.usernames <- r.URL.Query().Get("username")
		s.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env models.Envelope
			if json.Unmarshal(data, &env) == nil {
				s.received <- env
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept a connection")
		return nil
	}
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

type testDeps struct {
	router  *events.Router
	metrics *metrics.Metrics
	clock   fakeClock
}

func newTestManager(t *testing.T, serverURL string) (*Manager, testDeps) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	router := events.NewRouter(logger, m)
	clock := clockwork.NewFakeClock()

	mgr := NewManager(Options{
		ServerURL:         serverURL,
		HeartbeatInterval: 25 * time.Second,
		HandshakeTimeout:  2 * time.Second,
		ReconnectFloor:    time.Second,
		ReconnectCeiling:  15 * time.Second,
	}, router, clock, logger, m)
	t.Cleanup(mgr.Disconnect)

	return mgr, testDeps{router: router, metrics: m, clock: clock}
}

func TestManager_ConnectResolvesIdentityIntoURL(t *testing.T) {
	srv := newWSServer(t)
	mgr, _ := newTestManager(t, srv.wsURL())

	require.NoError(t, mgr.Connect(context.Background(), "alice"))

	assert.True(t, mgr.IsConnected())
	assert.Equal(t, models.StateOpen, mgr.State())
	assert.Equal(t, "alice", <-srv.usernames)
}

func TestManager_ConnectIsIdempotentWhileOpen(t *testing.T) {
	srv := newWSServer(t)
	mgr, _ := newTestManager(t, srv.wsURL())

	require.NoError(t, mgr.Connect(context.Background(), "alice"))
	require.NoError(t, mgr.Connect(context.Background(), "alice"))

	assert.Equal(t, int32(1), srv.upgrades.Load())
	assert.ErrorIs(t, mgr.Connect(context.Background(), "bob"), ErrIdentityInUse)
}

func TestManager_ConcurrentConnectOpensOneSocket(t *testing.T) {
	srv := newWSServer(t)
	mgr, _ := newTestManager(t, srv.wsURL())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- mgr.Connect(context.Background(), "alice")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), srv.upgrades.Load())
}

func TestManager_InboundEnvelopesAreDispatched(t *testing.T) {
	srv := newWSServer(t)
	mgr, deps := newTestManager(t, srv.wsURL())

	got := make(chan events.Delivery, 1)
	deps.router.On(events.TypeTopic(models.TypeMessage), func(d events.Delivery) { got <- d })

	require.NoError(t, mgr.Connect(context.Background(), "alice"))
	conn := srv.nextConn(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(models.Envelope{
		Type:           models.TypeMessage,
		ConversationID: "c1",
		Sender:         "bob",
		Data:           json.RawMessage(`{"content":"hello"}`),
		Timestamp:      1,
	}))

	select {
	case d := <-got:
		assert.JSONEq(t, `{"content":"hello"}`, string(d.Data))
		assert.Equal(t, "bob", d.Envelope.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope was not dispatched")
	}
}

func TestManager_SendStampsTimestampAndSender(t *testing.T) {
	srv := newWSServer(t)
	mgr, deps := newTestManager(t, srv.wsURL())

	require.NoError(t, mgr.Connect(context.Background(), "alice"))
	srv.nextConn(t)

	env, err := models.NewEnvelope(models.TypeTyping, "c1", []string{"bob"}, models.TypingEvent{Username: "alice"})
	require.NoError(t, err)
	mgr.Send(env)

	select {
	case got := <-srv.received:
		assert.Equal(t, models.TypeTyping, got.Type)
		assert.Equal(t, "alice", got.Sender)
		assert.Equal(t, []string{"bob"}, got.Receivers)
		assert.Equal(t, deps.clock.Now().UnixMilli(), got.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive envelope")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(deps.metrics.EnvelopesSent.WithLabelValues(string(models.TypeTyping))))
}

func TestManager_SendWhileDisconnectedIsDropped(t *testing.T) {
	mgr, deps := newTestManager(t, "ws://127.0.0.1:1/ws")

	assert.NotPanics(t, func() {
		mgr.Send(models.Envelope{Type: models.TypeMessage})
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(deps.metrics.EnvelopesDropped.WithLabelValues(string(models.TypeMessage))))
}

func TestManager_ReconnectsAfterAbnormalClose(t *testing.T) {
	srv := newWSServer(t)
	mgr, deps := newTestManager(t, srv.wsURL())

	require.NoError(t, mgr.Connect(context.Background(), "alice"))
	conn := srv.nextConn(t)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "restart")))
	conn.Close()

	assert.Eventually(t, func() bool {
		return mgr.State() == models.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2*time.Second, mgr.NextBackoff())

	assert.Eventually(t, func() bool {
		deps.clock.Advance(time.Second)
		return mgr.IsConnected()
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(2), srv.upgrades.Load())
	assert.Equal(t, time.Second, mgr.NextBackoff())
}

func TestManager_ServerNormalCloseDoesNotReconnect(t *testing.T) {
	srv := newWSServer(t)
	mgr, deps := newTestManager(t, srv.wsURL())

	require.NoError(t, mgr.Connect(context.Background(), "alice"))
	conn := srv.nextConn(t)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	assert.Eventually(t, func() bool {
		return mgr.State() == models.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		deps.clock.Advance(time.Second)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.upgrades.Load())
}

func TestManager_DisconnectSuppressesReconnect(t *testing.T) {
	srv := newWSServer(t)
	mgr, deps := newTestManager(t, srv.wsURL())

	require.NoError(t, mgr.Connect(context.Background(), "alice"))
	srv.nextConn(t)

	mgr.Disconnect()
	assert.Equal(t, models.StateDisconnected, mgr.State())
	assert.False(t, mgr.IsConnected())

	for i := 0; i < 30; i++ {
		deps.clock.Advance(time.Second)
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), srv.upgrades.Load())
	assert.Equal(t, models.StateDisconnected, mgr.State())
}

func TestManager_DialFailureSchedulesReconnect(t *testing.T) {
	srv := newWSServer(t)
	target := srv.wsURL()
	srv.Close()

	mgr, deps := newTestManager(t, target)

	err := mgr.Connect(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, models.StateDisconnected, mgr.State())
	assert.Equal(t, 2*time.Second, mgr.NextBackoff())
	assert.Equal(t, float64(1), testutil.ToFloat64(deps.metrics.ReconnectAttempts))
}

func TestManager_UnansweredHeartbeatClosesConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	clock := clockwork.NewFakeClock()
	mgr := NewManager(Options{
		ServerURL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		HeartbeatInterval: 25 * time.Second,
		PongTimeout:       5 * time.Second,
	}, events.NewRouter(logger, m), clock, logger, m)
	defer mgr.Disconnect()

	require.NoError(t, mgr.Connect(context.Background(), "alice"))
	clock.BlockUntil(1)

	clock.Advance(25 * time.Second)
	clock.Advance(25 * time.Second)

	assert.Eventually(t, func() bool {
		return mgr.State() == models.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReconnectAttempts))
}

func TestBuildURL(t *testing.T) {
	cases := []struct {
		base string
		want string
		err  bool
	}{
		{base: "ws://localhost:8080/ws", want: "ws://localhost:8080/ws?username=alice"},
		{base: "https://chat.example.org", want: "wss://chat.example.org/ws?username=alice"},
		{base: "http://10.0.0.2:3000/", want: "ws://10.0.0.2:3000/ws?username=alice"},
		{base: "ftp://example.org", err: true},
	}

	for _, tc := range cases {
		got, err := BuildURL(tc.base, "alice")
		if tc.err {
			assert.Error(t, err, tc.base)
			continue
		}
		require.NoError(t, err, tc.base)
		assert.Equal(t, tc.want, got)
	}

	_, err := BuildURL("ws://localhost/ws", "")
	assert.ErrorIs(t, err, ErrEmptyIdentity)
}

package display

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/slotem-chrono/pkg/api"
	"github.com/psantana5/slotem-chrono/pkg/auth"
	"github.com/psantana5/slotem-chrono/pkg/metrics"
	"github.com/psantana5/slotem-chrono/pkg/models"
	"github.com/psantana5/slotem-chrono/pkg/retry"
	"github.com/psantana5/slotem-chrono/pkg/signal"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func fastReconnect() retry.Config {
	return retry.Config{
		MaxRetries:     retry.Unlimited,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Multiplier:     2,
	}
}

func wsEndpoint(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func startRelay(t *testing.T, cfg api.RelayConfig) (*api.RelayHandler, *httptest.Server) {
	t.Helper()
	cfg.UploadDir = t.TempDir()
	relay := api.NewRelayHandler(cfg)
	r := mux.NewRouter()
	relay.RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(func() {
		relay.Hub().Close()
		server.Close()
	})
	return relay, server
}

func postLap(t *testing.T, server *httptest.Server, lane string) {
	t.Helper()
	req, err := http.NewRequest("POST", server.URL+"/lap/"+lane, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer track-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func runService(t *testing.T, svc *Service) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- svc.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})
	return cancel, done
}

func TestRelayToEngine(t *testing.T) {
	relay, server := startRelay(t, api.RelayConfig{})
	clock := &stepClock{now: t0}

	m := metrics.New()
	svc := New(Options{
		Endpoint:       wsEndpoint(server),
		TickInterval:   5 * time.Millisecond,
		PushInterval:   20 * time.Millisecond,
		Reconnect:      fastReconnect(),
		ChannelOptions: []signal.Option{signal.WithClock(clock)},
		Metrics:        m,
	})
	runService(t, svc)

	require.Eventually(t, func() bool { return svc.Connected() && relay.Hub().Len() == 1 },
		2*time.Second, 5*time.Millisecond)

	postLap(t, server, "1")
	require.Eventually(t, func() bool { return svc.Engine().State(models.Lane1) == models.LaneStateRunning },
		2*time.Second, 5*time.Millisecond)

	clock.Set(t0.Add(100 * time.Millisecond))
	postLap(t, server, "2")
	require.Eventually(t, func() bool { return svc.Engine().State(models.Lane2) == models.LaneStateRunning },
		2*time.Second, 5*time.Millisecond)

	clock.Set(t0.Add(1500 * time.Millisecond))
	postLap(t, server, "1")
	require.Eventually(t, func() bool { return svc.Engine().HistoryLen() == 1 },
		2*time.Second, 5*time.Millisecond)

	hist := svc.Engine().SnapshotHistory()
	assert.Equal(t, models.Lane1, hist[0].Lane)
	assert.Equal(t, 1500*time.Millisecond, hist[0].Archived)

	snap := svc.Engine().Tick(t0.Add(1500 * time.Millisecond))
	assert.Zero(t, snap.Chrono1)
	assert.Equal(t, 1400*time.Millisecond, snap.Chrono2)
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	_, server := startRelay(t, api.RelayConfig{})
	svc := New(Options{Endpoint: wsEndpoint(server), Reconnect: fastReconnect()})
	cancel, done := runService(t, svc)

	require.Eventually(t, svc.Connected, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, svc.Connected())
}

func TestRunFailsOnRejectedKey(t *testing.T) {
	hash, err := auth.HashKey("track-key")
	require.NoError(t, err)
	v, err := auth.NewKeyVerifier(hash)
	require.NoError(t, err)
	_, server := startRelay(t, api.RelayConfig{Verifier: v})

	svc := New(Options{
		Endpoint:       wsEndpoint(server),
		Reconnect:      fastReconnect(),
		ChannelOptions: []signal.Option{signal.WithAPIKey("wrong-key")},
	})
	_, done := runService(t, svc)

	select {
	case err := <-done:
		require.Error(t, err)
		var cerr *signal.ConnectionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, http.StatusUnauthorized, cerr.StatusCode)
	case <-time.After(5 * time.Second):
		t.Fatal("Run should fail on a rejected key")
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	var sessions atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	hold := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := sessions.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte("1"))
		if n == 1 {
			return // drop the first session
		}
		<-hold
	}))
	defer server.Close()
	defer close(hold)

	svc := New(Options{Endpoint: "ws" + strings.TrimPrefix(server.URL, "http"), Reconnect: fastReconnect()})
	runService(t, svc)

	require.Eventually(t, func() bool { return sessions.Load() >= 2 && svc.Connected() },
		3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return svc.Engine().HistoryLen() == 1 },
		3*time.Second, 5*time.Millisecond)
}

func TestPublishThrottlesAndRenders(t *testing.T) {
	var out bytes.Buffer
	svc := New(Options{Endpoint: "ws://127.0.0.1:1/ws", PushInterval: 100 * time.Millisecond, Render: &out})
	defer svc.Handler().Hub().Close()

	for _, ms := range []int{0, 40, 99, 100, 150, 250} {
		svc.publish(models.Snapshot{At: t0.Add(time.Duration(ms) * time.Millisecond), Chrono1: 65432 * time.Millisecond})
	}

	assert.Equal(t, 3, strings.Count(out.String(), "\r"), "pushes at 0, 100 and 250ms")
	assert.Contains(t, out.String(), "Chrono 1  1:05.432 | Chrono 2  0:00.000")
}

func TestRenderLine(t *testing.T) {
	line := RenderLine(models.Snapshot{Chrono1: 999 * time.Millisecond, Chrono2: 65432 * time.Millisecond})
	assert.Equal(t, "\rChrono 1  0:00.999 | Chrono 2  1:05.432", line)
}

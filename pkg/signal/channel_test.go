package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/psantana5/slotem-chrono/pkg/models"
	"github.com/psantana5/slotem-chrono/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	binary bool
	data   string
}

// pushServer accepts one websocket per request, writes the queued frames and
// then holds the connection until release is closed.
type pushServer struct {
	*httptest.Server
	frames  []frame
	release chan struct{}
	authz   chan string
}

func newPushServer(t *testing.T, frames ...frame) *pushServer {
	t.Helper()
	ps := &pushServer{frames: frames, release: make(chan struct{}), authz: make(chan string, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.authz <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range ps.frames {
			mt := websocket.TextMessage
			if f.binary {
				mt = websocket.BinaryMessage
			}
			if err := conn.WriteMessage(mt, []byte(f.data)); err != nil {
				return
			}
		}
		<-ps.release
	}))
	t.Cleanup(func() {
		select {
		case <-ps.release:
		default:
			close(ps.release)
		}
		ps.Close()
	})
	return ps
}

func (ps *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.URL, "http")
}

func (ps *pushServer) hangUp() {
	close(ps.release)
}

func text(s string) frame { return frame{data: s} }

type received struct {
	mu    sync.Mutex
	lanes []models.Lane
	times []time.Time
	got   chan struct{}
}

func newReceived() *received {
	return &received{got: make(chan struct{}, 64)}
}

func (r *received) handle(lane models.Lane, at time.Time) {
	r.mu.Lock()
	r.lanes = append(r.lanes, lane)
	r.times = append(r.times, at)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *received) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for token %d of %d", i+1, n)
		}
	}
}

func (r *received) snapshot() []models.Lane {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Lane(nil), r.lanes...)
}

type fixedClock time.Time

func (f fixedClock) Now() time.Time { return time.Time(f) }

func TestTokensDeliveredInOrder(t *testing.T) {
	ps := newPushServer(t, text("1"), text("2"), text("2"), text("1"))
	rec := newReceived()

	ch := NewChannel(ps.wsURL())
	ch.OnToken(rec.handle)
	conn, err := ch.Connect(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	rec.wait(t, 4)
	assert.Equal(t, []models.Lane{models.Lane1, models.Lane2, models.Lane2, models.Lane1}, rec.snapshot())
	assert.NoError(t, conn.Err())
}

func TestUnknownTokensAreIgnored(t *testing.T) {
	ps := newPushServer(t, text("Car 1 crossed at 12:00"), text("3"), frame{binary: true, data: "1"}, text(""), text("2"))
	rec := newReceived()

	ch := NewChannel(ps.wsURL())
	ch.OnToken(rec.handle)
	_, err := ch.Connect(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	rec.wait(t, 1)
	assert.Equal(t, []models.Lane{models.Lane2}, rec.snapshot())
}

func TestReceivedAtComesFromClock(t *testing.T) {
	stamp := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ps := newPushServer(t, text("1"))
	rec := newReceived()

	ch := NewChannel(ps.wsURL(), WithClock(fixedClock(stamp)))
	ch.OnToken(rec.handle)
	_, err := ch.Connect(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	rec.wait(t, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, stamp, rec.times[0])
}

func TestStrictTokensEndConnection(t *testing.T) {
	ps := newPushServer(t, text("1"), text("bogus"), text("2"))
	rec := newReceived()

	ch := NewChannel(ps.wsURL(), WithStrictTokens())
	ch.OnToken(rec.handle)
	conn, err := ch.Connect(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("strict connection did not end")
	}

	var cerr *ConnectionError
	require.ErrorAs(t, conn.Err(), &cerr)
	assert.ErrorIs(t, conn.Err(), ErrUnknownToken)
	assert.Equal(t, []models.Lane{models.Lane1}, rec.snapshot())
}

func TestConnectUnreachable(t *testing.T) {
	ps := newPushServer(t)
	url := ps.wsURL()
	ps.Close()

	ch := NewChannel(url)
	ch.OnToken(func(models.Lane, time.Time) {})
	_, err := ch.Connect(context.Background())

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "dial", cerr.Op)
	assert.True(t, retry.IsRetryable(err))
}

func TestConnectRejectedHandshakeIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ch := NewChannel("ws" + strings.TrimPrefix(srv.URL, "http"))
	ch.OnToken(func(models.Lane, time.Time) {})
	_, err := ch.Connect(context.Background())

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, http.StatusUnauthorized, cerr.StatusCode)
	assert.False(t, retry.IsRetryable(err))
}

func TestConnectInvalidEndpointIsPermanent(t *testing.T) {
	for _, endpoint := range []string{"http://127.0.0.1:8080/ws", "ws:///ws", "://nope", "relay:8080"} {
		ch := NewChannel(endpoint)
		ch.OnToken(func(models.Lane, time.Time) {})
		_, err := ch.Connect(context.Background())

		var cerr *ConnectionError
		require.ErrorAs(t, err, &cerr, endpoint)
		assert.ErrorIs(t, err, ErrInvalidEndpoint, endpoint)
		assert.False(t, retry.IsRetryable(err), endpoint)
	}
}

func TestConnectRequiresHandler(t *testing.T) {
	ch := NewChannel("ws://127.0.0.1:1/ws")
	_, err := ch.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestAPIKeySentOnHandshake(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL(), WithAPIKey("s3cret"))
	ch.OnToken(func(models.Lane, time.Time) {})
	_, err := ch.Connect(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, "Bearer s3cret", <-ps.authz)
}

func TestSingleLiveConnection(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL())
	ch.OnToken(func(models.Lane, time.Time) {})

	_, err := ch.Connect(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestDropSurfacesConnectionErrorAndReconnects(t *testing.T) {
	ps := newPushServer(t, text("1"))
	rec := newReceived()
	ch := NewChannel(ps.wsURL())
	ch.OnToken(rec.handle)

	conn, err := ch.Connect(context.Background())
	require.NoError(t, err)
	defer ch.Close()
	rec.wait(t, 1)

	ps.hangUp()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("drop not detected")
	}
	var cerr *ConnectionError
	require.ErrorAs(t, conn.Err(), &cerr)
	assert.Equal(t, "read", cerr.Op)

	// The server now releases immediately, but a new connection is accepted.
	conn2, err := ch.Connect(context.Background())
	require.NoError(t, err)
	<-conn2.Done()
	rec.wait(t, 1)
	assert.Equal(t, []models.Lane{models.Lane1, models.Lane1}, rec.snapshot())
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL())
	ch.OnToken(func(models.Lane, time.Time) {})

	conn, err := ch.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	_ = ch.Close()
	_ = conn.Close()

	select {
	case <-conn.Done():
	default:
		t.Fatal("read loop still running after Close")
	}
	assert.NoError(t, conn.Err(), "local close is not a connection error")

	_, err = ch.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}

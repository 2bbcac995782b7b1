// Package signal is the client side of the lap push channel: one websocket
// connection delivering "1"/"2" reset tokens, in order, to a single handler.
//
// Tokens other than the two lane identifiers are discarded without error.
// This leniency is a policy choice; WithStrictTokens turns an unknown token
// into a connection error for deployments that want the producer fixed.
package signal

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/psantana5/slotem-chrono/pkg/logging"
	"github.com/psantana5/slotem-chrono/pkg/models"
)

// Handler consumes a recognised token. receivedAt is the instant the message
// was read off the connection.
type Handler func(lane models.Lane, receivedAt time.Time)

// Clock stamps received tokens.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Recorder receives channel events, usually a metrics sink.
type Recorder interface {
	RecordConnect(err error)
	RecordDisconnect(err error)
	RecordToken(lane models.Lane, handled time.Duration)
	RecordIgnored()
}

type nopRecorder struct{}

func (nopRecorder) RecordConnect(error)                    {}
func (nopRecorder) RecordDisconnect(error)                 {}
func (nopRecorder) RecordToken(models.Lane, time.Duration) {}
func (nopRecorder) RecordIgnored()                         {}

// Channel owns at most one live Connection to the push endpoint.
type Channel struct {
	endpoint    string
	dialer      websocket.Dialer
	header      http.Header
	clock       Clock
	recorder    Recorder
	logger      *logging.Logger
	strict      bool
	idleTimeout time.Duration

	mu      sync.Mutex
	handler Handler
	conn    *Connection
	closed  bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithTLSConfig sets the TLS client config used for wss endpoints.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Channel) { c.dialer.TLSClientConfig = cfg }
}

// WithAPIKey sends the key as a bearer token during the handshake.
func WithAPIKey(key string) Option {
	return func(c *Channel) {
		if key != "" {
			c.header.Set("Authorization", "Bearer "+key)
		}
	}
}

// WithClock sets the clock used to stamp tokens.
func WithClock(clock Clock) Option {
	return func(c *Channel) { c.clock = clock }
}

// WithRecorder sets the metrics hook.
func WithRecorder(r Recorder) Option {
	return func(c *Channel) { c.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithStrictTokens makes an unrecognised token close the connection.
func WithStrictTokens() Option {
	return func(c *Channel) { c.strict = true }
}

// WithIdleTimeout drops the connection when neither a message nor a ping
// arrives for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Channel) { c.idleTimeout = d }
}

// NewChannel creates an unconnected channel for endpoint (ws:// or wss://).
func NewChannel(endpoint string, opts ...Option) *Channel {
	c := &Channel{
		endpoint: endpoint,
		dialer:   *websocket.DefaultDialer,
		header:   make(http.Header),
		clock:    systemClock{},
		recorder: nopRecorder{},
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("endpoint", endpoint)
	return c
}

// Endpoint returns the push endpoint URL.
func (c *Channel) Endpoint() string {
	return c.endpoint
}

// OnToken registers the sole consumer. It replaces any previous handler and
// applies to connections established afterwards.
func (c *Channel) OnToken(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect dials the endpoint and starts delivering tokens. A failure to reach
// the endpoint is a *ConnectionError. Connect may be called again once the
// previous connection is done.
func (c *Channel) Connect(ctx context.Context) (*Connection, error) {
	c.mu.Lock()
	if err := c.checkConnectable(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	handler := c.handler
	c.mu.Unlock()

	if err := validateEndpoint(c.endpoint); err != nil {
		cerr := &ConnectionError{Op: "dial", Endpoint: c.endpoint, Err: err}
		c.recorder.RecordConnect(cerr)
		return nil, cerr
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.endpoint, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		cerr := &ConnectionError{Op: "dial", Endpoint: c.endpoint, Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		c.recorder.RecordConnect(cerr)
		return nil, cerr
	}

	c.mu.Lock()
	if err := c.checkConnectable(); err != nil {
		c.mu.Unlock()
		ws.Close()
		return nil, err
	}
	conn := &Connection{
		ws:       ws,
		channel:  c,
		done:     make(chan struct{}),
		endpoint: c.endpoint,
	}
	c.conn = conn
	c.mu.Unlock()

	c.recorder.RecordConnect(nil)
	c.logger.Info("Signal channel connected", logging.Fields{"remote": ws.RemoteAddr().String()})

	go conn.readLoop(handler)
	return conn, nil
}

// checkConnectable must be called with c.mu held.
func (c *Channel) checkConnectable() error {
	if c.closed {
		return ErrClosed
	}
	if c.handler == nil {
		return ErrNoHandler
	}
	if c.conn != nil && !c.conn.finished() {
		return ErrAlreadyConnected
	}
	return nil
}

// Close releases the current connection, if any, and refuses further
// Connect calls. No handler call happens after Close returns. Safe to call
// more than once. Must not be called from inside the handler.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Connection is one established websocket session.
type Connection struct {
	ws       *websocket.Conn
	channel  *Channel
	endpoint string
	done     chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error
}

// Done is closed when the read loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended: a *ConnectionError if the transport
// dropped or a strict token check failed, nil after a local Close or while
// the connection is live.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close releases the connection exactly once and waits for the read loop to
// exit. Safe to call more than once.
func (c *Connection) Close() error {
	c.closing.Store(true)
	err := c.release()
	<-c.done
	return err
}

func (c *Connection) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) release() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Connection) readLoop(h Handler) {
	ch := c.channel
	defer close(c.done)
	defer c.release()

	if ch.idleTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(ch.idleTimeout))
		c.ws.SetPingHandler(func(data string) error {
			c.ws.SetReadDeadline(time.Now().Add(ch.idleTimeout))
			return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		receivedAt := ch.clock.Now()
		if c.closing.Load() {
			return
		}
		if err != nil {
			cerr := &ConnectionError{Op: "read", Endpoint: c.endpoint, Err: err}
			c.fail(cerr)
			ch.recorder.RecordDisconnect(cerr)
			ch.logger.Warn("Signal channel dropped", logging.Fields{"error": err.Error()})
			return
		}
		if ch.idleTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(ch.idleTimeout))
		}

		if msgType != websocket.TextMessage {
			ch.recorder.RecordIgnored()
			continue
		}
		token := string(data)
		lane, ok := models.ParseToken(token)
		if !ok {
			ch.recorder.RecordIgnored()
			if ch.strict {
				cerr := &ConnectionError{Op: "read", Endpoint: c.endpoint, Err: unknownToken(token)}
				c.fail(cerr)
				ch.recorder.RecordDisconnect(cerr)
				ch.logger.Error("Unknown token on strict channel", logging.Fields{"token": token})
				return
			}
			ch.logger.Debug("Ignoring unknown token", logging.Fields{"token": token})
			continue
		}

		h(lane, receivedAt)
		ch.recorder.RecordToken(lane, ch.clock.Now().Sub(receivedAt))
	}
}

func unknownToken(token string) error {
	const max = 32
	if len(token) > max {
		token = token[:max] + "..."
	}
	return fmt.Errorf("%w: %q", ErrUnknownToken, token)
}

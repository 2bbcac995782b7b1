// Package display runs the chronometer: it keeps the signal channel
// connected, feeds its tokens to the timer engine and pushes the displayed
// values to viewers.
package display

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/psantana5/slotem-chrono/pkg/api"
	"github.com/psantana5/slotem-chrono/pkg/engine"
	"github.com/psantana5/slotem-chrono/pkg/logging"
	"github.com/psantana5/slotem-chrono/pkg/metrics"
	"github.com/psantana5/slotem-chrono/pkg/models"
	"github.com/psantana5/slotem-chrono/pkg/retry"
	"github.com/psantana5/slotem-chrono/pkg/signal"
)

// Options configures a Service.
type Options struct {
	Endpoint     string
	TickInterval time.Duration
	PushInterval time.Duration
	Reconnect    retry.Config

	EngineOptions  []engine.Option
	ChannelOptions []signal.Option

	Metrics *metrics.Metrics // optional
	Logger  *logging.Logger
	// Render receives a one-line view of both chronos on every push. nil disables it.
	Render io.Writer
}

// Service owns one engine and the channel feeding it.
type Service struct {
	engine  *engine.Engine
	channel *signal.Channel
	handler *api.DisplayHandler
	logger  *logging.Logger
	metrics *metrics.Metrics

	tick      time.Duration
	push      time.Duration
	reconnect retry.Config
	render    io.Writer

	connected atomic.Bool
	lastPush  time.Time // Run goroutine only
}

// New wires a display service. Nothing runs until Run is called.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = engine.DefaultTickInterval
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = 100 * time.Millisecond
	}
	if opts.Reconnect.InitialBackoff <= 0 {
		opts.Reconnect = retry.DefaultConfig()
	}

	engineOpts := []engine.Option{engine.WithLogger(logger.WithField("component", "engine"))}
	channelOpts := []signal.Option{signal.WithLogger(logger.WithField("component", "signal"))}
	var hubRecorder api.HubRecorder
	if opts.Metrics != nil {
		engineOpts = append(engineOpts, engine.WithRecorder(opts.Metrics))
		channelOpts = append(channelOpts, signal.WithRecorder(opts.Metrics))
		hubRecorder = opts.Metrics
	}
	engineOpts = append(engineOpts, opts.EngineOptions...)
	channelOpts = append(channelOpts, opts.ChannelOptions...)

	s := &Service{
		engine:    engine.New(engineOpts...),
		channel:   signal.NewChannel(opts.Endpoint, channelOpts...),
		logger:    logger,
		metrics:   opts.Metrics,
		tick:      opts.TickInterval,
		push:      opts.PushInterval,
		reconnect: opts.Reconnect,
		render:    opts.Render,
	}
	s.handler = api.NewDisplayHandler(api.DisplayConfig{
		Engine:    s.engine,
		Hub:       api.NewHub("display", logger, hubRecorder),
		Logger:    logger,
		Connected: s.Connected,
	})
	s.channel.OnToken(s.handleToken)
	return s
}

// Engine returns the timer engine.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// Handler returns the HTTP handler serving snapshots and history.
func (s *Service) Handler() *api.DisplayHandler {
	return s.handler
}

// Connected reports whether the signal channel is currently up.
func (s *Service) Connected() bool {
	return s.connected.Load()
}

func (s *Service) handleToken(lane models.Lane, receivedAt time.Time) {
	s.engine.HandleSignal(lane, receivedAt)
}

// Run keeps the channel connected and ticks the engine until ctx is done or
// the channel fails permanently. A cancelled ctx is not an error.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- s.connectLoop(ctx) }()
	go func() { errCh <- s.engine.Run(ctx, s.tick, s.publish) }()

	err := <-errCh
	cancel()
	<-errCh

	s.channel.Close()
	s.handler.Hub().Close()
	s.connected.Store(false)
	if s.metrics != nil {
		s.metrics.SetDisconnected()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// connectLoop reconnects with backoff until ctx is done or an error is not
// worth retrying.
func (s *Service) connectLoop(ctx context.Context) error {
	backoff := retry.NewBackoff(s.reconnect)

	for {
		conn, err := s.channel.Connect(ctx)
		if err == nil {
			backoff.Reset()
			s.connected.Store(true)

			select {
			case <-conn.Done():
				err = conn.Err()
			case <-ctx.Done():
				conn.Close()
				s.connected.Store(false)
				return ctx.Err()
			}
			s.connected.Store(false)
			if err == nil {
				return ctx.Err()
			}
			s.logger.Warn("Signal channel dropped", logging.Fields{"error": err.Error()})
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retry.IsRetryable(err) {
			return fmt.Errorf("signal channel: %w", err)
		}

		delay, ok := backoff.Next()
		if !ok {
			return fmt.Errorf("signal channel: %w: %v", retry.ErrExhausted, err)
		}
		s.logger.Info("Reconnecting signal channel", logging.Fields{
			"attempt": backoff.Attempt(),
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// publish runs on the engine's tick goroutine.
func (s *Service) publish(snap models.Snapshot) {
	if !s.lastPush.IsZero() && snap.At.Sub(s.lastPush) < s.push {
		return
	}
	s.lastPush = snap.At

	s.handler.Publish(snap)
	if s.render != nil {
		fmt.Fprint(s.render, RenderLine(snap))
	}
}

// RenderLine formats both chronos for a terminal, overwriting the current line.
func RenderLine(snap models.Snapshot) string {
	return fmt.Sprintf("\rChrono 1  %s | Chrono 2  %s",
		engine.FormatElapsed(snap.Chrono1), engine.FormatElapsed(snap.Chrono2))
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/psantana5/slotem-chrono/pkg/models"
)

// Metrics holds every collector of a chrono process on its own registry so
// that several instances can live in one test binary.
type Metrics struct {
	registry *prometheus.Registry

	resets       *prometheus.CounterVec
	lapSeconds   *prometheus.HistogramVec
	elapsed      *prometheus.GaugeVec
	historyLen   prometheus.Gauge
	ticks        prometheus.Counter
	tokens       *prometheus.CounterVec
	ignored      prometheus.Counter
	handleTime   prometheus.Histogram
	connects     *prometheus.CounterVec
	disconnects  prometheus.Counter
	connected    prometheus.Gauge
	laps         *prometheus.CounterVec
	subscribers  *prometheus.GaugeVec
	broadcastErr *prometheus.CounterVec
}

// New creates and registers the chrono collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		resets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrono_resets_total",
				Help: "Reset signals applied by the engine",
			},
			[]string{"lane", "kind"}, // kind: "start" or "archived"
		),
		lapSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chrono_lap_seconds",
				Help:    "Archived lap times",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"lane"},
		),
		elapsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chrono_elapsed_seconds",
				Help: "Currently displayed elapsed time per lane",
			},
			[]string{"lane"},
		),
		historyLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chrono_history_entries",
			Help: "Entries in the session history log",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chrono_ticks_total",
			Help: "Display ticks computed",
		}),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrono_signal_tokens_total",
				Help: "Recognised tokens received on the signal channel",
			},
			[]string{"lane"},
		),
		ignored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chrono_signal_ignored_total",
			Help: "Messages discarded because they are not a lane token",
		}),
		handleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chrono_signal_handle_seconds",
			Help:    "Time from token reception to the end of its handler",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrono_signal_connects_total",
				Help: "Signal channel connection attempts by result",
			},
			[]string{"result"},
		),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chrono_signal_disconnects_total",
			Help: "Established signal connections lost",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chrono_signal_connected",
			Help: "Whether the signal channel is connected (1=yes, 0=no)",
		}),
		laps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrono_relay_laps_total",
				Help: "Laps accepted by the relay",
			},
			[]string{"lane"},
		),
		subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chrono_ws_subscribers",
				Help: "Connected websocket subscribers",
			},
			[]string{"hub"},
		),
		broadcastErr: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrono_ws_broadcast_errors_total",
				Help: "Subscribers dropped after a failed write",
			},
			[]string{"hub"},
		),
	}

	m.registry.MustRegister(
		m.resets, m.lapSeconds, m.elapsed, m.historyLen, m.ticks,
		m.tokens, m.ignored, m.handleTime, m.connects, m.disconnects, m.connected,
		m.laps, m.subscribers, m.broadcastErr,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func laneLabel(l models.Lane) string {
	return l.Token()
}

// RecordReset implements engine.Recorder.
func (m *Metrics) RecordReset(lane models.Lane, archived *models.HistoryEntry) {
	if archived == nil {
		m.resets.WithLabelValues(laneLabel(lane), "start").Inc()
		return
	}
	m.resets.WithLabelValues(laneLabel(lane), "archived").Inc()
	m.lapSeconds.WithLabelValues(laneLabel(lane)).Observe(archived.Archived.Seconds())
	m.historyLen.Inc()
}

// RecordTick implements engine.Recorder.
func (m *Metrics) RecordTick(snap models.Snapshot) {
	m.ticks.Inc()
	for _, l := range models.Lanes {
		m.elapsed.WithLabelValues(laneLabel(l)).Set(snap.Elapsed(l).Seconds())
	}
}

// RecordConnect implements signal.Recorder.
func (m *Metrics) RecordConnect(err error) {
	if err != nil {
		m.connects.WithLabelValues("error").Inc()
		return
	}
	m.connects.WithLabelValues("ok").Inc()
	m.connected.Set(1)
}

// RecordDisconnect implements signal.Recorder.
func (m *Metrics) RecordDisconnect(error) {
	m.disconnects.Inc()
	m.connected.Set(0)
}

// RecordToken implements signal.Recorder.
func (m *Metrics) RecordToken(lane models.Lane, handled time.Duration) {
	m.tokens.WithLabelValues(laneLabel(lane)).Inc()
	m.handleTime.Observe(handled.Seconds())
}

// RecordIgnored implements signal.Recorder.
func (m *Metrics) RecordIgnored() {
	m.ignored.Inc()
}

// SetDisconnected marks the channel down after a local close.
func (m *Metrics) SetDisconnected() {
	m.connected.Set(0)
}

// RecordLap counts a lap accepted by the relay.
func (m *Metrics) RecordLap(lane models.Lane) {
	m.laps.WithLabelValues(laneLabel(lane)).Inc()
}

// SetSubscribers reports the subscriber count of a websocket hub.
func (m *Metrics) SetSubscribers(hub string, n int) {
	m.subscribers.WithLabelValues(hub).Set(float64(n))
}

// RecordBroadcastError counts a subscriber dropped by a hub.
func (m *Metrics) RecordBroadcastError(hub string) {
	m.broadcastErr.WithLabelValues(hub).Inc()
}

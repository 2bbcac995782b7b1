package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Exporter serves Prometheus text: process/host gauges written by hand,
// followed by everything on the gatherer.
type Exporter struct {
	component string
	gatherer  prometheus.Gatherer
	startTime time.Time

	mu          sync.Mutex
	cpuUsage    float64
	memoryBytes uint64
}

// NewExporter creates an exporter for component ("display" or "relay").
func NewExporter(component string, g prometheus.Gatherer) *Exporter {
	return &Exporter{
		component: component,
		gatherer:  g,
		startTime: time.Now(),
	}
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.updateHostMetrics()

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))

	var buf bytes.Buffer
	e.mu.Lock()
	fmt.Fprintf(&buf, "# HELP chrono_uptime_seconds Process uptime in seconds\n")
	fmt.Fprintf(&buf, "# TYPE chrono_uptime_seconds gauge\n")
	fmt.Fprintf(&buf, "chrono_uptime_seconds{component=\"%s\"} %.0f\n", e.component, time.Since(e.startTime).Seconds())

	fmt.Fprintf(&buf, "\n# HELP chrono_host_cpu_usage Host CPU usage percentage (0-100)\n")
	fmt.Fprintf(&buf, "# TYPE chrono_host_cpu_usage gauge\n")
	fmt.Fprintf(&buf, "chrono_host_cpu_usage{component=\"%s\"} %.2f\n", e.component, e.cpuUsage)

	fmt.Fprintf(&buf, "\n# HELP chrono_host_memory_bytes Host memory in use in bytes\n")
	fmt.Fprintf(&buf, "# TYPE chrono_host_memory_bytes gauge\n")
	fmt.Fprintf(&buf, "chrono_host_memory_bytes{component=\"%s\"} %d\n\n", e.component, e.memoryBytes)
	e.mu.Unlock()

	families, err := e.gatherer.Gather()
	if err != nil {
		fmt.Fprintf(&buf, "# Error gathering metrics: %v\n", err)
	}
	encoder := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(&buf, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}

	w.Write(buf.Bytes())
}

// updateHostMetrics samples CPU and memory without blocking the scrape.
func (e *Exporter) updateHostMetrics() {
	cpuPercent, cpuErr := cpu.Percent(0, false)
	memInfo, memErr := mem.VirtualMemory()

	e.mu.Lock()
	defer e.mu.Unlock()
	if cpuErr == nil && len(cpuPercent) > 0 {
		e.cpuUsage = cpuPercent[0]
	}
	if memErr == nil {
		e.memoryBytes = memInfo.Used
	}
}

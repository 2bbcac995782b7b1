package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/slotem-chrono/pkg/auth"
	"github.com/psantana5/slotem-chrono/pkg/logging"
	"github.com/psantana5/slotem-chrono/pkg/models"
	"github.com/psantana5/slotem-chrono/pkg/ratelimit"
	"github.com/psantana5/slotem-chrono/pkg/store"
	"github.com/psantana5/slotem-chrono/pkg/tracing"
)

// MaxUploadBytes bounds the multipart form of a lap report.
const MaxUploadBytes = 32 << 20

// LapRecorder counts laps accepted by the relay.
type LapRecorder interface {
	RecordLap(lane models.Lane)
}

// RelayConfig wires a RelayHandler.
type RelayConfig struct {
	Store     store.Store
	Hub       *Hub
	UploadDir string
	Limiter   *ratelimit.Limiter // nil disables rate limiting
	Verifier  *auth.KeyVerifier  // nil disables API keys
	Tracer    *tracing.Provider  // nil disables spans
	Recorder  LapRecorder
	Logger    *logging.Logger
	Now       func() time.Time
}

// RelayHandler receives crossings from detectors and pushes the lane token
// to every subscribed display.
type RelayHandler struct {
	store     store.Store
	hub       *Hub
	uploadDir string
	limiter   *ratelimit.Limiter
	verifier  *auth.KeyVerifier
	tracer    *tracing.Provider
	recorder  LapRecorder
	logger    *logging.Logger
	now       func() time.Time

	// mu makes the store order and the broadcast order the same.
	mu sync.Mutex
}

// NewRelayHandler creates a new relay handler
func NewRelayHandler(cfg RelayConfig) *RelayHandler {
	h := &RelayHandler{
		store:     cfg.Store,
		hub:       cfg.Hub,
		uploadDir: cfg.UploadDir,
		limiter:   cfg.Limiter,
		verifier:  cfg.Verifier,
		tracer:    cfg.Tracer,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if h.store == nil {
		h.store = store.NewMemoryStore()
	}
	if h.logger == nil {
		h.logger = logging.Nop()
	}
	if h.hub == nil {
		h.hub = NewHub("relay", h.logger, nil)
	}
	if h.uploadDir == "" {
		h.uploadDir = "tmp"
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.tracer == nil {
		p, _ := tracing.InitTracer(tracing.Config{ServiceName: "chrono-relay"}, h.logger)
		h.tracer = p
	}
	return h
}

// Hub returns the subscriber hub.
func (h *RelayHandler) Hub() *Hub {
	return h.hub
}

// RegisterRoutes registers all relay routes
func (h *RelayHandler) RegisterRoutes(r *mux.Router) {
	var lap http.Handler = http.HandlerFunc(h.ReportLap)
	var ws http.Handler = h.hub
	if h.verifier.Enabled() {
		// authenticated detectors also share one bucket per key
		if h.limiter != nil {
			lap = h.limiter.Middleware(ratelimit.APIKeyFunc)(lap)
		}
		lap = h.verifier.Middleware(lap)
		ws = h.verifier.Middleware(ws)
	}
	if h.limiter != nil {
		lap = h.limiter.Middleware(ratelimit.IPKeyFunc)(lap)
	}

	r.Handle("/ws", ws).Methods("GET")
	r.Handle("/lap/{id}", lap).Methods("POST")
	r.HandleFunc("/crossings", h.ListCrossings).Methods("GET")
	r.HandleFunc("/crossings/{id}", h.GetCrossing).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// LapResponse is returned for an accepted crossing.
type LapResponse struct {
	Crossing    *models.Crossing `json:"crossing" yaml:"crossing"`
	Subscribers int              `json:"subscribers" yaml:"subscribers"`
}

// ReportLap handles POST /lap/{id}: validates the lane, stores the images and
// the crossing, then broadcasts the lane token.
func (h *RelayHandler) ReportLap(w http.ResponseWriter, r *http.Request) {
	receivedAt := h.now()

	lane, ok := models.ParseToken(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Unknown lane", http.StatusBadRequest)
		return
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "relay.report_lap", attribute.Int("lane", int(lane)))
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	var files []*multipart.FileHeader
	err := r.ParseMultipartForm(MaxUploadBytes)
	switch {
	case err == nil:
		files = r.MultipartForm.File["image"]
		defer r.MultipartForm.RemoveAll()
	case errors.Is(err, http.ErrNotMultipart):
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad form data", http.StatusBadRequest)
			return
		}
	default:
		tracing.SetError(ctx, err)
		http.Error(w, "Bad form data", http.StatusBadRequest)
		return
	}

	images, err := h.saveImages(receivedAt, files)
	if err != nil {
		tracing.SetError(ctx, err)
		h.logger.Error("Failed to save images", logging.Fields{"lane": int(lane), "error": err.Error()})
		http.Error(w, "Failed to save images", http.StatusInternalServerError)
		return
	}

	crossing := &models.Crossing{
		ID:           uuid.New().String(),
		Lane:         lane,
		ReportedTime: r.FormValue("time"),
		ReceivedAt:   receivedAt,
		Images:       images,
		Source:       ratelimit.IPKeyFunc(r),
	}
	h.mu.Lock()
	if err := h.store.RecordCrossing(crossing); err != nil {
		h.mu.Unlock()
		tracing.SetError(ctx, err)
		h.logger.Error("Failed to record crossing", logging.Fields{"lane": int(lane), "error": err.Error()})
		http.Error(w, "Failed to record crossing", http.StatusInternalServerError)
		return
	}
	n := h.hub.Broadcast([]byte(lane.Token()))
	h.mu.Unlock()

	tracing.AddEvent(ctx, "broadcast", attribute.Int("subscribers", n))
	if h.recorder != nil {
		h.recorder.RecordLap(lane)
	}

	h.logger.Info("Lap broadcast", logging.Fields{
		"lane":          int(lane),
		"reported_time": crossing.ReportedTime,
		"images":        len(images),
		"subscribers":   n,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LapResponse{Crossing: crossing, Subscribers: n})
}

// saveImages writes uploads as <timestamp>_<filename> under the upload dir.
func (h *RelayHandler) saveImages(at time.Time, files []*multipart.FileHeader) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	stamp := at.Format("20060102_150405.000")
	paths := make([]string, 0, len(files))
	for _, header := range files {
		path := filepath.Join(h.uploadDir, fmt.Sprintf("%s_%s", stamp, filepath.Base(header.Filename)))
		if err := saveUpload(header, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func saveUpload(header *multipart.FileHeader, path string) error {
	in, err := header.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload %s: %w", header.Filename, err)
	}
	defer in.Close()

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return out.Close()
}

// ListCrossings handles GET /crossings?lane=&limit=
func (h *RelayHandler) ListCrossings(w http.ResponseWriter, r *http.Request) {
	var filter models.CrossingFilter
	if v := r.URL.Query().Get("lane"); v != "" {
		lane, ok := models.ParseToken(v)
		if !ok {
			http.Error(w, "Unknown lane", http.StatusBadRequest)
			return
		}
		filter.Lane = lane
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	crossings, err := h.store.ListCrossings(filter)
	if err != nil {
		h.logger.Error("Failed to list crossings", logging.Fields{"error": err.Error()})
		http.Error(w, "Failed to list crossings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"crossings": crossings,
		"count":     len(crossings),
	})
}

// GetCrossing handles GET /crossings/{id}
func (h *RelayHandler) GetCrossing(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCrossing(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrCrossingNotFound) {
			http.Error(w, "Crossing not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to get crossing", logging.Fields{"error": err.Error()})
		http.Error(w, "Failed to get crossing", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}

// Health returns the health status of the relay
func (h *RelayHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.store.HealthCheck(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      status,
		"subscribers": h.hub.Len(),
	})
}

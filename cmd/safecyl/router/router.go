// Package router configures HTTP routes for the SafeCyl API.
//
// Routes configured:
//   - GET  /                         - Plain-text liveness banner
//   - GET  /healthz                  - Store health check
//   - GET  /metrics                  - Prometheus metrics endpoint
//   - GET  /api/ping                 - Server clock
//   - GET  /api/echo?value=          - Echo a query value
//   - GET  /sensor                   - Current live snapshot
//   - POST /sensor                   - Partial update of the live snapshot
//   - POST /api/ingest               - Run one ingestion cycle (GET accepted)
//   - GET  /api/history?limit&offset - Paginated history, oldest first
//   - GET  /api/rollups/hourly?hours - Hourly rollups
//   - GET  /api/rollups/daily?days   - Daily rollups
//
// JSON responses use the httpx.Envelope shape. Storage failures map to 500,
// live snapshot failures to 502 and unsupported updates to 501.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/safecyl/safecyl/cmd/safecyl/metrics"
	"github.com/safecyl/safecyl/pkg/history"
	"github.com/safecyl/safecyl/pkg/httpx"
	"github.com/safecyl/safecyl/pkg/ingest"
	"github.com/safecyl/safecyl/pkg/rollup"
	"github.com/safecyl/safecyl/pkg/snapshot"
	"github.com/safecyl/safecyl/pkg/storage"
)

const (
	// Banner is the body of GET /.
	Banner = "SafeCyl Backend Running"

	// RequestTimeout bounds the bridge and store work of one API request.
	RequestTimeout = 10 * time.Second

	healthTimeout  = 2 * time.Second
	maxBodyBytes   = 1 << 20
)

// CORSMethods are the methods browsers may use cross-origin.
var CORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}

// Services bundles the request handlers' collaborators.
type Services struct {
	Ingest  *ingest.Service
	History *history.Service
	Rollups *rollup.Aggregator
	Store   storage.Store
	Metrics *metrics.Metrics
}

// SetupRoutes configures HTTP endpoints for the service.
func SetupRoutes(svc Services, logger *slog.Logger) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("/", h.index)
	mux.Handle("/healthz", httpx.HealthHandlerWithCheck(svc.Store.Ping, healthTimeout))
	mux.Handle("/metrics", svc.Metrics.Handler())

	mux.HandleFunc("/api/ping", h.ping)
	mux.HandleFunc("/api/echo", h.echo)
	mux.HandleFunc("/sensor", h.sensor)
	mux.HandleFunc("/api/ingest", h.ingest)
	mux.HandleFunc("/api/history", h.history)
	mux.HandleFunc("/api/rollups/hourly", h.hourly)
	mux.HandleFunc("/api/rollups/daily", h.daily)

	return mux
}

// Wrap applies the standard middleware stack: panic recovery, request ids,
// request logging, metrics and CORS.
func Wrap(mux http.Handler, allowedOrigins []string, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return httpx.Chain(mux,
		httpx.RecoveryMiddleware(logger),
		httpx.RequestIDMiddleware(),
		httpx.LoggingMiddleware(logger),
		m.HTTPMiddleware(),
		httpx.CORSMiddleware(allowedOrigins, CORSMethods),
	)
}

type handlers struct {
	svc    Services
	logger *slog.Logger
}

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		httpx.WriteErrorMessage(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, Banner)
}

func (h *handlers) ping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httpx.WriteSuccess(w, map[string]any{
		"ok":   true,
		"time": time.Now().UnixMilli(),
	})
}

func (h *handlers) echo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httpx.WriteSuccess(w, map[string]string{"value": r.URL.Query().Get("value")})
}

func (h *handlers) sensor(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		snap, err := h.svc.Ingest.Current(ctx)
		if err != nil {
			h.fail(w, r, "read live snapshot", err)
			return
		}
		httpx.WriteSuccess(w, snap.JSON())

	case http.MethodPost:
		fields, err := decodeFields(w, r)
		if err != nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "request body must be a JSON object")
			return
		}
		if err := h.svc.Ingest.Apply(ctx, fields); err != nil {
			h.fail(w, r, "update live snapshot", err)
			return
		}
		httpx.WriteSuccess(w, map[string]string{"status": "updated"})

	default:
		httpx.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodPost, http.MethodGet)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	res, err := h.svc.Ingest.Ingest(ctx)
	if err != nil {
		h.fail(w, r, "ingest reading", err)
		return
	}
	httpx.WriteSuccess(w, res)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	q := r.URL.Query()
	page, err := h.svc.History.Query(ctx, history.ParseWindow(q.Get("limit"), q.Get("offset")))
	if err != nil {
		h.fail(w, r, "query history", err)
		return
	}
	httpx.WriteSuccess(w, page)
}

// rollupResponse is the data payload of the rollup endpoints.
type rollupResponse struct {
	Granularity string          `json:"granularity"`
	Window      int             `json:"window"`
	Timezone    string          `json:"timezone"`
	Buckets     []rollup.Bucket `json:"buckets"`
}

func (h *handlers) hourly(w http.ResponseWriter, r *http.Request) {
	h.rollup(w, r, rollup.Hourly, rollup.ParseHours(r.URL.Query().Get("hours")))
}

func (h *handlers) daily(w http.ResponseWriter, r *http.Request) {
	h.rollup(w, r, rollup.Daily, rollup.ParseDays(r.URL.Query().Get("days")))
}

func (h *handlers) rollup(w http.ResponseWriter, r *http.Request, g rollup.Granularity, window int) {
	if r.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	var (
		buckets []rollup.Bucket
		err     error
	)
	if g == rollup.Hourly {
		buckets, err = h.svc.Rollups.Hourly(ctx, window)
	} else {
		buckets, err = h.svc.Rollups.Daily(ctx, window)
	}
	if err != nil {
		h.fail(w, r, g.String()+" rollup", err)
		return
	}

	httpx.WriteSuccess(w, rollupResponse{
		Granularity: g.String(),
		Window:      window,
		Timezone:    h.svc.Rollups.Location().String(),
		Buckets:     buckets,
	})
}

// fail logs err once and maps it to a status and a client-safe message.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := classify(err)
	h.logger.Error(op+" failed",
		"error", err,
		"status", status,
		"request_id", httpx.RequestID(r.Context()),
	)
	httpx.WriteErrorMessage(w, status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, snapshot.ErrReadOnly):
		return http.StatusNotImplemented, "live snapshot source is read-only"
	case errors.Is(err, storage.ErrStorage):
		return http.StatusInternalServerError, "storage unavailable"
	case errors.Is(err, snapshot.ErrUnavailable):
		return http.StatusBadGateway, "live snapshot unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	var fields map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&fields); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("body is not an object")
	}
	return fields, nil
}

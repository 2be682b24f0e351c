// Package api serves the HTTP trigger and operator endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/biequity/reconciler/internal/catalog"
	"github.com/biequity/reconciler/internal/engine"
	"github.com/biequity/reconciler/internal/lock"
	"github.com/biequity/reconciler/internal/storage"
)

// Checker pings the dependencies reported by /healthz.
type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
}

// Processor runs one guarded processing cycle.
type Processor interface {
	Process(ctx context.Context) (engine.Summary, error)
}

// RecordReader lists processing records.
type RecordReader interface {
	ListRecords(ctx context.Context, f storage.RecordFilter) ([]storage.Record, error)
	CountByStatus(ctx context.Context) (map[storage.Status]int, error)
}

// AssetReader lists supported assets.
type AssetReader interface {
	ListSupportedAssets(ctx context.Context) ([]catalog.SupportedAsset, error)
}

// Options wires the router. Nil readers disable their routes.
type Options struct {
	Processor Processor
	Records   RecordReader
	Assets    AssetReader
	Checker   Checker
	Metrics   http.Handler
	Logger    *slog.Logger
}

// ProcessResponse is the body of POST /process-events. The status is always
// 200; per-event outcomes carry success or failure.
type ProcessResponse struct {
	Success   bool      `json:"success"`
	Processed Processed `json:"processed"`
	Error     string    `json:"error,omitempty"`
	FromBlock uint64    `json:"from_block,omitempty"`
	ToBlock   uint64    `json:"to_block,omitempty"`
	Watermark uint64    `json:"watermark,omitempty"`
}

// Processed groups results by order side.
type Processed struct {
	Buys  []engine.EventResult `json:"buys"`
	Sells []engine.EventResult `json:"sells"`
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &handlers{opts: opts, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})
	if opts.Processor != nil {
		r.Post("/process-events", h.processEvents)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Get("/healthz", h.healthz)
		if opts.Records != nil {
			r.Get("/records", h.records)
			r.Get("/records/summary", h.recordSummary)
		}
		if opts.Assets != nil {
			r.Get("/assets", h.assets)
		}
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return r
}

// Serve starts the server in the background.
func Serve(addr string, handler http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

// Shutdown gracefully shuts down the server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}

type handlers struct {
	opts Options
	log  *slog.Logger
}

func (h *handlers) processEvents(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not abandon a run halfway through an order.
	ctx := context.WithoutCancel(r.Context())
	sum, err := h.opts.Processor.Process(ctx)

	resp := ProcessResponse{
		Success:   err == nil,
		Processed: Processed{Buys: sum.Buys, Sells: sum.Sells},
		FromBlock: sum.FromBlock,
		ToBlock:   sum.ToBlock,
		Watermark: sum.Watermark,
	}
	if resp.Processed.Buys == nil {
		resp.Processed.Buys = []engine.EventResult{}
	}
	if resp.Processed.Sells == nil {
		resp.Processed.Sells = []engine.EventResult{}
	}
	if err != nil {
		resp.Error = err.Error()
		if !errors.Is(err, lock.ErrAlreadyRunning) {
			h.log.Error("process events failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if h.opts.Checker.DBPing != nil {
		if err := h.opts.Checker.DBPing(ctx); err != nil {
			status["db"] = "fail"
			code = http.StatusServiceUnavailable
		} else {
			status["db"] = "ok"
		}
	}
	if h.opts.Checker.RPCPing != nil {
		if err := h.opts.Checker.RPCPing(ctx); err != nil {
			status["rpc"] = "fail"
			code = http.StatusServiceUnavailable
		} else {
			status["rpc"] = "ok"
		}
	}
	writeJSON(w, code, status)
}

func (h *handlers) records(w http.ResponseWriter, r *http.Request) {
	var f storage.RecordFilter
	if v := r.URL.Query().Get("status"); v != "" {
		st, ok := storage.ParseStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
		f.Status = st
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	recs, err := h.opts.Records.ListRecords(r.Context(), f)
	if err != nil {
		h.log.Error("list records failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) recordSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.opts.Records.CountByStatus(r.Context())
	if err != nil {
		h.log.Error("count records failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count records")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *handlers) assets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.opts.Assets.ListSupportedAssets(r.Context())
	if err != nil {
		h.log.Error("list supported assets failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to fetch supported stocks",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
				"bytes", ww.BytesWritten(), "duration", time.Since(started), "request_id", middleware.GetReqID(r.Context()))
		})
	}
}

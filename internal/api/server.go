// Package api exposes the HTTP surface: library scanning, job listing and
// patching, queue controls, settings, the WebSocket progress channel, and
// Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cliparr/internal/broker"
	"cliparr/internal/cleanup"
	"cliparr/internal/config"
	"cliparr/internal/logging"
	"cliparr/internal/media/ffmpeg"
	"cliparr/internal/progress"
	"cliparr/internal/queue"
)

// Pipeline is the job control surface the handlers drive. The pipeline
// manager satisfies this.
type Pipeline interface {
	Submit(ctx context.Context, episodeFileID int64) (int64, error)
	Cancel(ctx context.Context, jobID int64) error
	Requeue(ctx context.Context, jobID int64) (*queue.Job, error)
	PauseCPU()
	ResumeCPU()
	PauseGPU()
	ResumeGPU()
	ResizeCPU(size int)
	ResizeGPU(size int)
	CPUWorkers() int
	GPUWorkers() int
	Depths(ctx context.Context) (map[broker.Stage]broker.Depth, error)
	Registry() *ffmpeg.Registry
	HealthCheck(ctx context.Context) error
}

// Server carries the handler dependencies and builds the router.
type Server struct {
	cfg      *config.Config
	store    *queue.Store
	pipeline Pipeline
	broker   *broker.Broker
	cleaner  *cleanup.Service
	events   *progress.Broadcaster
	logger   *slog.Logger
	registry *prometheus.Registry
}

// New wires the API server. events may be nil when no WebSocket channel is
// wanted (the /ws route then reports unavailable).
func New(
	cfg *config.Config,
	store *queue.Store,
	pipe Pipeline,
	brk *broker.Broker,
	cleaner *cleanup.Service,
	events *progress.Broadcaster,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		pipeline: pipe,
		broker:   brk,
		cleaner:  cleaner,
		events:   events,
		logger:   logging.NewComponentLogger(logger, "api"),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(newQueueCollector(s))
	return s
}

// Handler builds the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The progress stream is long-lived, so it stays outside the request
	// timeout group.
	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/healthz", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

		r.Route("/shows", func(r chi.Router) {
			r.Post("/scan", s.handleShowsScan)
			r.Post("/rescan", s.handleShowsRescan)
			r.Get("/{id}/detection-stats", s.handleDetectionStats)
			r.Get("/{id}/segments", s.handleSegments)
		})

		r.Route("/processing", func(r chi.Router) {
			r.Get("/jobs", s.handleListJobs)
			r.Put("/jobs/{id}", s.handlePatchJob)
			r.Delete("/jobs/{id}", s.handleDeleteJob)
			r.Post("/jobs/{id}/cancel", s.handleCancelJob)
			r.Post("/jobs/{id}/requeue", s.handleRequeueJob)
			r.Post("/jobs/bulk-delete", s.handleBulkDelete)
			r.Get("/queue/status", s.handleQueueStatus)
			r.Get("/active-ffmpeg", s.handleActiveFFmpeg)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleGetSettings)
			r.Put("/", s.handlePutSettings)
			r.Post("/queue/pause-cpu", s.handlePoolControl(func(p Pipeline) { p.PauseCPU() }))
			r.Post("/queue/resume-cpu", s.handlePoolControl(func(p Pipeline) { p.ResumeCPU() }))
			r.Post("/queue/pause-gpu", s.handlePoolControl(func(p Pipeline) { p.PauseGPU() }))
			r.Post("/queue/resume-gpu", s.handlePoolControl(func(p Pipeline) { p.ResumeGPU() }))
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "degraded",
			"details": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePoolControl(action func(Pipeline)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action(s.pipeline)
		writeJSON(w, http.StatusOK, map[string]int{
			"cpu_workers": s.pipeline.CPUWorkers(),
			"gpu_workers": s.pipeline.GPUWorkers(),
		})
	}
}

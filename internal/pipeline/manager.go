// Package pipeline drives jobs through the five stage queues: worker
// pools reserve broker messages, run the stage handlers, apply the status
// machine, and retry or fail per the error classification.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"cliparr/internal/broker"
	"cliparr/internal/config"
	"cliparr/internal/fingerprint"
	"cliparr/internal/logging"
	"cliparr/internal/media/ffmpeg"
	"cliparr/internal/pipeline/stages"
	"cliparr/internal/progress"
	"cliparr/internal/queue"
	"cliparr/internal/services"
)

// cpuStageOrder is the pickup priority for CPU lane workers: later stages
// first so jobs drain forward before new ones pile in behind them.
var cpuStageOrder = []broker.Stage{
	broker.StageDetect,
	broker.StageFingerprint,
	broker.StageExtract,
	broker.StageScan,
}

var gpuStageOrder = []broker.Stage{broker.StageTrim}

// Manager owns the worker pools and the submit/cancel/requeue surface.
type Manager struct {
	cfg      *config.Config
	store    *queue.Store
	broker   *broker.Broker
	events   *progress.Broadcaster
	registry *ffmpeg.Registry
	handlers map[broker.Stage]stages.Handler
	env      *stages.Env
	logger   *slog.Logger

	cpu *Pool
	gpu *Pool

	cancel  context.CancelFunc
	loopsWG sync.WaitGroup

	triggerMu sync.Mutex
	triggered map[queue.CohortKey]time.Time

	pauseMu sync.Mutex
	cpuPrev int
	gpuPrev int
}

// New wires the media clients and stage handlers from configuration.
func New(cfg *config.Config, store *queue.Store, brk *broker.Broker, events *progress.Broadcaster, logger *slog.Logger) (*Manager, error) {
	registry := ffmpeg.NewRegistry()
	extractor, err := ffmpeg.NewExtractor(cfg.FFmpegBinary(), cfg.Detection.SampleRate, cfg.Workers.ExtractTimeoutSeconds, registry)
	if err != nil {
		return nil, fmt.Errorf("build extractor: %w", err)
	}
	gpuEncoder := ""
	if cfg.Trim.GPUEncoder {
		gpuEncoder = "h264_nvenc"
	}
	trimmer := ffmpeg.NewTrimmer(cfg.FFmpegBinary(), cfg.Workers.TrimTimeoutSeconds, cfg.Trim.EncodePreset, gpuEncoder, registry)
	fpcalc := fingerprint.NewClient(cfg.FpcalcBinary(), cfg.Workers.FingerprintTimeoutSecs)

	env := &stages.Env{
		Config:    cfg,
		Store:     store,
		Broker:    brk,
		Events:    events,
		Extractor: extractor,
		Trimmer:   trimmer,
		Fpcalc:    fpcalc,
		Logger:    logger,
	}
	return NewWithHandlers(cfg, store, brk, events, registry, env, stages.All(env), logger), nil
}

// NewWithHandlers accepts pre-built handlers; tests substitute fakes here.
func NewWithHandlers(
	cfg *config.Config,
	store *queue.Store,
	brk *broker.Broker,
	events *progress.Broadcaster,
	registry *ffmpeg.Registry,
	env *stages.Env,
	handlers map[broker.Stage]stages.Handler,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		broker:    brk,
		events:    events,
		registry:  registry,
		handlers:  handlers,
		env:       env,
		logger:    logging.NewComponentLogger(logger, "pipeline"),
		triggered: make(map[queue.CohortKey]time.Time),
	}
	m.cpu = NewPool("cpu", func(pickup, lifecycle context.Context, worker int) {
		m.runLane(pickup, lifecycle, "cpu", worker, cpuStageOrder)
	})
	m.gpu = NewPool("gpu", func(pickup, lifecycle context.Context, worker int) {
		m.runLane(pickup, lifecycle, "gpu", worker, gpuStageOrder)
	})
	return m
}

// Start launches the pools and the background loops. It returns once
// everything is running.
func (m *Manager) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	m.cpu.Start(ctx, clamp(m.cfg.Workers.CPULimit, 0, config.MaxCPUWorkers))
	m.gpu.Start(ctx, clamp(m.cfg.Workers.GPULimit, 0, config.MaxGPUWorkers))

	m.loopsWG.Add(2)
	go func() {
		defer m.loopsWG.Done()
		m.runReaper(ctx)
	}()
	go func() {
		defer m.loopsWG.Done()
		m.runCohortWatcher(ctx)
	}()

	m.logger.Info("pipeline started",
		logging.Int("cpu_workers", m.cpu.Size()),
		logging.Int("gpu_workers", m.gpu.Size()),
	)
}

// Stop drains the pipeline within the shutdown grace period, then kills
// whatever subprocesses remain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	grace := time.Duration(m.cfg.Workers.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = time.Minute
	}
	deadline := time.Now().Add(grace)
	drained := m.cpu.Wait(grace)
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	if !m.gpu.Wait(remaining) || !drained {
		m.logger.Warn("shutdown grace expired, killing active subprocesses")
		m.registry.TerminateAll()
	}
	done := make(chan struct{})
	go func() {
		m.loopsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	m.logger.Info("pipeline stopped")
}

// ResizeCPU changes the CPU lane worker count. Zero pauses pickups.
func (m *Manager) ResizeCPU(size int) {
	m.cpu.Resize(clamp(size, 0, config.MaxCPUWorkers))
	m.logger.Info("cpu pool resized", logging.Int("workers", m.cpu.Size()))
}

// ResizeGPU changes the GPU lane worker count. Zero pauses pickups.
func (m *Manager) ResizeGPU(size int) {
	m.gpu.Resize(clamp(size, 0, config.MaxGPUWorkers))
	m.logger.Info("gpu pool resized", logging.Int("workers", m.gpu.Size()))
}

// PauseCPU stops new CPU lane pickups, remembering the size for resume.
// In-flight jobs run to completion.
func (m *Manager) PauseCPU() {
	m.pauseMu.Lock()
	if size := m.cpu.Size(); size > 0 {
		m.cpuPrev = size
	}
	m.pauseMu.Unlock()
	m.ResizeCPU(0)
}

// ResumeCPU restores the CPU lane to its pre-pause size, falling back to
// the configured limit when the pool was never up.
func (m *Manager) ResumeCPU() {
	m.pauseMu.Lock()
	size := m.cpuPrev
	m.pauseMu.Unlock()
	if size <= 0 {
		size = m.cfg.Workers.CPULimit
	}
	m.ResizeCPU(size)
}

// PauseGPU stops new GPU lane pickups, remembering the size for resume.
func (m *Manager) PauseGPU() {
	m.pauseMu.Lock()
	if size := m.gpu.Size(); size > 0 {
		m.gpuPrev = size
	}
	m.pauseMu.Unlock()
	m.ResizeGPU(0)
}

// ResumeGPU restores the GPU lane to its pre-pause size.
func (m *Manager) ResumeGPU() {
	m.pauseMu.Lock()
	size := m.gpuPrev
	m.pauseMu.Unlock()
	if size <= 0 {
		size = m.cfg.Workers.GPULimit
	}
	m.ResizeGPU(size)
}

// CPUWorkers reports the current CPU lane size.
func (m *Manager) CPUWorkers() int { return m.cpu.Size() }

// GPUWorkers reports the current GPU lane size.
func (m *Manager) GPUWorkers() int { return m.gpu.Size() }

// Registry exposes the subprocess registry for the cleanup service.
func (m *Manager) Registry() *ffmpeg.Registry { return m.registry }

// Depths reports broker occupancy for the status surface.
func (m *Manager) Depths(ctx context.Context) (map[broker.Stage]broker.Depth, error) {
	return m.broker.Depths(ctx)
}

// HealthCheck runs every stage handler's collaborator check.
func (m *Manager) HealthCheck(ctx context.Context) error {
	for _, handler := range m.handlers {
		if err := handler.HealthCheck(ctx); err != nil {
			return err
		}
	}
	return m.broker.Ping(ctx)
}

// Submit creates (or finds) the job for an episode file and enqueues the
// first stage. Idempotent per file.
func (m *Manager) Submit(ctx context.Context, episodeFileID int64) (int64, error) {
	meta, err := m.store.FileMetaByID(ctx, episodeFileID)
	if err != nil {
		return 0, err
	}
	if meta == nil {
		return 0, services.Wrap(services.ErrNotFound, "pipeline", "submit", fmt.Sprintf("episode file %d", episodeFileID), nil)
	}
	job, created, err := m.store.CreateJob(ctx, episodeFileID)
	if err != nil {
		return 0, err
	}
	if created {
		if err := m.broker.Enqueue(ctx, broker.NewMessage(broker.StageScan, job.ID, episodeFileID)); err != nil {
			return 0, err
		}
		m.publishStatus(job.ID, episodeFileID, queue.StatusScanning)
	}
	return job.ID, nil
}

// Cancel kills a job's subprocesses, removes its scratch files, and marks
// it failed with reason cancelled. Stale queue messages are acked and
// skipped when a worker later reserves them.
func (m *Manager) Cancel(ctx context.Context, jobID int64) error {
	job, err := m.store.JobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return services.Wrap(services.ErrNotFound, "pipeline", "cancel", fmt.Sprintf("job %d", jobID), nil)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	m.registry.Terminate(job.EpisodeFileID)
	m.removeScratch(job)
	if err := m.store.MarkFailed(ctx, jobID, "cancelled", "cancelled by user"); err != nil {
		return err
	}
	m.publishStatus(jobID, job.EpisodeFileID, queue.StatusFailed)
	m.logger.Info("job cancelled", logging.Int64(logging.FieldJobID, jobID))
	return nil
}

// Requeue resets a job to scanning, drops its derived rows, and enqueues
// the first stage again.
func (m *Manager) Requeue(ctx context.Context, jobID int64) (*queue.Job, error) {
	current, err := m.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, services.Wrap(services.ErrNotFound, "pipeline", "requeue", fmt.Sprintf("job %d", jobID), nil)
	}
	m.registry.Terminate(current.EpisodeFileID)
	m.removeScratch(current)

	job, err := m.store.RequeueJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := m.broker.Enqueue(ctx, broker.NewMessage(broker.StageScan, job.ID, job.EpisodeFileID)); err != nil {
		return nil, err
	}
	m.publishStatus(job.ID, job.EpisodeFileID, queue.StatusScanning)
	return job, nil
}

// removeScratch unlinks the job-owned files under the temp directory.
func (m *Manager) removeScratch(job *queue.Job) {
	_ = os.Remove(m.env.AudioPath(job))
	_ = os.RemoveAll(m.env.ChunkDir(job))
}

func (m *Manager) publishStatus(jobID, episodeFileID int64, status queue.Status) {
	if m.events == nil {
		return
	}
	m.events.Publish(progress.Event{
		Type:          progress.EventStatus,
		JobID:         jobID,
		EpisodeFileID: episodeFileID,
		Status:        string(status),
	})
}

func (m *Manager) pollInterval() time.Duration {
	seconds := m.cfg.Workers.QueuePollSeconds
	if seconds <= 0 {
		seconds = 5
	}
	return time.Duration(seconds) * time.Second
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

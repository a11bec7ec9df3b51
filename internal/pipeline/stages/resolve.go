package stages

import (
	"context"
	"os"

	"cliparr/internal/broker"
	"cliparr/internal/queue"
	"cliparr/internal/services"
)

// Resolve validates that an episode file still exists on disk before any
// expensive work starts.
type Resolve struct {
	env *Env
}

// NewResolve constructs the resolve stage handler.
func NewResolve(env *Env) *Resolve {
	return &Resolve{env: env}
}

func (r *Resolve) Stage() broker.Stage      { return broker.StageScan }
func (r *Resolve) Processing() queue.Status { return queue.StatusScanning }
func (r *Resolve) Done() queue.Status       { return queue.StatusExtractingAudio }
func (r *Resolve) Next() broker.Stage       { return broker.StageExtract }

// Execute checks the source path. Bad input fails the job permanently.
func (r *Resolve) Execute(ctx context.Context, job *queue.Job, meta *queue.FileMeta) error {
	info, err := os.Stat(meta.Path)
	if err != nil {
		return services.Wrap(services.ErrValidation, "resolve", "stat source", "episode file missing", err)
	}
	if info.IsDir() {
		return services.Wrap(services.ErrValidation, "resolve", "stat source", "episode file path is a directory", nil)
	}
	if info.Size() == 0 {
		return services.Wrap(services.ErrValidation, "resolve", "stat source", "episode file is empty", nil)
	}
	return nil
}

// HealthCheck has no external collaborators.
func (r *Resolve) HealthCheck(context.Context) error { return nil }

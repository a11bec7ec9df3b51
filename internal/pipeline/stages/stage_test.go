package stages_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cliparr/internal/broker"
	"cliparr/internal/config"
	"cliparr/internal/fingerprint"
	"cliparr/internal/media/ffmpeg"
	"cliparr/internal/pipeline/stages"
	"cliparr/internal/progress"
	"cliparr/internal/queue"
)

// fakeExecutor records subprocess invocations and writes a small file at
// the destination argument so output checks pass.
type fakeExecutor struct {
	mu    sync.Mutex
	calls [][]string
	fail  error
	lines []string
}

func (f *fakeExecutor) Run(ctx context.Context, _ int64, _ string, args []string, onLine func(string)) error {
	f.mu.Lock()
	recorded := make([]string, len(args))
	copy(recorded, args)
	f.calls = append(f.calls, recorded)
	fail := f.fail
	lines := f.lines
	f.mu.Unlock()

	if onLine != nil {
		for _, line := range lines {
			onLine(line)
		}
	}
	if fail != nil {
		return fail
	}
	dest := args[len(args)-1]
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte("RIFFdata"), 0o644)
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExecutor) call(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type envFixture struct {
	cfg    *config.Config
	store  *queue.Store
	broker *broker.Broker
	exec   *fakeExecutor
	env    *stages.Env
}

// fpcalcOK is a runner producing a small constant fingerprint.
func fpcalcOK(context.Context, string, []string) ([]byte, error) {
	return []byte("DURATION=10.0\nFINGERPRINT=100,200,300\n"), nil
}

func newFixture(t *testing.T, cfg *config.Config, store *queue.Store, runner fingerprint.Runner) *envFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	brk := broker.NewWithClient(client, "test", time.Hour, nil)

	exec := &fakeExecutor{}
	extractor, err := ffmpeg.NewExtractor("ffmpeg", cfg.Detection.SampleRate, 60, nil, ffmpeg.WithExecutor(exec))
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	trimmer := ffmpeg.NewTrimmer("ffmpeg", 60, "veryfast", "", nil, ffmpeg.WithTrimExecutor(exec))
	if runner == nil {
		runner = fpcalcOK
	}
	fpcalc := fingerprint.NewClient("fpcalc", 60, fingerprint.WithRunner(runner))

	events := progress.NewBroadcaster(16)
	t.Cleanup(events.Close)

	env := &stages.Env{
		Config:    cfg,
		Store:     store,
		Broker:    brk,
		Events:    events,
		Extractor: extractor,
		Trimmer:   trimmer,
		Fpcalc:    fpcalc,
	}
	return &envFixture{cfg: cfg, store: store, broker: brk, exec: exec, env: env}
}

func advanceJob(t *testing.T, store *queue.Store, jobID int64, to queue.Status) {
	t.Helper()
	if err := store.Transition(context.Background(), jobID, to); err != nil {
		t.Fatalf("Transition to %s: %v", to, err)
	}
}

func loadJob(t *testing.T, store *queue.Store, jobID int64) *queue.Job {
	t.Helper()
	job, err := store.JobByID(context.Background(), jobID)
	if err != nil {
		t.Fatalf("JobByID: %v", err)
	}
	if job == nil {
		t.Fatalf("job %d disappeared", jobID)
	}
	return job
}

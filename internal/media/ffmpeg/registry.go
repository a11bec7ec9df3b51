package ffmpeg

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const killGrace = 5 * time.Second

// Registry tracks the FFmpeg process group running for each episode file.
type Registry struct {
	mu    sync.Mutex
	procs map[int64]int
}

// NewRegistry creates an empty process registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[int64]int)}
}

func (r *Registry) register(episodeFileID int64, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[episodeFileID] = pid
}

func (r *Registry) unregister(episodeFileID int64, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.procs[episodeFileID] == pid {
		delete(r.procs, episodeFileID)
	}
}

// Active returns the episode file ids with a live FFmpeg process.
func (r *Registry) Active() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	return ids
}

// Terminate signals the process group for an episode file with SIGTERM and
// escalates to SIGKILL if the process is still registered after the grace
// period. It reports whether a process was found.
func (r *Registry) Terminate(episodeFileID int64) bool {
	r.mu.Lock()
	pid, ok := r.procs[episodeFileID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	_ = unix.Kill(-pid, unix.SIGTERM)
	time.AfterFunc(killGrace, func() {
		r.mu.Lock()
		still := r.procs[episodeFileID] == pid
		r.mu.Unlock()
		if still {
			_ = unix.Kill(-pid, unix.SIGKILL)
		}
	})
	return true
}

// TerminateAll signals every tracked process group.
func (r *Registry) TerminateAll() {
	for _, id := range r.Active() {
		r.Terminate(id)
	}
}

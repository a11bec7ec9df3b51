package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
)

// Executor abstracts command execution for testability. Lines from stderr
// are forwarded to onLine as they arrive; FFmpeg reports progress there.
type Executor interface {
	Run(ctx context.Context, episodeFileID int64, binary string, args []string, onLine func(string)) error
}

type commandExecutor struct {
	registry *Registry
}

func (e commandExecutor) Run(ctx context.Context, episodeFileID int64, binary string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", binary, err)
	}

	pid := cmd.Process.Pid
	if e.registry != nil {
		e.registry.register(episodeFileID, pid)
		defer e.registry.unregister(episodeFileID, pid)
	}

	var tail []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		scanner.Split(scanCRLines)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			tail = append(tail, line)
			if len(tail) > 10 {
				tail = tail[1:]
			}
			if onLine != nil {
				onLine(line)
			}
		}
	}()

	wg.Wait()
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", binary, err, lastLines(tail))
	}
	return nil
}

// scanCRLines splits on both \n and \r so FFmpeg's in-place progress
// updates arrive as individual lines.
func scanCRLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastLines(tail []string) string {
	if len(tail) == 0 {
		return "no output"
	}
	joined := tail[0]
	for _, line := range tail[1:] {
		joined += "; " + line
	}
	return joined
}

package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrEmptyFingerprint signals that fpcalc produced no usable output for a
// window. The caller treats it as retryable.
var ErrEmptyFingerprint = errors.New("fpcalc produced no fingerprint")

// Runner abstracts fpcalc execution for testability.
type Runner func(ctx context.Context, binary string, args []string) ([]byte, error)

// Client wraps the fpcalc CLI.
type Client struct {
	binary  string
	timeout time.Duration
	run     Runner
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithRunner injects a custom runner (primarily for tests).
func WithRunner(run Runner) ClientOption {
	return func(c *Client) {
		if run != nil {
			c.run = run
		}
	}
}

// NewClient constructs an fpcalc client.
func NewClient(binary string, timeoutSeconds int, opts ...ClientOption) *Client {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "fpcalc"
	}
	client := &Client{
		binary:  binary,
		timeout: time.Duration(timeoutSeconds) * time.Second,
		run:     runCommand,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Fingerprint hashes one audio file and returns the raw fingerprint values
// and the duration fpcalc reports.
func (c *Client) Fingerprint(ctx context.Context, wavPath string) ([]uint32, float64, error) {
	if strings.TrimSpace(wavPath) == "" {
		return nil, 0, errors.New("fpcalc: empty path")
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	output, err := c.run(runCtx, c.binary, []string{"-raw", wavPath})
	if err != nil {
		return nil, 0, fmt.Errorf("fpcalc: %w", err)
	}

	values, duration, err := parseOutput(output)
	if err != nil {
		return nil, 0, err
	}
	return values, duration, nil
}

// parseOutput decodes fpcalc's plain key=value format:
//
//	DURATION=123.45
//	FINGERPRINT=12345678,23456789,...
func parseOutput(output []byte) ([]uint32, float64, error) {
	var duration float64
	var values []uint32

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "DURATION="):
			parsed, err := strconv.ParseFloat(strings.TrimPrefix(line, "DURATION="), 64)
			if err == nil && parsed >= 0 {
				duration = parsed
			}
		case strings.HasPrefix(line, "FINGERPRINT="):
			parts := strings.Split(strings.TrimPrefix(line, "FINGERPRINT="), ",")
			values = make([]uint32, 0, len(parts))
			for _, part := range parts {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				// fpcalc prints signed integers.
				parsed, err := strconv.ParseInt(part, 10, 64)
				if err != nil {
					continue
				}
				values = append(values, uint32(parsed))
			}
		}
	}

	if len(values) == 0 {
		return nil, 0, ErrEmptyFingerprint
	}
	return values, duration, nil
}

func runCommand(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, detail)
	}
	return stdout.Bytes(), nil
}

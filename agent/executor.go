package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

const truncatedMarker = "\n... [output truncated]"

// execution is the captured outcome of one command.
type execution struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	StartedAt time.Time
	Duration  time.Duration
}

// executor runs whitelisted command strings through a shell.
type executor struct {
	shell          string
	defaultTimeout time.Duration
	maxOutput      int
}

func newExecutor(shell string, defaultTimeout time.Duration, maxOutput int) *executor {
	if shell == "" {
		shell = "/bin/sh"
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	if maxOutput <= 0 {
		maxOutput = 65536
	}
	return &executor{shell: shell, defaultTimeout: defaultTimeout, maxOutput: maxOutput}
}

// run never returns an error: launch failures and timeouts are reported as
// exit code -1 with the reason on stderr.
func (e *executor) run(ctx context.Context, command string, timeout time.Duration) execution {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &cappedBuffer{limit: e.maxOutput}
	stderr := &cappedBuffer{limit: e.maxOutput}
	cmd := exec.CommandContext(runCtx, e.shell, "-c", command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Children that inherit the pipes must not hold Wait open past the deadline.
	cmd.WaitDelay = 2 * time.Second

	res := execution{StartedAt: time.Now().UTC()}
	err := cmd.Run()
	res.Duration = time.Since(res.StartedAt)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.truncated || stderr.truncated

	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Stderr = fmt.Sprintf("Command timed out after %ds", int(timeout.Seconds()))
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Stderr = err.Error()
	}
	return res
}

// cappedBuffer keeps the first limit bytes written to it and discards the
// rest so a chatty command cannot exhaust memory.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + truncatedMarker
	}
	return string(b.buf)
}

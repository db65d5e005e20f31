package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Command describes one script invocation.
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     map[string]string
}

// SpawnError reports that the OS process could not be launched.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks against any SpawnError.
func (e *SpawnError) Is(target error) bool {
	_, ok := target.(*SpawnError)
	return ok
}

// Handle owns exactly one OS process. A handle spawns at most once; after the
// process exits the handle keeps the exit code but no live resources.
type Handle struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	pid       int
	startedAt time.Time
	spawned   bool
	exitCode  int
	done      chan struct{}
	now       func() time.Time
}

// New builds an unspawned handle.
func New() *Handle {
	return &Handle{
		done: make(chan struct{}),
		now:  time.Now,
	}
}

// Spawn launches the command with the parent environment plus command.Env
// overlaid. It fails with *SpawnError when the executable is missing or
// cannot start.
func (h *Handle) Spawn(ctx context.Context, command Command) error {
	if h == nil {
		return errors.New("handle is nil")
	}
	program := strings.TrimSpace(command.Program)
	if program == "" {
		return &SpawnError{Program: program, Err: errors.New("program is required")}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.spawned {
		return errors.New("handle already spawned a process")
	}

	cmd := exec.CommandContext(ctx, program, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = mergedEnv(command.Env)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	// Plain os.Pipe ends instead of cmd.StdoutPipe: Wait must be free to run
	// while the pump is still draining, and StdoutPipe readers are closed by
	// Wait itself. The readers see EOF once the child's write ends close.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return &SpawnError{Program: program, Err: fmt.Errorf("open stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return &SpawnError{Program: program, Err: fmt.Errorf("open stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return &SpawnError{Program: program, Err: err}
	}

	// The parent's copies of the write ends must close so EOF propagates.
	stdoutW.Close()
	stderrW.Close()

	h.cmd = cmd
	h.stdout = stdoutR
	h.stderr = stderrR
	h.pid = cmd.Process.Pid
	h.startedAt = h.now().UTC()
	h.spawned = true

	go h.reap()
	return nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	switch {
	case err == nil:
		h.exitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.exitCode = exitErr.ExitCode()
		} else {
			h.exitCode = -1
		}
	}
	h.mu.Unlock()
	close(h.done)
}

// Stdout returns the process's standard output stream.
func (h *Handle) Stdout() io.Reader {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stdout
}

// Stderr returns the process's standard error stream.
func (h *Handle) Stderr() io.Reader {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stderr
}

// Done is closed once the process has exited and its exit code is recorded.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks the caller until the process exits and returns its exit code.
// It never blocks anything but the calling goroutine.
func (h *Handle) Wait() int {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Terminate sends SIGTERM. Calling it after exit, or more than once, is a
// no-op.
func (h *Handle) Terminate() error {
	return h.signal(syscall.SIGTERM)
}

// Kill forcibly ends the process. It is the escalation path after the stop
// grace period elapses.
func (h *Handle) Kill() error {
	return h.signal(syscall.SIGKILL)
}

func (h *Handle) signal(sig os.Signal) error {
	if h == nil {
		return errors.New("handle is nil")
	}
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return errors.New("no process was spawned")
	}

	select {
	case <-h.done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("signal %v pid %d: %w", sig, h.pid, err)
	}
	return nil
}

// Close releases the read ends of the output pipes. Call it only after both
// streams have been fully drained.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for _, rc := range []io.ReadCloser{h.stdout, h.stderr} {
		if rc == nil {
			continue
		}
		if err := rc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.stdout = nil
	h.stderr = nil
	return firstErr
}

// PID returns the OS process id, or zero before spawn.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// StartedAt returns the spawn timestamp.
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

func mergedEnv(overlay map[string]string) []string {
	env := os.Environ()
	if len(overlay) == 0 {
		return env
	}

	keys := make([]string, 0, len(overlay))
	for key := range overlay {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+overlay[key])
	}
	return env
}

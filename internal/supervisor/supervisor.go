// Package supervisor owns the lifecycle of at most one supervised script run:
// it serializes start/stop/status requests, spawns the process, wires its
// output through the log pump into the broadcaster, and classifies the exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scriptdeck/sdeck/internal/broadcast"
	"github.com/scriptdeck/sdeck/internal/logstream"
	"github.com/scriptdeck/sdeck/internal/process"
)

// defaultDrainTimeout bounds the wait for output streams to hit EOF after the
// process exits. Orphaned descendants can hold the pipes open; past this the
// pipes are closed out from under the pump.
const defaultDrainTimeout = 5 * time.Second

var (
	// ErrAlreadyRunning rejects a start while a run is active or winding down.
	ErrAlreadyRunning = errors.New("a run is already active")
	// ErrNotRunning rejects a stop when no run is active.
	ErrNotRunning = errors.New("no run is active")
)

// Snapshot is a non-blocking view of the supervisor's current status.
type Snapshot struct {
	State   State
	RunID   string
	Elapsed time.Duration
	PID     int
	// ExitCode is set only in Completed/Failed/Stopped.
	ExitCode *int
}

// Option configures Supervisor construction.
type Option func(*Supervisor)

// WithLogger configures the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer configures the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Supervisor) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClassifier configures the log line classifier shared by all runs.
func WithClassifier(classifier *logstream.Classifier) Option {
	return func(s *Supervisor) {
		if classifier != nil {
			s.classifier = classifier
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDrainTimeout bounds post-exit stream draining.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(s *Supervisor) {
		if timeout > 0 {
			s.drainTimeout = timeout
		}
	}
}

// Supervisor is the single point of truth for the run lifecycle. All state
// transitions happen under one mutex; blocking work (process wait, stream
// reads) runs on dedicated goroutines that never hold it.
type Supervisor struct {
	bus          *broadcast.Broadcaster
	classifier   *logstream.Classifier
	logger       *log.Logger
	tracer       trace.Tracer
	now          func() time.Time
	drainTimeout time.Duration

	mu            sync.Mutex
	state         State
	runID         string
	cfg           RunConfig
	handle        *process.Handle
	startedAt     time.Time
	finishedAt    time.Time
	exitCode      *int
	stopRequested bool
	runDone       chan struct{}
	history       []TransitionRecord
}

// New builds an idle supervisor publishing into the given broadcaster.
func New(bus *broadcast.Broadcaster, options ...Option) (*Supervisor, error) {
	if bus == nil {
		return nil, errors.New("broadcaster is required")
	}

	classifier, err := logstream.NewClassifier()
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		bus:          bus,
		classifier:   classifier,
		logger:       log.Default(),
		tracer:       otel.Tracer("sdeck/supervisor"),
		now:          time.Now,
		drainTimeout: defaultDrainTimeout,
		state:        StateIdle,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}
	return s, nil
}

// Start validates the config, spawns the script, and transitions
// Idle/terminal -> Starting -> Running atomically with respect to other
// start/stop calls. It returns the fresh run id.
func (s *Supervisor) Start(ctx context.Context, cfg RunConfig) (string, error) {
	if s == nil {
		return "", errors.New("supervisor is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.normalized()
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.startable() {
		return "", ErrAlreadyRunning
	}

	runID := uuid.NewString()
	s.bus.Reset()
	if err := s.transitionLocked(ctx, runID, StateStarting, "start requested"); err != nil {
		return "", err
	}

	handle := process.New()
	// The run outlives the caller's request context.
	if err := handle.Spawn(context.Background(), process.Command{
		Program: cfg.Program,
		Args:    cfg.Args,
		Dir:     cfg.Dir,
		Env:     cfg.Env,
	}); err != nil {
		if backErr := s.transitionLocked(ctx, runID, StateIdle, "spawn failed"); backErr != nil {
			s.logger.With("error", backErr).Error("failed to roll back starting state")
		}
		s.runID = ""
		return "", err
	}

	pump := logstream.NewPump(
		s.classifier,
		s.bus,
		logstream.WithLogger(s.logger),
		logstream.WithClock(s.now),
	)

	s.runID = runID
	s.cfg = cfg
	s.handle = handle
	s.startedAt = handle.StartedAt()
	s.finishedAt = time.Time{}
	s.exitCode = nil
	s.stopRequested = false
	s.runDone = make(chan struct{})

	if err := s.transitionLocked(ctx, runID, StateRunning, "process spawned"); err != nil {
		return "", err
	}
	s.logger.With("run_id", runID, "pid", handle.PID(), "program", cfg.Program).
		Info("run started")

	pump.Run(handle.Stdout(), handle.Stderr())
	go s.watch(handle, pump, runID, s.runDone)

	return runID, nil
}

// Stop requests graceful termination and escalates to a forced kill after the
// run's grace period. It blocks until the run reaches a terminal state, which
// the kill escalation makes a bounded wait. Stopping an already-stopping run,
// or one that just exited naturally, is an idempotent ack.
func (s *Supervisor) Stop(ctx context.Context, reason string) error {
	if s == nil {
		return errors.New("supervisor is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state == StateIdle || s.state.Terminal() {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.state == StateStopping {
		done := s.runDone
		s.mu.Unlock()
		<-done
		return nil
	}

	s.stopRequested = true
	runID := s.runID
	handle := s.handle
	grace := s.cfg.StopGrace
	done := s.runDone
	if err := s.transitionLocked(ctx, runID, StateStopping, stopReason(reason)); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := handle.Terminate(); err != nil {
		s.logger.With("run_id", runID, "error", err).Warn("graceful termination signal failed")
	}

	select {
	case <-handle.Done():
	case <-time.After(grace):
		s.logger.With("run_id", runID, "grace", grace).Warn("grace period elapsed, force-killing")
		if err := handle.Kill(); err != nil {
			s.logger.With("run_id", runID, "error", err).Error("force kill failed")
		}
	}

	<-done
	return nil
}

// Status returns a snapshot of the current lifecycle state. It never blocks
// on process or stream activity.
func (s *Supervisor) Status() Snapshot {
	if s == nil {
		return Snapshot{State: StateIdle}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{State: s.state, RunID: s.runID}
	switch {
	case s.state == StateRunning || s.state == StateStopping:
		snap.Elapsed = s.now().Sub(s.startedAt)
		if s.handle != nil {
			snap.PID = s.handle.PID()
		}
	case s.state.Terminal():
		snap.Elapsed = s.finishedAt.Sub(s.startedAt)
		snap.ExitCode = s.exitCode
	}
	return snap
}

// History returns the transition records captured so far.
func (s *Supervisor) History() []TransitionRecord {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransitionRecord, len(s.history))
	copy(out, s.history)
	return out
}

// Shutdown stops any active run; it is called on daemon teardown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.Stop(ctx, "daemon shutdown")
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// watch runs once per spawned process: it waits for exit, drains the pump,
// and performs the terminal transition.
func (s *Supervisor) watch(handle *process.Handle, pump *logstream.Pump, runID string, done chan struct{}) {
	defer close(done)

	code := handle.Wait()

	drained := make(chan struct{})
	go func() {
		pump.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.drainTimeout):
		s.logger.With("run_id", runID).Warn("output streams did not close after exit, abandoning drain")
		if err := handle.Close(); err != nil {
			s.logger.With("run_id", runID, "error", err).Warn("closing output pipes failed")
		}
		<-drained
	}
	if err := handle.Close(); err != nil {
		s.logger.With("run_id", runID, "error", err).Warn("closing output pipes failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID != runID {
		return
	}

	s.exitCode = &code
	s.finishedAt = s.now().UTC()

	target := StateCompleted
	reason := fmt.Sprintf("process exited with code %d", code)
	switch {
	case s.stopRequested:
		target = StateStopped
		reason = "stopped on request"
	case code != 0:
		target = StateFailed
	}
	if err := s.transitionLocked(context.Background(), runID, target, reason); err != nil {
		s.logger.With("run_id", runID, "error", err).Error("terminal transition failed")
	}
	s.handle = nil

	s.logger.With("run_id", runID, "state", target, "exit_code", code, "records", pump.Produced()).
		Info("run finished")
}

// transitionLocked validates and applies one lifecycle edge. Callers hold
// s.mu.
func (s *Supervisor) transitionLocked(ctx context.Context, runID string, to State, reason string) error {
	from := s.state

	_, span := s.tracer.Start(ctx, "run.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
		attribute.String("reason", reason),
	)

	if !transitionAllowed(from, to) {
		err := &IllegalTransitionError{
			RunID:     runID,
			FromState: from,
			ToState:   to,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	timestamp := s.now().UTC()
	s.state = to
	s.history = append(s.history, TransitionRecord{
		RunID:     runID,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		Timestamp: timestamp,
	})

	change := broadcast.StateChange{
		State: string(to),
		RunID: runID,
		Time:  timestamp,
	}
	if to.Terminal() {
		change.ExitCode = s.exitCode
	}
	s.bus.PublishState(change)

	s.logger.With("run_id", runID, "from", from, "to", to, "reason", reason).
		Debug("state transition")
	span.SetStatus(codes.Ok, "state transition applied")
	return nil
}

func stopReason(reason string) string {
	if reason == "" {
		return "stop requested"
	}
	return "stop requested: " + reason
}

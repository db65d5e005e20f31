// Package server is the HTTP boundary of the daemon: it translates REST
// calls into supervisor operations, fronts the flat-JSON store, and streams
// log records and lifecycle changes to observers over SSE.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scriptdeck/sdeck/internal/broadcast"
	"github.com/scriptdeck/sdeck/internal/config"
	"github.com/scriptdeck/sdeck/internal/store"
	"github.com/scriptdeck/sdeck/internal/supervisor"
)

const (
	// readHeaderTimeout prevents Slowloris attacks.
	readHeaderTimeout = 10 * time.Second

	// shutdownTimeout bounds graceful HTTP shutdown on daemon exit.
	shutdownTimeout = 5 * time.Second

	// maxBodyBytes bounds accounts/config payload size.
	maxBodyBytes = 4 << 20
)

// Option configures Server construction.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server wires the boundary routes to the supervisor, broadcaster, and store.
type Server struct {
	cfg    *config.Config
	sup    *supervisor.Supervisor
	bus    *broadcast.Broadcaster
	files  *store.Store
	logger *log.Logger
}

// New builds the boundary server.
func New(
	cfg *config.Config,
	sup *supervisor.Supervisor,
	bus *broadcast.Broadcaster,
	files *store.Store,
	options ...Option,
) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if sup == nil {
		return nil, errors.New("supervisor is required")
	}
	if bus == nil {
		return nil, errors.New("broadcaster is required")
	}
	if files == nil {
		return nil, errors.New("store is required")
	}

	s := &Server{
		cfg:    cfg,
		sup:    sup,
		bus:    bus,
		files:  files,
		logger: log.Default(),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}
	return s, nil
}

// Handler returns the configured route set.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/run", s.handleRun)
	mux.HandleFunc("POST /api/test", s.handleTest)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/accounts", s.handleGetAccounts)
	mux.HandleFunc("POST /api/accounts", s.handleSaveAccounts)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handleSaveConfig)

	return s.withMiddleware(mux)
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.With("addr", s.cfg.ListenAddr).Info("boundary server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		started := time.Now()
		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.With("panic", recovered, "path", r.URL.Path).Error("handler panic recovered")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)

		s.logger.With(
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(started),
		).Debug("request completed")
	})
}

type startResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	scriptPath := s.cfg.ScriptPath()
	if _, err := os.Stat(scriptPath); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("script file %q does not exist", scriptPath))
		return
	}

	count, err := s.files.AccountCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if count == 0 {
		writeError(w, http.StatusBadRequest, "no accounts configured; add at least one before starting")
		return
	}

	env, err := s.files.Env()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.start(w, r, scriptPath, env)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	scriptPath := s.cfg.TestScriptPath()
	if _, err := os.Stat(scriptPath); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("test script %q does not exist", scriptPath))
		return
	}
	s.start(w, r, scriptPath, nil)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, scriptPath string, env map[string]string) {
	runEnv := map[string]string{
		// The script's interpreter must not buffer or transcode output.
		"PYTHONIOENCODING": "utf-8",
		"PYTHONUNBUFFERED": "1",
	}
	for key, value := range env {
		runEnv[key] = value
	}

	runID, err := s.sup.Start(r.Context(), supervisor.RunConfig{
		Program:   s.cfg.Interpreter,
		Args:      []string{"-u", scriptPath},
		Dir:       s.cfg.Workdir,
		Env:       runEnv,
		StopGrace: s.cfg.StopGrace,
	})
	if err != nil {
		writeSupervisorError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{RunID: runID, Status: "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(r.Context(), "api request"); err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type statusResponse struct {
	State          string  `json:"state"`
	Running        bool    `json:"running"`
	RunID          string  `json:"runId,omitempty"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	PID            int     `json:"pid,omitempty"`
	ExitCode       *int    `json:"exitCode,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.sup.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		State:          string(snap.State),
		Running:        snap.State == supervisor.StateRunning || snap.State == supervisor.StateStopping,
		RunID:          snap.RunID,
		ElapsedSeconds: snap.Elapsed.Seconds(),
		PID:            snap.PID,
		ExitCode:       snap.ExitCode,
	})
}

// handleEvents streams log records and state changes over SSE: the replay
// buffer first, then a current-status snapshot, then live envelopes, in
// publish order. The snapshot trails the replay so an observer never sees a
// terminal state before the replayed transitions that led to it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	snap := s.sup.Status()
	session := s.bus.SubscribeWith(broadcast.Envelope{
		Kind: broadcast.KindState,
		State: &broadcast.StateChange{
			State:    string(snap.State),
			RunID:    snap.RunID,
			ExitCode: snap.ExitCode,
			Time:     time.Now().UTC(),
		},
	})
	defer s.bus.Unsubscribe(session)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-session.Closed():
			return
		case envelope, open := <-session.Events():
			if !open {
				return
			}
			var payload any
			switch envelope.Kind {
			case broadcast.KindLog:
				payload = envelope.Record
			case broadcast.KindState:
				payload = envelope.State
			default:
				continue
			}
			if err := writeSSE(w, string(envelope.Kind), payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleGetAccounts(w http.ResponseWriter, _ *http.Request) {
	data, err := s.files.Accounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRawJSON(w, http.StatusOK, data)
}

func (s *Server) handleSaveAccounts(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.files.SaveAccounts(data); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := s.files.ScriptConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRawJSON(w, http.StatusOK, data)
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.files.SaveScriptConfig(data); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return data, nil
}

func writeSupervisorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, supervisor.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, &supervisor.InvalidConfigError{}):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, &store.ValidationError{}) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeSSE(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRawJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

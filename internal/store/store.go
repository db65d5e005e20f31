// Package store fronts the flat-JSON files the supervised script consumes:
// an account list and a key-value script configuration. The supervisor reads
// a fresh snapshot at start time; the daemon never mutates a running script's
// view of either file.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"
)

// ValidationError is the caller error for malformed store payloads.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Is enables errors.Is checks against any ValidationError.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// Option configures Store construction.
type Option func(*Store)

// WithLogger configures the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is a cached view over the two JSON files. The cache is invalidated by
// the file watcher, so out-of-band edits are picked up without a restart.
type Store struct {
	accountsPath string
	configPath   string
	logger       *log.Logger

	mu            sync.Mutex
	accountsCache []byte
	configCache   []byte
	watcher       *fsnotify.Watcher
}

// New builds a store over the given file paths.
func New(accountsPath, configPath string, options ...Option) (*Store, error) {
	if accountsPath == "" || configPath == "" {
		return nil, errors.New("accounts and config paths are required")
	}
	s := &Store{
		accountsPath: accountsPath,
		configPath:   configPath,
		logger:       log.Default(),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}
	return s, nil
}

// Accounts returns the raw account array, or "[]" when the file is missing.
func (s *Store) Accounts() ([]byte, error) {
	return s.cached(&s.accountsCache, s.accountsPath, []byte("[]"))
}

// AccountCount reports how many accounts are configured.
func (s *Store) AccountCount() (int, error) {
	data, err := s.Accounts()
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(data, "#").Int()), nil
}

// SaveAccounts validates and persists the account array. Each entry must be
// an object carrying non-empty "salt" and "cookie" fields.
func (s *Store) SaveAccounts(data []byte) error {
	if !gjson.ValidBytes(data) {
		return &ValidationError{Reason: "accounts payload is not valid JSON"}
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return &ValidationError{Reason: "accounts payload must be an array"}
	}

	var invalid error
	index := 0
	parsed.ForEach(func(_, account gjson.Result) bool {
		index++
		if !account.IsObject() {
			invalid = &ValidationError{
				Reason: fmt.Sprintf("account %d must be an object", index),
			}
			return false
		}
		for _, field := range []string{"salt", "cookie"} {
			if account.Get(field).String() == "" {
				invalid = &ValidationError{
					Reason: fmt.Sprintf("account %d is missing required field %q", index, field),
				}
				return false
			}
		}
		return true
	})
	if invalid != nil {
		return invalid
	}

	return s.write(&s.accountsCache, s.accountsPath, data)
}

// ScriptConfig returns the raw config object, or "{}" when the file is
// missing.
func (s *Store) ScriptConfig() ([]byte, error) {
	return s.cached(&s.configCache, s.configPath, []byte("{}"))
}

// SaveScriptConfig validates and persists the config object.
func (s *Store) SaveScriptConfig(data []byte) error {
	if !gjson.ValidBytes(data) {
		return &ValidationError{Reason: "config payload is not valid JSON"}
	}
	if !gjson.ParseBytes(data).IsObject() {
		return &ValidationError{Reason: "config payload must be an object"}
	}
	return s.write(&s.configCache, s.configPath, data)
}

// Env flattens the script config into environment variable pairs the way the
// script expects them: booleans become "true"/"false", numbers keep their
// literal form, strings pass through, null entries are skipped, and composite
// values are passed as raw JSON.
func (s *Store) Env() (map[string]string, error) {
	data, err := s.ScriptConfig()
	if err != nil {
		return nil, err
	}

	env := make(map[string]string)
	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if name == "" {
			return true
		}
		switch value.Type {
		case gjson.Null:
		case gjson.True:
			env[name] = "true"
		case gjson.False:
			env[name] = "false"
		case gjson.Number:
			env[name] = numberLiteral(value)
		case gjson.String:
			env[name] = value.String()
		default:
			env[name] = value.Raw
		}
		return true
	})
	return env, nil
}

// Watch invalidates the cache whenever either backing file changes on disk.
// It returns once the watcher is installed; watching stops when ctx ends.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create store watcher: %w", err)
	}

	watched := map[string]struct{}{
		filepath.Clean(s.accountsPath): {},
		filepath.Clean(s.configPath):   {},
	}
	dirs := map[string]struct{}{
		filepath.Dir(s.accountsPath): {},
		filepath.Dir(s.configPath):   {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch store directory %q: %w", dir, err)
		}
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.run(ctx, watcher, watched)
	return nil
}

// Close stops the file watcher.
func (s *Store) Close() error {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if watcher == nil {
		return nil
	}
	return watcher.Close()
}

func (s *Store) run(ctx context.Context, watcher *fsnotify.Watcher, watched map[string]struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if _, tracked := watched[filepath.Clean(event.Name)]; !tracked {
				continue
			}
			s.invalidate(filepath.Clean(event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.With("error", err).Warn("store watcher error")
		}
	}
}

func (s *Store) invalidate(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch path {
	case filepath.Clean(s.accountsPath):
		s.accountsCache = nil
	case filepath.Clean(s.configPath):
		s.configCache = nil
	}
	s.logger.With("path", path).Debug("store cache invalidated")
}

func (s *Store) cached(cache *[]byte, path string, missing []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if *cache != nil {
		out := make([]byte, len(*cache))
		copy(out, *cache)
		return out, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- paths come from local config.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return missing, nil
		}
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("read %q: file is not valid JSON", path)
	}

	*cache = data
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Store) write(cache *[]byte, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %q: %w", path, err)
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	*cache = stored
	return nil
}

// numberLiteral keeps the literal digits from the payload rather than a
// float64 round-trip, so "3" stays "3" and not "3.000000".
func numberLiteral(value gjson.Result) string {
	if value.Raw != "" {
		return value.Raw
	}
	return strconv.FormatFloat(value.Num, 'f', -1, 64)
}

package supervisor

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultStopGrace is how long a stopped script gets to exit after
	// SIGTERM before it is force-killed.
	DefaultStopGrace = 5 * time.Second

	maxStopGrace = 10 * time.Minute
)

// RunConfig is the validated parameter set for one invocation. It is a
// read-only snapshot taken at start time; mutating the external store after a
// run begins has no effect on that run.
type RunConfig struct {
	Program   string
	Args      []string
	Dir       string
	Env       map[string]string
	StopGrace time.Duration
}

// InvalidConfigError is the caller error for a rejected run configuration.
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid run config: %s: %s", e.Field, e.Reason)
}

// Is enables errors.Is checks against any InvalidConfigError.
func (e *InvalidConfigError) Is(target error) bool {
	_, ok := target.(*InvalidConfigError)
	return ok
}

// Validate checks required fields and numeric ranges. It never mutates the
// receiver.
func (c RunConfig) Validate() error {
	if strings.TrimSpace(c.Program) == "" {
		return &InvalidConfigError{Field: "program", Reason: "must not be empty"}
	}
	if c.StopGrace < 0 {
		return &InvalidConfigError{Field: "stop_grace", Reason: "must not be negative"}
	}
	if c.StopGrace > maxStopGrace {
		return &InvalidConfigError{
			Field:  "stop_grace",
			Reason: fmt.Sprintf("must not exceed %s", maxStopGrace),
		}
	}
	for key := range c.Env {
		if strings.TrimSpace(key) == "" {
			return &InvalidConfigError{Field: "env", Reason: "keys must not be empty"}
		}
		if strings.ContainsRune(key, '=') {
			return &InvalidConfigError{
				Field:  "env",
				Reason: fmt.Sprintf("key %q must not contain '='", key),
			}
		}
	}
	return nil
}

// normalized returns a copy with defaults applied.
func (c RunConfig) normalized() RunConfig {
	c.Program = strings.TrimSpace(c.Program)
	if c.StopGrace == 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

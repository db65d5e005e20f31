package logstream

import "time"

// Level classifies one line of script output.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Stream identifies which descriptor a record was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Record is one classified line of script output. Records are immutable once
// produced; Seq is the canonical ordering and restarts at 1 for every run.
type Record struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
}

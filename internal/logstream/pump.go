package logstream

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// maxLineBytes bounds a single record's text; an oversized line is emitted as
// multiple records and the stream keeps flowing.
const maxLineBytes = 1 << 20

// Publisher receives each record as soon as it is produced. Publish must not
// block on slow consumers; backpressure is the broadcaster's concern.
type Publisher interface {
	PublishRecord(Record)
}

// Option configures Pump construction.
type Option func(*Pump)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pump) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger configures the logger used for stream read failures.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pump) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pump drains both output streams of one run, turning raw bytes into
// classified, sequenced records. One Pump serves exactly one run; the
// sequence counter starts at 1 and is shared by both streams.
type Pump struct {
	classifier *Classifier
	sink       Publisher
	logger     *log.Logger
	now        func() time.Time
	seq        atomic.Uint64
	wg         sync.WaitGroup
	started    atomic.Bool
}

// NewPump builds a pump for one run.
func NewPump(classifier *Classifier, sink Publisher, options ...Option) *Pump {
	pump := &Pump{
		classifier: classifier,
		sink:       sink,
		logger:     log.Default(),
		now:        time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(pump)
	}
	return pump
}

// Run consumes both streams until they report end-of-stream. It may be called
// at most once; Wait blocks until both streams are fully drained.
func (p *Pump) Run(stdout, stderr io.Reader) {
	if p == nil || !p.started.CompareAndSwap(false, true) {
		return
	}
	if stdout != nil {
		p.wg.Add(1)
		go p.consume(StreamStdout, stdout)
	}
	if stderr != nil {
		p.wg.Add(1)
		go p.consume(StreamStderr, stderr)
	}
}

// Wait blocks until both stream readers have hit end-of-stream.
func (p *Pump) Wait() {
	if p == nil {
		return
	}
	p.wg.Wait()
}

// Produced reports how many records this pump has emitted so far.
func (p *Pump) Produced() uint64 {
	if p == nil {
		return 0
	}
	return p.seq.Load()
}

// consume reads one stream to end-of-stream. bufio.Scanner is unsuitable
// here: a line past its buffer cap is ErrTooLong and kills the whole stream,
// and an abandoned pipe eventually blocks the child's writes. ReadLine lets
// an oversized line be flushed in maxLineBytes chunks instead.
func (p *Pump) consume(stream Stream, reader io.Reader) {
	defer p.wg.Done()

	buffered := bufio.NewReaderSize(reader, 64*1024)
	var line []byte
	for {
		chunk, isPrefix, err := buffered.ReadLine()
		line = append(line, chunk...)
		if err == nil && isPrefix {
			if len(line) >= maxLineBytes {
				p.emit(stream, line)
				line = line[:0]
			}
			continue
		}

		p.emit(stream, line)
		line = line[:0]
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.With("stream", stream, "error", err).Warn("output stream read failed")
			}
			return
		}
	}
}

func (p *Pump) emit(stream Stream, line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(text) == "" {
		return
	}
	p.sink.PublishRecord(Record{
		Seq:    p.seq.Add(1),
		Time:   p.now().UTC(),
		Level:  p.classifier.Classify(text),
		Stream: stream,
		Text:   text,
	})
}

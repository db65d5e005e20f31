// Package broadcast fans classified output records and lifecycle changes out
// to any number of live observer sessions. Delivery to one session can never
// block the producer: each session has a bounded queue with a drop-oldest
// overflow policy, so slow observers lose history instead of applying
// backpressure.
package broadcast

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scriptdeck/sdeck/internal/logstream"
)

const (
	// DefaultReplaySize is how many envelopes a late subscriber is replayed.
	DefaultReplaySize = 200
	// DefaultQueueSize is the per-session outbound queue capacity.
	DefaultQueueSize = 256
)

// Kind discriminates envelope payloads.
type Kind string

const (
	KindLog   Kind = "log"
	KindState Kind = "status"
)

// StateChange announces a run lifecycle transition to observers.
type StateChange struct {
	State    string    `json:"state"`
	RunID    string    `json:"runId,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Time     time.Time `json:"time"`
}

// Envelope is the single message shape delivered to observers; exactly one of
// Record and State is set, according to Kind.
type Envelope struct {
	Kind   Kind              `json:"kind"`
	Record *logstream.Record `json:"record,omitempty"`
	State  *StateChange      `json:"state,omitempty"`
}

// Option customizes broadcaster construction.
type Option func(*Broadcaster)

// WithReplaySize configures the replay ring capacity.
func WithReplaySize(size int) Option {
	return func(b *Broadcaster) {
		if size > 0 {
			b.replaySize = size
		}
	}
}

// WithQueueSize configures per-session outbound queue capacity.
func WithQueueSize(size int) Option {
	return func(b *Broadcaster) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// WithLogger configures the log sink used for overflow warnings.
func WithLogger(logger *log.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Broadcaster is a thread-safe fan-out of envelopes to live sessions, with a
// short replay buffer for late subscribers.
type Broadcaster struct {
	mu         sync.Mutex
	replaySize int
	queueSize  int
	logger     *log.Logger
	replay     []Envelope
	sessions   map[*Session]struct{}
	nextID     uint64
}

// Session is one live observer connection. Events delivers replayed envelopes
// first, then live ones, in publish order. Closed is closed on unsubscribe.
type Session struct {
	id      uint64
	ch      chan Envelope
	closed  chan struct{}
	dropped uint64
}

// Events returns the session's delivery channel. It is closed when the session
// is unsubscribed.
func (s *Session) Events() <-chan Envelope {
	return s.ch
}

// Closed is closed when the session has been unsubscribed.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// New creates a broadcaster with optional configuration.
func New(options ...Option) *Broadcaster {
	b := &Broadcaster{
		replaySize: DefaultReplaySize,
		queueSize:  DefaultQueueSize,
		logger:     log.Default(),
		sessions:   make(map[*Session]struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(b)
	}
	return b
}

// PublishRecord publishes one classified output line.
func (b *Broadcaster) PublishRecord(record logstream.Record) {
	b.Publish(Envelope{Kind: KindLog, Record: &record})
}

// PublishState publishes one lifecycle transition.
func (b *Broadcaster) PublishState(change StateChange) {
	if change.Time.IsZero() {
		change.Time = time.Now().UTC()
	}
	b.Publish(Envelope{Kind: KindState, State: &change})
}

// Publish appends the envelope to the replay ring and enqueues it into every
// live session. A full session queue evicts that session's oldest envelope;
// the publisher never blocks.
func (b *Broadcaster) Publish(envelope Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.replay = append(b.replay, envelope)
	if len(b.replay) > b.replaySize {
		b.replay = b.replay[len(b.replay)-b.replaySize:]
	}

	for session := range b.sessions {
		b.enqueue(session, envelope)
	}
}

// Subscribe creates a live session. The replay buffer is delivered before any
// subsequently published envelope.
func (b *Broadcaster) Subscribe() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked(nil)
}

// SubscribeWith creates a live session preloaded with the replay buffer
// followed by the given envelope, so an observer sees history strictly before
// the caller's snapshot of the present.
func (b *Broadcaster) SubscribeWith(envelope Envelope) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked(&envelope)
}

func (b *Broadcaster) subscribeLocked(extra *Envelope) *Session {
	b.nextID++
	session := &Session{
		id:     b.nextID,
		ch:     make(chan Envelope, b.queueSize),
		closed: make(chan struct{}),
	}
	for _, envelope := range b.replay {
		b.enqueue(session, envelope)
	}
	if extra != nil {
		b.enqueue(session, *extra)
	}
	b.sessions[session] = struct{}{}
	return session
}

// Unsubscribe removes the session and closes its channel. It is idempotent.
func (b *Broadcaster) Unsubscribe(session *Session) {
	if session == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[session]; !ok {
		return
	}
	delete(b.sessions, session)
	close(session.closed)
	close(session.ch)
}

// Reset clears the replay ring. The supervisor calls it when a new run starts
// so late subscribers never see the previous run's records.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replay = nil
}

// Sessions reports the number of live sessions.
func (b *Broadcaster) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// enqueue applies the drop-oldest policy for one session. Callers hold b.mu,
// which also serializes against Unsubscribe closing the channel.
func (b *Broadcaster) enqueue(session *Session, envelope Envelope) {
	select {
	case session.ch <- envelope:
		return
	default:
	}

	select {
	case <-session.ch:
		session.dropped++
	default:
	}

	select {
	case session.ch <- envelope:
	default:
		session.dropped++
	}

	if session.dropped == 1 || session.dropped%uint64(b.queueSize) == 0 {
		b.logger.With("session", session.id, "dropped", session.dropped).
			Warn("observer queue overflow, oldest records dropped")
	}
}

// Dropped reports how many envelopes have been evicted for the session.
func (b *Broadcaster) Dropped(session *Session) uint64 {
	if session == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return session.dropped
}

package session

import (
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/consent"
	"github.com/loqalabs/loqa-capture/internal/errkind"
	"github.com/loqalabs/loqa-capture/internal/transcription"
)

type EventType string

const (
	EventState      EventType = "state"
	EventAudioLevel EventType = "audio_level"
	EventElapsed    EventType = "elapsed"
	EventResult     EventType = "result"
	EventError      EventType = "error"
)

// ErrorInfo is the caller-facing view of a failure.
type ErrorInfo struct {
	Kind    errkind.Kind `json:"kind"`
	Message string       `json:"message"`
	Detail  string       `json:"detail,omitempty"`
}

func errorInfo(err error) *ErrorInfo {
	return &ErrorInfo{
		Kind:    errkind.Of(err),
		Message: UserMessage(err),
		Detail:  errkind.MessageOf(err),
	}
}

// Event is one notification emitted by a session. Only the fields relevant
// to Type are set.
type Event struct {
	Type      EventType             `json:"type"`
	SessionID string                `json:"session_id"`
	At        time.Time             `json:"at"`
	From      State                 `json:"from,omitempty"`
	To        State                 `json:"to,omitempty"`
	Level     float64               `json:"partial_audio_level,omitempty"`
	Elapsed   float64               `json:"elapsed_seconds,omitempty"`
	Result    *transcription.Result `json:"result,omitempty"`
	Error     *ErrorInfo            `json:"error,omitempty"`
}

// critical events are never dropped.
func (e Event) critical() bool {
	return e.Type == EventState || e.Type == EventResult || e.Type == EventError
}

// Snapshot is a read-only copy of session state.
type Snapshot struct {
	ID         string                `json:"session_id"`
	Context    Context               `json:"context"`
	State      State                 `json:"state"`
	Consent    *consent.Record       `json:"consent,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	Elapsed    time.Duration         `json:"elapsed"`
	Segments   int                   `json:"segments"`
	Bytes      int                   `json:"bytes"`
	Transcript string                `json:"transcript,omitempty"`
	Confidence float64               `json:"confidence,omitempty"`
	Analysis   map[string]any        `json:"analysis,omitempty"`
	LastError  *ErrorInfo            `json:"last_error,omitempty"`
}

// Outcome is the terminal result of a session.
type Outcome struct {
	State  State
	Result *transcription.Result
	Err    error
}

const eventLinger = 30 * time.Second

// emitter decouples the session loop from the consumer of Events. Critical
// events queue without bound; level and elapsed updates are dropped once
// limit events are waiting.
type emitter struct {
	mu      sync.Mutex
	queue   []Event
	closed  bool
	limit   int
	notify  chan struct{}
	abandon chan struct{}
	out     chan Event
}

func newEmitter(limit int) *emitter {
	if limit <= 0 {
		limit = 1
	}
	e := &emitter{
		limit:   limit,
		notify:  make(chan struct{}, 1),
		abandon: make(chan struct{}),
		out:     make(chan Event, limit),
	}
	go e.pump()
	return e
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	if e.closed || (!ev.critical() && len(e.queue) >= e.limit) {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// close flushes what is queued, then closes the channel. Events nobody reads
// are discarded after eventLinger.
func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	time.AfterFunc(eventLinger, func() { close(e.abandon) })
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *emitter) pump() {
	defer close(e.out)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		closed := e.closed
		e.mu.Unlock()

		for _, ev := range batch {
			select {
			case e.out <- ev:
			case <-e.abandon:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-e.notify
	}
}

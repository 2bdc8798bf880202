package capture

import (
	"sync"

	"github.com/loqalabs/loqa-capture/internal/errkind"
)

// State is the per-handle device lifecycle.
type State int

const (
	Idle State = iota
	Recording
	Paused
	Stopped
	Released
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Released:
		return "released"
	}
	return "unknown"
}

// Lifecycle guards the transitions of one handle and serializes segment
// delivery against them, so no segment reaches the sink once Stop or Pause
// has returned.
type Lifecycle struct {
	mu    sync.Mutex
	state State
	sink  SegmentFunc
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) Start(fn SegmentFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.expect("start", Idle); err != nil {
		return err
	}
	l.state = Recording
	l.sink = fn
	return nil
}

func (l *Lifecycle) Pause() error {
	return l.move("pause", Paused, Recording)
}

func (l *Lifecycle) Resume() error {
	return l.move("resume", Recording, Paused)
}

func (l *Lifecycle) Stop() error {
	return l.move("stop", Stopped, Recording, Paused)
}

// Release reports the state the handle was in so the caller can stop
// hardware that is still running.
func (l *Lifecycle) Release() (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.state
	if prev == Released {
		return prev, errkind.New(errkind.InvalidTransition, "handle already released")
	}
	l.state = Released
	l.sink = nil
	return prev, nil
}

// Deliver hands seg to the sink if the handle is recording. Segments seen
// while paused or after stop are not delivered.
func (l *Lifecycle) Deliver(seg Segment) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Recording || l.sink == nil || len(seg) == 0 {
		return false
	}
	l.sink(seg)
	return true
}

func (l *Lifecycle) move(op string, to State, from ...State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.expect(op, from...); err != nil {
		return err
	}
	l.state = to
	return nil
}

func (l *Lifecycle) expect(op string, from ...State) error {
	for _, s := range from {
		if l.state == s {
			return nil
		}
	}
	return errkind.New(errkind.InvalidTransition, "cannot %s while %s", op, l.state)
}

package transcription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/errkind"
)

// Reply is one scripted outcome of MockClient.Submit.
type Reply struct {
	Delay  time.Duration
	Result Result
	Err    error
}

// MockClient answers from a script; the last reply repeats once the script
// runs out. With no script it echoes the payload size.
type MockClient struct {
	mu       sync.Mutex
	script   []Reply
	calls    []Submission
	inflight inflight
}

// Submission is one recorded call to MockClient.Submit.
type Submission struct {
	Meta   Metadata
	Buffer audio.EncodedBuffer
}

func NewMockClient(script ...Reply) *MockClient {
	return &MockClient{script: script}
}

func (m *MockClient) next() (Reply, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) == 0 {
		return Reply{}, false
	}
	r := m.script[0]
	if len(m.script) > 1 {
		m.script = m.script[1:]
	}
	return r, true
}

func (m *MockClient) Submit(ctx context.Context, buf audio.EncodedBuffer, meta Metadata, timeout time.Duration) (Result, error) {
	if err := m.inflight.begin(meta.SessionID); err != nil {
		return Result{}, err
	}
	defer m.inflight.end(meta.SessionID)

	m.mu.Lock()
	m.calls = append(m.calls, Submission{Meta: meta, Buffer: buf})
	m.mu.Unlock()

	reply, scripted := m.next()
	if !scripted {
		reply.Result = Result{
			Text:       fmt.Sprintf("[mock transcript bytes=%d format=%s]", buf.Bytes, buf.Format),
			Confidence: 1,
		}
	}

	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		var deadline <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-ctx.Done():
			return Result{}, errkind.Wrap(errkind.Cancelled, ctx.Err(), "submission abandoned")
		case <-deadline:
			return Result{}, errkind.New(errkind.Timeout, "no response within %s", timeout)
		case <-timer.C:
		}
	}
	if reply.Err != nil {
		return Result{}, reply.Err
	}
	res := reply.Result
	res.Confidence = clampConfidence(res.Confidence)
	return res, nil
}

// Calls returns the metadata of every submission attempt so far.
func (m *MockClient) Calls() []Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metadata, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.Meta
	}
	return out
}

func (m *MockClient) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Submission(nil), m.calls...)
}

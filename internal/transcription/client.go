package transcription

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/errkind"
)

var (
	ErrNetworkFailure       = errkind.Sentinel(errkind.NetworkFailure)
	ErrTimeout              = errkind.Sentinel(errkind.Timeout)
	ErrRemoteRejected       = errkind.Sentinel(errkind.RemoteRejected)
	ErrSubmissionInProgress = errkind.Sentinel(errkind.SubmissionInProgress)
)

// Metadata is the context sent alongside the audio.
type Metadata struct {
	SessionID    string
	SubjectID    string
	AssessmentID string
	QuestionID   string
	Language     string
	PromptHint   string
}

// ContextID identifies the assessment item the recording answers.
func (m Metadata) ContextID() string {
	if m.QuestionID == "" {
		return m.AssessmentID
	}
	return m.AssessmentID + "/" + m.QuestionID
}

type Result struct {
	Text                 string         `json:"text"`
	Confidence           float64        `json:"confidence"`
	Analysis             map[string]any `json:"analysis,omitempty"`
	ProcessingDurationMs int64          `json:"processingDurationMs"`
}

// Client submits one finished recording per call. Implementations make a
// single attempt; retry policy belongs to the caller.
type Client interface {
	Submit(ctx context.Context, buf audio.EncodedBuffer, meta Metadata, timeout time.Duration) (Result, error)
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0 || math.IsNaN(c):
		return 0
	case c > 1:
		return 1
	}
	return c
}

// inflight allows one outstanding submission per session.
type inflight struct {
	mu       sync.Mutex
	sessions map[string]struct{}
}

func (f *inflight) begin(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions == nil {
		f.sessions = make(map[string]struct{})
	}
	if _, busy := f.sessions[sessionID]; busy {
		return errkind.New(errkind.SubmissionInProgress, "session %s already has a submission in flight", sessionID)
	}
	f.sessions[sessionID] = struct{}{}
	return nil
}

func (f *inflight) end(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
}

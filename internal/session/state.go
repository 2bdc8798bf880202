package session

import (
	"strings"

	"github.com/loqalabs/loqa-capture/internal/errkind"
)

var (
	ErrInvalidTransition    = errkind.Sentinel(errkind.InvalidTransition)
	ErrSessionAlreadyActive = errkind.Sentinel(errkind.SessionAlreadyActive)
	ErrOverrun              = errkind.Sentinel(errkind.Overrun)
	ErrCancelled            = errkind.Sentinel(errkind.Cancelled)
)

type State string

const (
	Idle            State = "idle"
	AwaitingConsent State = "awaiting_consent"
	Ready           State = "ready"
	Recording       State = "recording"
	Paused          State = "paused"
	Finalizing      State = "finalizing"
	Submitting      State = "submitting"
	Completed       State = "completed"
	Failed          State = "failed"
	Cancelled       State = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Capturing reports whether the device is running or paused.
func (s State) Capturing() bool {
	return s == Recording || s == Paused
}

// Context identifies what is being answered and by whom.
type Context struct {
	AssessmentID string `json:"assessment_id"`
	QuestionID   string `json:"question_id"`
	SubjectID    string `json:"subject_id"`
}

// ID is the assessment item reference sent with the transcription.
func (c Context) ID() string {
	if c.QuestionID == "" {
		return c.AssessmentID
	}
	return c.AssessmentID + "/" + c.QuestionID
}

// CaptureKey names the microphone a session claims: one per subject.
func (c Context) CaptureKey() string {
	if strings.TrimSpace(c.SubjectID) != "" {
		return c.SubjectID
	}
	return c.ID()
}

type consentKey struct {
	assessmentID string
	subjectID    string
}

func (c Context) consentKey() consentKey {
	return consentKey{assessmentID: c.AssessmentID, subjectID: c.SubjectID}
}

// UserMessage renders err for the person being recorded. Internal codes
// never leak into the text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch errkind.Of(err) {
	case errkind.InvalidAge:
		return "Please enter a valid age."
	case errkind.GuardianContactMissing:
		return "A guardian email address is required before recording."
	case errkind.ConsentRequired:
		return "Guardian approval is required before recording."
	case errkind.PermissionDenied:
		return "Microphone permission was denied. Please allow microphone access and try again."
	case errkind.DeviceUnavailable:
		return "No microphone is available on this device."
	case errkind.EmptyCapture:
		return "No audio was recorded. Please try again."
	case errkind.SessionAlreadyActive:
		return "A recording is already in progress."
	case errkind.Cancelled:
		return "Recording was cancelled."
	case errkind.Overrun:
		return "Recording was interrupted. Please try again."
	}
	return "Processing failed, please try again."
}

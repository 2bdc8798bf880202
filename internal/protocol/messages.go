package protocol

import (
	"encoding/json"
	"time"
)

// AudioFrame represents PCM audio streamed by a remote capture agent.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// PermissionRequest asks the capture agent for microphone access.
type PermissionRequest struct {
	ContextID        string `json:"context_id"`
	SampleRate       int    `json:"sample_rate"`
	Channels         int    `json:"channels"`
	EchoCancellation bool   `json:"echo_cancellation"`
	NoiseSuppression bool   `json:"noise_suppression"`
}

// PermissionReply is the capture agent's decision.
type PermissionReply struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
	// Available is false when the agent has no input device at all.
	Available *bool `json:"available,omitempty"`
}

// StartRequest opens a capture session for one assessment item.
type StartRequest struct {
	AssessmentID string        `json:"assessment_id"`
	QuestionID   string        `json:"question_id"`
	SubjectID    string        `json:"subject_id"`
	Consent      *ConsentInput `json:"consent,omitempty"`
}

// ConsentInput carries the answers collected by the consent prompt.
type ConsentInput struct {
	SubjectAge           int    `json:"subject_age"`
	GuardianConsentGiven bool   `json:"guardian_consent_given"`
	GuardianEmail        string `json:"guardian_email,omitempty"`
}

// SessionRequest addresses an existing session.
type SessionRequest struct {
	SessionID string        `json:"session_id"`
	Consent   *ConsentInput `json:"consent,omitempty"`
}

// Reply answers every control request.
type Reply struct {
	OK        bool       `json:"ok"`
	SessionID string     `json:"session_id,omitempty"`
	State     string     `json:"state,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the wire form of a classified failure.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SessionEvent is published for every event a capture session emits.
type SessionEvent struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectPermissionPrefix = "capture.permission"
	SubjectEventPrefix      = "capture.event"

	SubjectControlStart   = "capture.ctl.start"
	SubjectControlPause   = "capture.ctl.pause"
	SubjectControlResume  = "capture.ctl.resume"
	SubjectControlStop    = "capture.ctl.stop"
	SubjectControlCancel  = "capture.ctl.cancel"
	SubjectControlConsent = "capture.ctl.consent"
	SubjectControlStatus  = "capture.ctl.status"
)

// ErrorKindUnknownSession is returned for requests naming no live session.
const ErrorKindUnknownSession = "UnknownSession"

// AudioFrameSubject returns the subject frames for contextID are published on.
func AudioFrameSubject(contextID string) string {
	return SubjectAudioFramePrefix + "." + contextID
}

func PermissionSubject(contextID string) string {
	return SubjectPermissionPrefix + "." + contextID
}

func EventSubject(sessionID string) string {
	return SubjectEventPrefix + "." + sessionID
}

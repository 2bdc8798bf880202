// Package errkind defines the error taxonomy shared by the capture pipeline.
//
// Every failure surfaced by the pipeline carries a Kind. Packages export
// sentinel values (consent.ErrConsentRequired, capture.ErrPermissionDenied, ...)
// and callers match them with errors.Is, which compares kinds only.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable failure class.
type Kind string

// Consent errors.
const (
	InvalidAge             Kind = "InvalidAge"
	ConsentRequired        Kind = "ConsentRequired"
	GuardianContactMissing Kind = "GuardianContactMissing"
)

// Device errors.
const (
	PermissionDenied  Kind = "PermissionDenied"
	DeviceUnavailable Kind = "DeviceUnavailable"
	InvalidTransition Kind = "InvalidTransition"
)

// Encoding errors.
const (
	EmptyCapture     Kind = "EmptyCapture"
	AlreadyFinalized Kind = "AlreadyFinalized"
	EncodingFailed   Kind = "EncodingFailed"
)

// Transcription errors.
const (
	NetworkFailure       Kind = "NetworkFailure"
	Timeout              Kind = "Timeout"
	RemoteRejected       Kind = "RemoteRejected"
	SubmissionInProgress Kind = "SubmissionInProgress"
)

// Session errors.
const (
	SessionAlreadyActive Kind = "SessionAlreadyActive"
	Overrun              Kind = "Overrun"
	Cancelled            Kind = "Cancelled"
	Internal             Kind = "Internal"
)

// Category groups kinds the way callers reason about them.
type Category string

const (
	CategoryConsent       Category = "consent"
	CategoryDevice        Category = "device"
	CategoryEncoding      Category = "encoding"
	CategoryTranscription Category = "transcription"
	CategorySession       Category = "session"
)

var categories = map[Kind]Category{
	InvalidAge:             CategoryConsent,
	ConsentRequired:        CategoryConsent,
	GuardianContactMissing: CategoryConsent,
	PermissionDenied:       CategoryDevice,
	DeviceUnavailable:      CategoryDevice,
	InvalidTransition:      CategoryDevice,
	EmptyCapture:           CategoryEncoding,
	AlreadyFinalized:       CategoryEncoding,
	EncodingFailed:         CategoryEncoding,
	NetworkFailure:         CategoryTranscription,
	Timeout:                CategoryTranscription,
	RemoteRejected:         CategoryTranscription,
	SubmissionInProgress:   CategoryTranscription,
	SessionAlreadyActive:   CategorySession,
	Overrun:                CategorySession,
	Cancelled:              CategorySession,
	Internal:               CategorySession,
}

var retryable = map[Kind]bool{
	NetworkFailure: true,
	Timeout:        true,
}

// Category returns the taxonomy group of k.
func (k Kind) Category() Category {
	if c, ok := categories[k]; ok {
		return c
	}
	return CategorySession
}

// Retryable reports whether a submission failing with k may be attempted again.
func (k Kind) Retryable() bool {
	return retryable[k]
}

// Error is a classified pipeline failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel returns a message-less error usable as an errors.Is target.
func Sentinel(k Kind) error {
	return &Error{Kind: k}
}

// New creates a classified error.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under k.
func Wrap(k Kind, err error, message string) *Error {
	return &Error{Kind: k, Message: message, Err: err}
}

// Of extracts the kind of err. Unclassified errors report Internal.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the classified message of err without the kind prefix.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Kind)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

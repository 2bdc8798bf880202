// Package capture abstracts the microphone behind a small lifecycle-checked
// interface. Implementations live in the mock, exec and bus subpackages.
package capture

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-capture/internal/errkind"
)

var (
	ErrPermissionDenied  = errkind.Sentinel(errkind.PermissionDenied)
	ErrDeviceUnavailable = errkind.Sentinel(errkind.DeviceUnavailable)
	ErrInvalidTransition = errkind.Sentinel(errkind.InvalidTransition)
)

// Segment is one chunk of signed 16-bit little-endian PCM.
type Segment []byte

// SegmentFunc receives segments in capture order. Devices never invoke it
// concurrently with itself and never after Stop has returned.
type SegmentFunc func(Segment)

// Constraints are the capture parameters requested at acquisition.
type Constraints struct {
	// Key names the capture context; it is used as a bus subject token.
	Key              string
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// Handle identifies one acquisition of the device.
type Handle struct {
	ID  string
	Key string
}

// Device is the capture hardware as seen by a recording session.
type Device interface {
	// Acquire may block while the user is asked for permission.
	Acquire(ctx context.Context, c Constraints) (Handle, error)
	Start(h Handle, fn SegmentFunc) error
	Pause(h Handle) error
	Resume(h Handle) error
	// Stop returns segments that were still buffered when capture ended.
	Stop(h Handle) ([]Segment, error)
	// Release must be called exactly once per handle. Releasing a running
	// handle stops it first.
	Release(h Handle) error
}

// SubjectToken makes s safe to use as a single NATS subject token.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

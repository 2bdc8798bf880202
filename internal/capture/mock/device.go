// Package mock provides a scripted capture device with fault injection.
package mock

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/errkind"
)

// Faults makes the named operation fail with the given error. The lifecycle
// is left untouched when an injected fault fires, except for Release which
// always frees the handle.
type Faults struct {
	Acquire error
	Start   error
	Pause   error
	Resume  error
	Stop    error
	Release error
}

type Options struct {
	// Script is delivered in order after Start, one segment per Interval.
	Script   []capture.Segment
	Interval time.Duration
	// Loop replays Script until the handle is stopped.
	Loop bool
	// Final is returned by Stop as the flushed tail of the recording.
	Final []capture.Segment
	// Flush is delivered through the sink while Stop runs, the way hardware
	// drains its buffer before the stream closes.
	Flush        []capture.Segment
	AcquireDelay time.Duration
	Faults       Faults
}

type Device struct {
	mu      sync.Mutex
	opts    Options
	handles map[string]*handle
	last    *handle

	acquired atomic.Int64
	released atomic.Int64
}

type handle struct {
	life capture.Lifecycle
	done chan struct{}
	once sync.Once
}

func (h *handle) halt() {
	h.once.Do(func() { close(h.done) })
}

func New(opts Options) *Device {
	return &Device{opts: opts, handles: make(map[string]*handle)}
}

// SetFaults replaces the injected faults for subsequent calls.
func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.Faults = f
}

func (d *Device) faults() Faults {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.Faults
}

func (d *Device) Acquire(ctx context.Context, c capture.Constraints) (capture.Handle, error) {
	if delay := d.opts.AcquireDelay; delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return capture.Handle{}, errkind.Wrap(errkind.Cancelled, ctx.Err(), "acquire abandoned")
		case <-timer.C:
		}
	}
	if err := d.faults().Acquire; err != nil {
		return capture.Handle{}, err
	}
	h := &handle{done: make(chan struct{})}
	id := uuid.NewString()

	d.mu.Lock()
	d.handles[id] = h
	d.last = h
	d.mu.Unlock()
	d.acquired.Add(1)
	return capture.Handle{ID: id, Key: c.Key}, nil
}

func (d *Device) lookup(hd capture.Handle) (*handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[hd.ID]
	if !ok {
		return nil, errkind.New(errkind.InvalidTransition, "unknown handle %q", hd.ID)
	}
	return h, nil
}

func (d *Device) Start(hd capture.Handle, fn capture.SegmentFunc) error {
	h, err := d.lookup(hd)
	if err != nil {
		return err
	}
	if err := d.faults().Start; err != nil {
		return err
	}
	if err := h.life.Start(fn); err != nil {
		return err
	}
	if len(d.opts.Script) > 0 {
		go d.play(h)
	}
	return nil
}

func (d *Device) play(h *handle) {
	for {
		for _, seg := range d.opts.Script {
			if d.opts.Interval > 0 {
				select {
				case <-h.done:
					return
				case <-time.After(d.opts.Interval):
				}
			} else {
				select {
				case <-h.done:
					return
				default:
				}
			}
			h.life.Deliver(seg)
		}
		if !d.opts.Loop {
			return
		}
	}
}

// Emit delivers seg to the most recently acquired handle, as if the
// hardware had produced it. It reports whether the segment was delivered.
func (d *Device) Emit(seg capture.Segment) bool {
	d.mu.Lock()
	h := d.last
	d.mu.Unlock()
	if h == nil {
		return false
	}
	return h.life.Deliver(seg)
}

func (d *Device) Pause(hd capture.Handle) error {
	h, err := d.lookup(hd)
	if err != nil {
		return err
	}
	if err := d.faults().Pause; err != nil {
		return err
	}
	return h.life.Pause()
}

func (d *Device) Resume(hd capture.Handle) error {
	h, err := d.lookup(hd)
	if err != nil {
		return err
	}
	if err := d.faults().Resume; err != nil {
		return err
	}
	return h.life.Resume()
}

func (d *Device) Stop(hd capture.Handle) ([]capture.Segment, error) {
	h, err := d.lookup(hd)
	if err != nil {
		return nil, err
	}
	if err := d.faults().Stop; err != nil {
		return nil, err
	}
	for _, seg := range d.opts.Flush {
		h.life.Deliver(seg)
	}
	if err := h.life.Stop(); err != nil {
		return nil, err
	}
	h.halt()
	final := make([]capture.Segment, len(d.opts.Final))
	copy(final, d.opts.Final)
	return final, nil
}

func (d *Device) Release(hd capture.Handle) error {
	h, err := d.lookup(hd)
	if err != nil {
		return err
	}
	if _, err := h.life.Release(); err != nil {
		return err
	}
	h.halt()
	d.released.Add(1)

	d.mu.Lock()
	if d.last == h {
		d.last = nil
	}
	d.mu.Unlock()
	return d.faults().Release
}

// Acquired counts successful acquisitions.
func (d *Device) Acquired() int { return int(d.acquired.Load()) }

// Released counts handles freed, each counted once.
func (d *Device) Released() int { return int(d.released.Load()) }

// State reports the lifecycle of hd.
func (d *Device) State(hd capture.Handle) capture.State {
	h, err := d.lookup(hd)
	if err != nil {
		return capture.Idle
	}
	return h.life.State()
}

// Tone renders a sine wave of the given duration as one PCM16 segment.
func Tone(sampleRate, channels int, d time.Duration, freq, amplitude float64) capture.Segment {
	frames := int(float64(sampleRate) * d.Seconds())
	seg := make(capture.Segment, frames*channels*2)
	for i := 0; i < frames; i++ {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(seg[(i*channels+c)*2:], uint16(v))
		}
	}
	return seg
}

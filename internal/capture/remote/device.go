// Package remote captures audio streamed over the bus by a remote agent,
// such as a browser gateway that owns the actual microphone.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/errkind"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Device struct {
	bus *bus.Client
	cfg config.CaptureConfig
	log *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	life capture.Lifecycle
	key  string
	sub  *nats.Subscription
}

func New(busClient *bus.Client, cfg config.CaptureConfig, log *slog.Logger) *Device {
	return &Device{
		bus:     busClient,
		cfg:     cfg,
		log:     log.With(slog.String("component", "capture.remote")),
		handles: make(map[string]*handle),
	}
}

// Acquire asks the agent listening on capture.permission.<key> for access
// and blocks until it answers, the permission timeout passes, or ctx ends.
func (d *Device) Acquire(ctx context.Context, c capture.Constraints) (capture.Handle, error) {
	key := capture.SubjectToken(c.Key)
	if c.SampleRate <= 0 {
		c.SampleRate = d.cfg.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = d.cfg.Channels
	}

	reqCtx := ctx
	if timeout := d.cfg.PermissionTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := protocol.PermissionRequest{
		ContextID:        c.Key,
		SampleRate:       c.SampleRate,
		Channels:         c.Channels,
		EchoCancellation: c.EchoCancellation,
		NoiseSuppression: c.NoiseSuppression,
	}
	var reply protocol.PermissionReply
	err := d.bus.RequestJSON(reqCtx, protocol.PermissionSubject(key), req, &reply)
	switch {
	case err == nil:
	case errors.Is(err, nats.ErrNoResponders):
		return capture.Handle{}, errkind.Wrap(errkind.DeviceUnavailable, err, "no capture agent for "+key)
	case ctx.Err() != nil:
		return capture.Handle{}, errkind.Wrap(errkind.Cancelled, ctx.Err(), "acquire abandoned")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return capture.Handle{}, errkind.Wrap(errkind.PermissionDenied, err, "permission prompt unanswered")
	default:
		return capture.Handle{}, errkind.Wrap(errkind.DeviceUnavailable, err, "permission request failed")
	}

	if reply.Available != nil && !*reply.Available {
		return capture.Handle{}, errkind.New(errkind.DeviceUnavailable, "capture agent reports no input device")
	}
	if !reply.Granted {
		reason := reply.Reason
		if reason == "" {
			reason = "microphone access denied"
		}
		return capture.Handle{}, errkind.New(errkind.PermissionDenied, "%s", reason)
	}

	id := uuid.NewString()
	d.mu.Lock()
	d.handles[id] = &handle{key: key}
	d.mu.Unlock()
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

// Start subscribes to audio.frame.<key>. NATS invokes the handler serially
// per subscription, which keeps segments in publish order.
func (d *Device) Start(hd capture.Handle, fn capture.SegmentFunc) error {
	h, err := d.lookup(hd)
	if err != nil {
		return err
	}
	if err := h.life.Start(fn); err != nil {
		return err
	}
	sub, err := d.bus.Conn().Subscribe(protocol.AudioFrameSubject(h.key), func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			d.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			return
		}
		h.life.Deliver(capture.Segment(frame.PCM))
	})
	if err != nil {
		_ = h.life.Stop()
		return errkind.Wrap(errkind.DeviceUnavailable, err, "subscribe audio frames")
	}
	h.sub = sub
	// Make sure the server knows about the subscription before the agent
	// starts streaming.
	if err := d.bus.Conn().FlushTimeout(2 * time.Second); err != nil {
		d.log.Warn("flush after subscribe failed", slog.String("error", err.Error()))
	}
	return nil
}

func (d *Device) Pause(hd capture.Handle) error {
	h, err := d.lookup(hd)
	if err != nil {
		return err
	}
	return h.life.Pause()
}

func (d *Device) Resume(hd capture.Handle) error {
	h, err := d.lookup(hd)
	if err != nil {
		return err
	}
	return h.life.Resume()
}

func (d *Device) Stop(hd capture.Handle) ([]capture.Segment, error) {
	h, err := d.lookup(hd)
	if err != nil {
		return nil, err
	}
	if err := h.life.Stop(); err != nil {
		return nil, err
	}
	d.unsubscribe(h)
	return nil, nil
}

func (d *Device) unsubscribe(h *handle) {
	if h.sub == nil {
		return
	}
	if err := h.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		d.log.Debug("unsubscribe audio frames", slog.String("error", err.Error()))
	}
	h.sub = nil
}

func (d *Device) Release(hd capture.Handle) error {
	h, err := d.lookup(hd)
	if err != nil {
		return err
	}
	if _, err := h.life.Release(); err != nil {
		return err
	}
	d.unsubscribe(h)
	d.mu.Lock()
	delete(d.handles, hd.ID)
	d.mu.Unlock()
	return nil
}

// Package exec captures audio by running a recorder command and reading raw
// PCM from its stdout.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/errkind"
	"github.com/mattn/go-shellwords"
)

const stopGrace = 2 * time.Second

type Device struct {
	args []string
	cfg  config.CaptureConfig
	log  *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	life        capture.Lifecycle
	path        string
	constraints capture.Constraints

	cmd    *osexec.Cmd
	stderr bytes.Buffer
	done   chan struct{}
	tail   []capture.Segment
}

func New(cfg config.CaptureConfig, log *slog.Logger) (*Device, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &Device{
		args:    args,
		cfg:     cfg,
		log:     log.With(slog.String("component", "capture.exec")),
		handles: make(map[string]*handle),
	}, nil
}

// Acquire resolves the recorder binary. Access to the microphone itself is
// only known once the command runs.
func (d *Device) Acquire(ctx context.Context, c capture.Constraints) (capture.Handle, error) {
	if err := ctx.Err(); err != nil {
		return capture.Handle{}, errkind.Wrap(errkind.Cancelled, err, "acquire abandoned")
	}
	path, err := osexec.LookPath(d.args[0])
	if err != nil {
		return capture.Handle{}, classify(err)
	}
	if c.SampleRate <= 0 {
		c.SampleRate = d.cfg.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = d.cfg.Channels
	}
	id := uuid.NewString()
	d.mu.Lock()
	d.handles[id] = &handle{path: path, constraints: c}
	d.mu.Unlock()
	return capture.Handle{ID: id, Key: c.Key}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, osexec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return errkind.Wrap(errkind.DeviceUnavailable, err, "recorder not found")
	case errors.Is(err, fs.ErrPermission):
		return errkind.Wrap(errkind.PermissionDenied, err, "recorder not permitted")
	}
	return errkind.Wrap(errkind.DeviceUnavailable, err, "recorder failed")
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
	if st := h.life.State(); st != capture.Idle {
		return errkind.New(errkind.InvalidTransition, "cannot start while %s", st)
	}

	cmd := osexec.Command(h.path, d.args[1:]...)
	cmd.Stderr = &h.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errkind.Wrap(errkind.DeviceUnavailable, err, "recorder stdout")
	}
	if err := cmd.Start(); err != nil {
		return classify(err)
	}
	if err := h.life.Start(fn); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}
	h.cmd = cmd
	h.done = make(chan struct{})
	go d.read(h, stdout)

	d.log.Debug("recorder started", slog.String("handle", hd.ID), slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (d *Device) segmentBytes(c capture.Constraints) int {
	n := c.SampleRate * c.Channels * 2 * d.cfg.SegmentMS / 1000
	if n < 2 {
		return 2
	}
	return n &^ 1
}

func (d *Device) read(h *handle, stdout io.Reader) {
	defer close(h.done)
	size := d.segmentBytes(h.constraints)
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			seg := capture.Segment(buf[:n])
			if !h.life.Deliver(seg) && h.life.State() == capture.Stopped {
				h.tail = append(h.tail, seg)
			}
		}
		if err != nil {
			break
		}
	}
	if err := h.cmd.Wait(); err != nil && h.life.State() == capture.Recording {
		msg := strings.TrimSpace(h.stderr.String())
		d.log.Warn("recorder exited", slog.String("error", err.Error()), slog.String("stderr", msg))
	}
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

// Stop interrupts the recorder and returns whatever it flushed on exit.
func (d *Device) Stop(hd capture.Handle) ([]capture.Segment, error) {
	h, err := d.lookup(hd)
	if err != nil {
		return nil, err
	}
	if err := h.life.Stop(); err != nil {
		return nil, err
	}
	d.terminate(h)
	return h.tail, nil
}

func (d *Device) terminate(h *handle) {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		d.log.Debug("interrupt recorder failed", slog.String("error", err.Error()))
	}
	select {
	case <-h.done:
		return
	case <-time.After(stopGrace):
	}
	_ = h.cmd.Process.Kill()
	<-h.done
}

func (d *Device) Release(hd capture.Handle) error {
	h, err := d.lookup(hd)
	if err != nil {
		return err
	}
	prev, err := h.life.Release()
	if err != nil {
		return err
	}
	if prev == capture.Recording || prev == capture.Paused {
		d.terminate(h)
	}
	d.mu.Lock()
	delete(d.handles, hd.ID)
	d.mu.Unlock()
	return nil
}

package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	segs []string
}

func (c *collector) add(s capture.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segs = append(c.segs, string(s))
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.segs...)
}

func TestScriptedDelivery(t *testing.T) {
	dev := New(Options{
		Script: []capture.Segment{capture.Segment("a"), capture.Segment("b"), capture.Segment("c")},
		Final:  []capture.Segment{capture.Segment("tail")},
	})
	h, err := dev.Acquire(context.Background(), capture.Constraints{Key: "subject-1"})
	require.NoError(t, err)

	var c collector
	require.NoError(t, dev.Start(h, c.add))
	assert.Eventually(t, func() bool { return len(c.all()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, c.all())

	final, err := dev.Stop(h)
	require.NoError(t, err)
	assert.Equal(t, []capture.Segment{capture.Segment("tail")}, final)

	require.NoError(t, dev.Release(h))
	assert.Equal(t, 1, dev.Acquired())
	assert.Equal(t, 1, dev.Released())
}

func TestEmitDropsWhilePaused(t *testing.T) {
	dev := New(Options{})
	h, err := dev.Acquire(context.Background(), capture.Constraints{})
	require.NoError(t, err)

	var c collector
	require.NoError(t, dev.Start(h, c.add))
	assert.True(t, dev.Emit(capture.Segment("a")))
	require.NoError(t, dev.Pause(h))
	assert.False(t, dev.Emit(capture.Segment("lost")))
	require.NoError(t, dev.Resume(h))
	assert.True(t, dev.Emit(capture.Segment("b")))

	assert.Equal(t, []string{"a", "b"}, c.all())
}

func TestReleaseRunningHandleStopsIt(t *testing.T) {
	dev := New(Options{Script: []capture.Segment{capture.Segment("x")}, Interval: time.Millisecond, Loop: true})
	h, err := dev.Acquire(context.Background(), capture.Constraints{})
	require.NoError(t, err)
	require.NoError(t, dev.Start(h, func(capture.Segment) {}))

	require.NoError(t, dev.Release(h))
	assert.Equal(t, capture.Released, dev.State(h))
	assert.False(t, dev.Emit(capture.Segment("y")))

	assert.ErrorIs(t, dev.Release(h), capture.ErrInvalidTransition)
	assert.Equal(t, 1, dev.Released())
}

func TestFaultInjection(t *testing.T) {
	dev := New(Options{Faults: Faults{Acquire: errkind.New(errkind.PermissionDenied, "user declined")}})
	_, err := dev.Acquire(context.Background(), capture.Constraints{})
	assert.ErrorIs(t, err, capture.ErrPermissionDenied)
	assert.Equal(t, 0, dev.Acquired())

	dev.SetFaults(Faults{Stop: errkind.New(errkind.DeviceUnavailable, "unplugged")})
	h, err := dev.Acquire(context.Background(), capture.Constraints{})
	require.NoError(t, err)
	require.NoError(t, dev.Start(h, func(capture.Segment) {}))
	_, err = dev.Stop(h)
	assert.ErrorIs(t, err, capture.ErrDeviceUnavailable)
	assert.Equal(t, capture.Recording, dev.State(h))
	require.NoError(t, dev.Release(h))
}

func TestAcquireHonoursContext(t *testing.T) {
	dev := New(Options{AcquireDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := dev.Acquire(ctx, capture.Constraints{})
	assert.Equal(t, errkind.Cancelled, errkind.Of(err))
}

func TestTone(t *testing.T) {
	seg := Tone(16000, 1, 100*time.Millisecond, 440, 0.5)
	assert.Len(t, seg, 3200)
}

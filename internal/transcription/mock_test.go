package transcription

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClientFollowsScript(t *testing.T) {
	m := NewMockClient(
		Reply{Err: errkind.New(errkind.NetworkFailure, "link down")},
		Reply{Result: Result{Text: "second", Confidence: -0.3}},
	)

	_, err := m.Submit(context.Background(), sampleBuffer(t), meta, time.Second)
	assert.ErrorIs(t, err, ErrNetworkFailure)

	res, err := m.Submit(context.Background(), sampleBuffer(t), meta, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", res.Text)
	assert.Equal(t, 0.0, res.Confidence)

	res, err = m.Submit(context.Background(), sampleBuffer(t), meta, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", res.Text)
	assert.Len(t, m.Calls(), 3)
}

func TestMockClientDelayHonoursTimeout(t *testing.T) {
	m := NewMockClient(Reply{Delay: time.Hour})
	_, err := m.Submit(context.Background(), sampleBuffer(t), meta, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMockClientEchoesWithoutScript(t *testing.T) {
	res, err := NewMockClient().Submit(context.Background(), sampleBuffer(t), meta, time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Text, "bytes=3")
}

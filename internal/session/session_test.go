package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/capture/mock"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/consent"
	"github.com/loqalabs/loqa-capture/internal/errkind"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/transcription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Audio.Format = "raw"
	cfg.Session.TickMS = 20
	cfg.Transcription.TimeoutMS = 1000
	cfg.Transcription.RetryBackoffMS = 1
	return cfg
}

type harness struct {
	mgr    *Manager
	device *mock.Device
	client *transcription.MockClient
}

func newHarness(t *testing.T, cfg config.Config, dev *mock.Device, client *transcription.MockClient, store *eventstore.Store) harness {
	t.Helper()
	if dev == nil {
		dev = mock.New(mock.Options{})
	}
	if client == nil {
		client = transcription.NewMockClient()
	}
	mgr, err := NewManager(context.Background(), Options{
		Config: cfg,
		Device: dev,
		Client: client,
		Store:  store,
		Logger: newLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return harness{mgr: mgr, device: dev, client: client}
}

func adult() *ConsentInput { return &ConsentInput{SubjectAge: 25} }

func quizContext(subject string) Context {
	return Context{AssessmentID: "quiz-3", QuestionID: "q-2", SubjectID: subject}
}

func waitOutcome(t *testing.T, s *Session) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Wait(ctx)
	require.NoError(t, err, "session did not finish")
	return out
}

func startRecording(t *testing.T, h harness, subject string) *Session {
	t.Helper()
	s, err := h.mgr.Start(context.Background(), StartRequest{Context: quizContext(subject), Consent: adult()})
	require.NoError(t, err)
	require.Equal(t, Recording, s.State())
	return s
}

func TestMinorWithoutGuardianApprovalNeverRecords(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)

	s, err := h.mgr.Start(context.Background(), StartRequest{
		Context: quizContext("student-1"),
		Consent: &ConsentInput{SubjectAge: 16},
	})
	require.ErrorIs(t, err, consent.ErrConsentRequired)
	require.NotNil(t, s)

	out := waitOutcome(t, s)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 0, h.device.Acquired())
	snap := s.Snapshot()
	require.NotNil(t, snap.LastError)
	assert.Equal(t, errkind.ConsentRequired, snap.LastError.Kind)
	assert.Equal(t, "Guardian approval is required before recording.", snap.LastError.Message)
}

func TestMinorsNeedApprovalAndContact(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)
	inputs := []ConsentInput{
		{GuardianConsentGiven: false, GuardianEmail: "guardian@example.com"},
		{GuardianConsentGiven: true, GuardianEmail: ""},
		{GuardianConsentGiven: false, GuardianEmail: ""},
	}
	for age := 5; age < 18; age++ {
		for i, in := range inputs {
			in.SubjectAge = age
			s, err := h.mgr.Start(context.Background(), StartRequest{
				Context: quizContext(fmt.Sprintf("minor-%d-%d", age, i)),
				Consent: &in,
			})
			require.Error(t, err)
			out := waitOutcome(t, s)
			assert.Equal(t, Failed, out.State, "age %d input %d", age, i)
		}
	}
	assert.Equal(t, 0, h.device.Acquired())
}

func TestAdultsRecordWithoutGuardian(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)
	for _, age := range []int{18, 19, 40, 99, 120} {
		s, err := h.mgr.Start(context.Background(), StartRequest{
			Context: quizContext(fmt.Sprintf("adult-%d", age)),
			Consent: &ConsentInput{SubjectAge: age},
		})
		require.NoError(t, err, "age %d", age)
		assert.Equal(t, Recording, s.State())
		require.NoError(t, s.Cancel())
		waitOutcome(t, s)
	}
}

func TestPauseResumeConcatenatesSegments(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)
	s := startRecording(t, h, "student-1")

	require.True(t, h.device.Emit(capture.Segment("a")))
	require.NoError(t, s.Pause())
	assert.Equal(t, Paused, s.State())
	assert.False(t, h.device.Emit(capture.Segment("x")), "segments while paused are dropped")
	require.NoError(t, s.Resume())
	require.True(t, h.device.Emit(capture.Segment("b")))
	require.True(t, h.device.Emit(capture.Segment("c")))
	require.NoError(t, s.StopAndSubmit())

	out := waitOutcome(t, s)
	require.Equal(t, Completed, out.State)
	require.NotNil(t, out.Result)

	subs := h.client.Submissions()
	require.Len(t, subs, 1)
	pcm, err := subs[0].Buffer.Decode()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(pcm))
	assert.Equal(t, "quiz-3/q-2", subs[0].Meta.ContextID())
	assert.Equal(t, s.ID(), subs[0].Meta.SessionID)
	assert.Equal(t, 1, h.device.Released())
}

func TestSnapshotIsACopy(t *testing.T) {
	client := transcription.NewMockClient(transcription.Reply{Result: transcription.Result{
		Text:     "first eliminate the odd one",
		Analysis: map[string]any{"strategy": "elimination"},
	}})
	h := newHarness(t, testConfig(), nil, client, nil)
	s := startRecording(t, h, "student-1")
	h.device.Emit(capture.Segment("ab"))
	require.NoError(t, s.StopAndSubmit())
	require.Equal(t, Completed, waitOutcome(t, s).State)

	snap := s.Snapshot()
	snap.Analysis["strategy"] = "guessing"
	snap.Consent.SubjectAge = 3

	again := s.Snapshot()
	assert.Equal(t, "elimination", again.Analysis["strategy"])
	assert.Equal(t, 25, again.Consent.SubjectAge)
}

func TestSubmissionTimesOutAfterOneRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Transcription.TimeoutMS = 50
	client := transcription.NewMockClient(transcription.Reply{Delay: time.Hour})
	h := newHarness(t, cfg, nil, client, nil)

	s := startRecording(t, h, "student-1")
	for _, seg := range []string{"a", "b", "c"} {
		require.True(t, h.device.Emit(capture.Segment(seg)))
	}
	require.NoError(t, s.StopAndSubmit())

	out := waitOutcome(t, s)
	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, transcription.ErrTimeout)
	assert.Len(t, client.Calls(), 2)
	assert.Equal(t, 1, h.device.Released())
	assert.Equal(t, "Processing failed, please try again.", s.Snapshot().LastError.Message)
}

func TestRetryRecoversFromNetworkFailure(t *testing.T) {
	client := transcription.NewMockClient(
		transcription.Reply{Err: errkind.New(errkind.NetworkFailure, "connection reset")},
		transcription.Reply{Result: transcription.Result{Text: "first I added the tens", Confidence: 0.9}},
	)
	h := newHarness(t, testConfig(), nil, client, nil)

	s := startRecording(t, h, "student-1")
	h.device.Emit(capture.Segment("ab"))
	require.NoError(t, s.StopAndSubmit())

	out := waitOutcome(t, s)
	require.Equal(t, Completed, out.State)
	assert.Len(t, client.Calls(), 2)
	snap := s.Snapshot()
	assert.Equal(t, "first I added the tens", snap.Transcript)
	assert.InDelta(t, 0.9, snap.Confidence, 1e-9)
}

func TestRemoteRejectionIsNotRetried(t *testing.T) {
	client := transcription.NewMockClient(
		transcription.Reply{Err: errkind.New(errkind.RemoteRejected, "unsupported audio")},
	)
	h := newHarness(t, testConfig(), nil, client, nil)

	s := startRecording(t, h, "student-1")
	h.device.Emit(capture.Segment("ab"))
	require.NoError(t, s.StopAndSubmit())

	out := waitOutcome(t, s)
	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, transcription.ErrRemoteRejected)
	assert.Len(t, client.Calls(), 1)
}

func TestCancelWhileRecordingReleasesDevice(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)
	s := startRecording(t, h, "student-1")
	h.device.Emit(capture.Segment("ab"))

	require.NoError(t, s.Cancel())
	out := waitOutcome(t, s)
	assert.Equal(t, Cancelled, out.State)
	assert.ErrorIs(t, out.Err, ErrCancelled)
	assert.Equal(t, 1, h.device.Released())
	assert.Empty(t, h.client.Calls())

	assert.NoError(t, s.Cancel())
	assert.NoError(t, s.StopAndSubmit())
	assert.ErrorIs(t, s.Pause(), ErrInvalidTransition)
}

func TestCancelWhileSubmittingDiscardsResult(t *testing.T) {
	client := transcription.NewMockClient(transcription.Reply{Delay: time.Hour})
	h := newHarness(t, testConfig(), nil, client, nil)
	s := startRecording(t, h, "student-1")
	h.device.Emit(capture.Segment("ab"))
	require.NoError(t, s.StopAndSubmit())
	require.Eventually(t, func() bool { return len(client.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel())
	out := waitOutcome(t, s)
	assert.Equal(t, Cancelled, out.State)
	assert.Nil(t, out.Result)
}

func TestDeviceFaultsReleaseEverything(t *testing.T) {
	unavailable := errkind.New(errkind.DeviceUnavailable, "unplugged")
	cases := []struct {
		name   string
		faults mock.Faults
		drive  func(t *testing.T, s *Session)
		kind   errkind.Kind
	}{
		{
			name:   "acquire",
			faults: mock.Faults{Acquire: errkind.New(errkind.PermissionDenied, "user said no")},
			kind:   errkind.PermissionDenied,
		},
		{
			name:   "start",
			faults: mock.Faults{Start: unavailable},
			kind:   errkind.DeviceUnavailable,
		},
		{
			name:   "pause",
			faults: mock.Faults{Pause: unavailable},
			drive: func(t *testing.T, s *Session) {
				assert.ErrorIs(t, s.Pause(), capture.ErrDeviceUnavailable)
			},
			kind: errkind.DeviceUnavailable,
		},
		{
			name:   "stop",
			faults: mock.Faults{Stop: unavailable},
			drive: func(t *testing.T, s *Session) {
				assert.Error(t, s.StopAndSubmit())
			},
			kind: errkind.DeviceUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dev := mock.New(mock.Options{Faults: tc.faults})
			h := newHarness(t, testConfig(), dev, nil, nil)

			s, err := h.mgr.Start(context.Background(), StartRequest{Context: quizContext("student-1"), Consent: adult()})
			if tc.drive != nil {
				require.NoError(t, err)
				dev.Emit(capture.Segment("ab"))
				tc.drive(t, s)
			} else {
				require.Error(t, err)
				assert.Equal(t, tc.kind, errkind.Of(err))
			}

			out := waitOutcome(t, s)
			assert.Equal(t, Failed, out.State)
			assert.Equal(t, tc.kind, errkind.Of(out.Err))
			assert.Equal(t, dev.Acquired(), dev.Released())
			assert.Empty(t, h.client.Calls())
		})
	}
}

func TestPermissionDeniedMessage(t *testing.T) {
	dev := mock.New(mock.Options{Faults: mock.Faults{Acquire: capture.ErrPermissionDenied}})
	h := newHarness(t, testConfig(), dev, nil, nil)

	s, err := h.mgr.Start(context.Background(), StartRequest{Context: quizContext("student-1"), Consent: adult()})
	require.ErrorIs(t, err, capture.ErrPermissionDenied)
	waitOutcome(t, s)
	assert.Equal(t,
		"Microphone permission was denied. Please allow microphone access and try again.",
		s.Snapshot().LastError.Message)
}

func TestDeviceReleasedBeforeErrorEvent(t *testing.T) {
	dev := mock.New(mock.Options{})
	h := newHarness(t, testConfig(), dev, transcription.NewMockClient(
		transcription.Reply{Err: errkind.New(errkind.RemoteRejected, "bad audio")},
	), nil)
	s := startRecording(t, h, "student-1")
	dev.Emit(capture.Segment("ab"))
	require.NoError(t, s.StopAndSubmit())

	var sawError bool
	for ev := range s.Events() {
		if ev.Type == EventError {
			sawError = true
			assert.Equal(t, 1, dev.Released(), "device must be free when the error is reported")
			assert.Equal(t, errkind.RemoteRejected, ev.Error.Kind)
		}
	}
	assert.True(t, sawError)
}

func TestFailedStartReleasesBeforeErrorEvent(t *testing.T) {
	dev := mock.New(mock.Options{Faults: mock.Faults{Start: errkind.New(errkind.DeviceUnavailable, "gone")}})
	h := newHarness(t, testConfig(), dev, nil, nil)

	s, err := h.mgr.Start(context.Background(), StartRequest{Context: quizContext("student-1"), Consent: adult()})
	require.Error(t, err)
	for ev := range s.Events() {
		if ev.Type == EventError {
			assert.Equal(t, 1, dev.Released())
		}
	}
}

func TestStopAndSubmitIsIdempotent(t *testing.T) {
	client := transcription.NewMockClient(transcription.Reply{Delay: 50 * time.Millisecond, Result: transcription.Result{Text: "ok", Confidence: 1}})
	h := newHarness(t, testConfig(), nil, client, nil)
	s := startRecording(t, h, "student-1")
	h.device.Emit(capture.Segment("ab"))

	require.NoError(t, s.StopAndSubmit())
	require.NoError(t, s.StopAndSubmit())
	out := waitOutcome(t, s)
	assert.Equal(t, Completed, out.State)
	assert.NoError(t, s.StopAndSubmit())
	assert.Len(t, client.Calls(), 1)
}

func TestInvalidTransitionKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)
	s := startRecording(t, h, "student-1")

	assert.ErrorIs(t, s.Resume(), ErrInvalidTransition)
	assert.Equal(t, Recording, s.State())

	require.NoError(t, s.Pause())
	assert.ErrorIs(t, s.Pause(), ErrInvalidTransition)
	assert.Equal(t, Paused, s.State())
	assert.ErrorIs(t, s.ProvideConsent(context.Background(), *adult()), ErrInvalidTransition)

	require.NoError(t, s.Resume())
	h.device.Emit(capture.Segment("ab"))
	require.NoError(t, s.StopAndSubmit())
	assert.Equal(t, Completed, waitOutcome(t, s).State)
}

func TestEmptyCaptureFails(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)
	s := startRecording(t, h, "student-1")

	err := s.StopAndSubmit()
	assert.ErrorIs(t, err, audio.ErrEmptyCapture)
	out := waitOutcome(t, s)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, "No audio was recorded. Please try again.", s.Snapshot().LastError.Message)
	assert.Empty(t, h.client.Calls())
	assert.Equal(t, 1, h.device.Released())
}

func TestFinalSegmentsFromStopAreKept(t *testing.T) {
	dev := mock.New(mock.Options{Final: []capture.Segment{capture.Segment("yz")}})
	h := newHarness(t, testConfig(), dev, nil, nil)
	s := startRecording(t, h, "student-1")
	dev.Emit(capture.Segment("wx"))
	require.NoError(t, s.StopAndSubmit())
	require.Equal(t, Completed, waitOutcome(t, s).State)

	pcm, err := h.client.Submissions()[0].Buffer.Decode()
	require.NoError(t, err)
	assert.Equal(t, "wxyz", string(pcm))
}

func TestSegmentsFlushedDuringStopAreKept(t *testing.T) {
	cfg := testConfig()
	cfg.Session.SegmentQueueSize = 2
	dev := mock.New(mock.Options{Flush: []capture.Segment{
		capture.Segment("b"), capture.Segment("c"), capture.Segment("d"),
		capture.Segment("e"), capture.Segment("f"),
	}})
	h := newHarness(t, cfg, dev, nil, nil)
	s := startRecording(t, h, "student-1")
	dev.Emit(capture.Segment("a"))

	err := s.StopAndSubmit()
	out := waitOutcome(t, s)
	if out.State == Failed {
		// the device may outrun the loop, but never silently
		assert.ErrorIs(t, err, ErrOverrun)
		assert.ErrorIs(t, out.Err, ErrOverrun)
		assert.Empty(t, h.client.Calls())
		return
	}
	require.NoError(t, err)
	require.Equal(t, Completed, out.State)
	pcm, err := h.client.Submissions()[0].Buffer.Decode()
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(pcm))
}

func TestSegmentsFlushedDuringStopFitTheQueue(t *testing.T) {
	dev := mock.New(mock.Options{
		Flush: []capture.Segment{capture.Segment("b"), capture.Segment("c"), capture.Segment("d")},
		Final: []capture.Segment{capture.Segment("e")},
	})
	h := newHarness(t, testConfig(), dev, nil, nil)
	s := startRecording(t, h, "student-1")
	dev.Emit(capture.Segment("a"))

	require.NoError(t, s.StopAndSubmit())
	require.Equal(t, Completed, waitOutcome(t, s).State)
	pcm, err := h.client.Submissions()[0].Buffer.Decode()
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(pcm))
	assert.Equal(t, 1, dev.Released())
}

func TestProvideConsentLater(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)

	s, err := h.mgr.Start(context.Background(), StartRequest{Context: quizContext("student-1")})
	require.NoError(t, err)
	assert.Equal(t, AwaitingConsent, s.State())
	assert.ErrorIs(t, s.Pause(), ErrInvalidTransition)
	assert.ErrorIs(t, s.StopAndSubmit(), ErrInvalidTransition)
	assert.Equal(t, 0, h.device.Acquired())

	err = s.ProvideConsent(context.Background(), ConsentInput{
		SubjectAge:           12,
		GuardianConsentGiven: true,
		GuardianEmail:        "guardian@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, Recording, s.State())

	snap := s.Snapshot()
	require.NotNil(t, snap.Consent)
	assert.Equal(t, "guardian@example.com", snap.Consent.GuardianEmail)
	assert.Equal(t, "student-1", snap.Consent.SubjectID)
}

func TestRejectedConsentLaterFailsSession(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)
	s, err := h.mgr.Start(context.Background(), StartRequest{Context: quizContext("student-1")})
	require.NoError(t, err)

	err = s.ProvideConsent(context.Background(), ConsentInput{SubjectAge: 12, GuardianConsentGiven: true})
	assert.ErrorIs(t, err, consent.ErrGuardianContactMissing)
	assert.Equal(t, Failed, waitOutcome(t, s).State)
	assert.Equal(t, 0, h.device.Acquired())
}

func TestConsentReusedForSameSubject(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)
	minor := &ConsentInput{SubjectAge: 10, GuardianConsentGiven: true, GuardianEmail: "guardian@example.com"}

	first, err := h.mgr.Start(context.Background(), StartRequest{Context: quizContext("student-1"), Consent: minor})
	require.NoError(t, err)
	require.NoError(t, first.Cancel())
	waitOutcome(t, first)

	next := quizContext("student-1")
	next.QuestionID = "q-3"
	second, err := h.mgr.Start(context.Background(), StartRequest{Context: next})
	require.NoError(t, err)
	assert.Equal(t, Recording, second.State())
	require.NoError(t, second.Cancel())
	waitOutcome(t, second)

	h.mgr.ForgetConsent("quiz-3", "student-1")
	third, err := h.mgr.Start(context.Background(), StartRequest{Context: next})
	require.NoError(t, err)
	assert.Equal(t, AwaitingConsent, third.State())
}

func TestOneActiveSessionPerSubject(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)
	s := startRecording(t, h, "student-1")

	_, err := h.mgr.Start(context.Background(), StartRequest{Context: quizContext("student-1"), Consent: adult()})
	assert.ErrorIs(t, err, ErrSessionAlreadyActive)
	assert.Equal(t, "A recording is already in progress.", UserMessage(err))

	other := startRecording(t, h, "student-2")
	require.NoError(t, other.Cancel())

	require.NoError(t, s.Cancel())
	waitOutcome(t, s)
	again := startRecording(t, h, "student-1")
	require.NoError(t, again.Cancel())
}

func TestPausedSessionKeepsCaptureLease(t *testing.T) {
	cfg := testConfig()
	cfg.Lease.TTLSeconds = 1
	h := newHarness(t, cfg, nil, nil, nil)
	s := startRecording(t, h, "student-1")
	require.NoError(t, s.Pause())

	time.Sleep(1500 * time.Millisecond)
	_, err := h.mgr.Start(context.Background(), StartRequest{Context: quizContext("student-1"), Consent: adult()})
	assert.ErrorIs(t, err, ErrSessionAlreadyActive)
	assert.Equal(t, Paused, s.State())
	assert.Equal(t, 1, h.device.Acquired())

	require.NoError(t, s.Cancel())
	waitOutcome(t, s)
	again := startRecording(t, h, "student-1")
	require.NoError(t, again.Cancel())
}

func TestMaxDurationStopsRecording(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MaxDurationS = 1
	h := newHarness(t, cfg, nil, nil, nil)
	s := startRecording(t, h, "student-1")
	h.device.Emit(capture.Segment("ab"))

	out := waitOutcome(t, s)
	assert.Equal(t, Completed, out.State)
	assert.GreaterOrEqual(t, s.Snapshot().Elapsed, time.Second)
}

func TestSegmentOverrunFailsSession(t *testing.T) {
	cfg := testConfig()
	cfg.Session.SegmentQueueSize = 1
	h := newHarness(t, cfg, nil, nil, nil)
	s := startRecording(t, h, "student-1")

	seg := capture.Segment("abcd")
	require.Eventually(t, func() bool {
		for i := 0; i < 1000; i++ {
			h.device.Emit(seg)
		}
		return s.State().Terminal()
	}, 5*time.Second, time.Millisecond)

	out := waitOutcome(t, s)
	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, ErrOverrun)
	assert.Equal(t, 1, h.device.Released())
}

func TestEventsFollowLifecycle(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)
	s := startRecording(t, h, "student-1")
	h.device.Emit(capture.Segment("ab"))
	require.NoError(t, s.StopAndSubmit())
	waitOutcome(t, s)

	var states []State
	var resultBeforeDone bool
	for ev := range s.Events() {
		assert.Equal(t, s.ID(), ev.SessionID)
		switch ev.Type {
		case EventState:
			states = append(states, ev.To)
		case EventResult:
			resultBeforeDone = len(states) > 0 && !states[len(states)-1].Terminal()
		}
	}
	assert.Equal(t, []State{AwaitingConsent, Ready, Recording, Finalizing, Submitting, Completed}, states)
	assert.True(t, resultBeforeDone)
}

func TestStartCancelledByCaller(t *testing.T) {
	dev := mock.New(mock.Options{AcquireDelay: time.Hour})
	h := newHarness(t, testConfig(), dev, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s, err := h.mgr.Start(ctx, StartRequest{Context: quizContext("student-1"), Consent: adult()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	out := waitOutcome(t, s)
	assert.Equal(t, Cancelled, out.State)
	assert.Equal(t, 0, dev.Acquired())
}

func TestStartRequiresAssessment(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil)
	_, err := h.mgr.Start(context.Background(), StartRequest{Context: Context{SubjectID: "student-1"}, Consent: adult()})
	assert.Error(t, err)
}

func TestManagerCloseCancelsSessions(t *testing.T) {
	dev := mock.New(mock.Options{})
	mgr, err := NewManager(context.Background(), Options{
		Config: testConfig(),
		Device: dev,
		Client: transcription.NewMockClient(),
		Logger: newLogger(),
	})
	require.NoError(t, err)

	s, err := mgr.Start(context.Background(), StartRequest{Context: quizContext("student-1"), Consent: adult()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Close(ctx))
	assert.Equal(t, Cancelled, s.State())
	assert.Equal(t, 1, dev.Released())
	_, ok := mgr.Get(s.ID())
	assert.False(t, ok)

	_, err = mgr.Start(context.Background(), StartRequest{Context: quizContext("student-2"), Consent: adult()})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestStoreRecordsTimelineAndConsent(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "capture.db"),
		RetentionMode: "session",
	}, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, testConfig(), nil, nil, store)
	minor := &ConsentInput{SubjectAge: 11, GuardianConsentGiven: true, GuardianEmail: "guardian@example.com"}
	s, err := h.mgr.Start(context.Background(), StartRequest{Context: quizContext("student-1"), Consent: minor})
	require.NoError(t, err)
	h.device.Emit(capture.Segment("ab"))
	require.NoError(t, s.StopAndSubmit())
	require.Equal(t, Completed, waitOutcome(t, s).State)

	events, err := store.ListSessionEvents(context.Background(), s.ID(), 100)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, eventstore.TypeState)
	assert.Contains(t, types, eventstore.TypeResult)
	assert.Equal(t, eventstore.TypeState, types[len(types)-1])

	rec, found, err := store.LatestConsent(context.Background(), "quiz-3", "student-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 11, rec.SubjectAge)
	assert.Equal(t, s.ID(), rec.SessionID)

	// a fresh manager picks the decision up from the store
	fresh := newHarness(t, testConfig(), nil, nil, store)
	again, err := fresh.mgr.Start(context.Background(), StartRequest{Context: quizContext("student-1")})
	require.NoError(t, err)
	assert.Equal(t, Recording, again.State())
}

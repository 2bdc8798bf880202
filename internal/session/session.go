package session

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/consent"
	"github.com/loqalabs/loqa-capture/internal/errkind"
	"github.com/loqalabs/loqa-capture/internal/transcription"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ConsentInput carries the answers to the consent prompt.
type ConsentInput struct {
	SubjectAge           int    `json:"subject_age"`
	GuardianConsentGiven bool   `json:"guardian_consent_given"`
	GuardianEmail        string `json:"guardian_email,omitempty"`
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdConsent
	cmdPause
	cmdResume
	cmdStop
	cmdCancel
)

type command struct {
	kind     commandKind
	consent  *ConsentInput
	attached *consent.Record
	reply    chan error
}

type acquireDone struct {
	token  uint64
	handle capture.Handle
	err    error
}

type submitDone struct {
	token  uint64
	result transcription.Result
	err    error
}

type hooks struct {
	onConsent func(*Session, consent.Record)
	onEvent   func(*Session, Event)
	onExit    func(*Session)
}

type deps struct {
	gate    *consent.Gate
	device  capture.Device
	client  transcription.Client
	cfg     config.Config
	metrics *metrics
	hooks   hooks
}

// Session is one think-aloud recording. All state is owned by the run
// goroutine; the exported methods post commands to its mailbox.
type Session struct {
	id   string
	sctx Context
	deps deps
	log  *slog.Logger

	mailbox  chan command
	segments chan capture.Segment
	overrun  chan struct{}
	internal chan any
	events   *emitter
	done     chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.RWMutex
	snap    Snapshot
	outcome Outcome

	// owned by run
	state     State
	handle    *capture.Handle
	released  bool
	assembler *audio.Assembler
	token     uint64
	pending   int
	opCancel  context.CancelFunc
	waiter    chan error
	ticker    *time.Ticker
	recStart  time.Time
	recorded  time.Duration
}

func newSession(parent context.Context, id string, sctx Context, d deps, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	sc := d.cfg.Session
	s := &Session{
		id:        id,
		sctx:      sctx,
		deps:      d,
		log:       log.With(slog.String("session_id", id)),
		mailbox:   make(chan command, sc.MailboxSize),
		segments:  make(chan capture.Segment, sc.SegmentQueueSize),
		overrun:   make(chan struct{}, 1),
		internal:  make(chan any, 2),
		events:    newEmitter(sc.EventBuffer),
		done:      make(chan struct{}),
		runCtx:    ctx,
		runCancel: cancel,
		state:     Idle,
	}
	s.snap = Snapshot{ID: id, Context: sctx, State: Idle, StartedAt: time.Now().UTC()}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Context() Context { return s.sctx }

// Events delivers state changes, levels, elapsed time and the outcome. The
// channel is closed after the session ends.
func (s *Session) Events() <-chan Event { return s.events.out }

// Done is closed once the session has ended and released everything it held.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.State
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	if snap.Consent != nil {
		rec := *snap.Consent
		snap.Consent = &rec
	}
	snap.Analysis = maps.Clone(snap.Analysis)
	return snap
}

// Wait blocks until the session has ended.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// ProvideConsent answers the consent prompt of a session awaiting it and
// waits until recording starts or the session fails.
func (s *Session) ProvideConsent(ctx context.Context, in ConsentInput) error {
	return s.call(ctx, command{kind: cmdConsent, consent: &in})
}

func (s *Session) Pause() error {
	return s.call(context.Background(), command{kind: cmdPause})
}

func (s *Session) Resume() error {
	return s.call(context.Background(), command{kind: cmdResume})
}

// StopAndSubmit ends the recording and hands it to the transcription
// service. It is a no-op once the session has left Recording and Paused.
func (s *Session) StopAndSubmit() error {
	return s.call(context.Background(), command{kind: cmdStop})
}

// Cancel abandons the session from any non-terminal state.
func (s *Session) Cancel() error {
	return s.call(context.Background(), command{kind: cmdCancel})
}

func (s *Session) call(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.mailbox <- cmd:
	case <-s.done:
		return s.afterExit(cmd.kind)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return s.afterExit(cmd.kind)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) afterExit(kind commandKind) error {
	if kind == cmdStop || kind == cmdCancel {
		return nil
	}
	return errkind.New(errkind.InvalidTransition, "session is %s", s.State())
}

func (s *Session) run() {
	defer s.exit()
	for !s.state.Terminal() || s.pending > 0 {
		select {
		case cmd := <-s.mailbox:
			s.dispatch(cmd)
		case seg := <-s.segments:
			s.onSegment(seg)
		case <-s.overrun:
			if s.state.Capturing() {
				s.fail(errkind.New(errkind.Overrun, "segment queue full"))
			}
		case msg := <-s.internal:
			switch m := msg.(type) {
			case acquireDone:
				s.onAcquired(m)
			case submitDone:
				s.onSubmitted(m)
			}
		case <-s.tickC():
			s.onTick()
		}
	}
}

func (s *Session) exit() {
	s.stopClock()
	s.releaseDevice()
	s.runCancel()
	if s.deps.hooks.onExit != nil {
		s.deps.hooks.onExit(s)
	}
	s.events.close()
	close(s.done)
}

func (s *Session) dispatch(cmd command) {
	switch cmd.kind {
	case cmdStart:
		s.begin(cmd)
	case cmdConsent:
		if s.state != AwaitingConsent {
			cmd.reply <- s.invalid("provide consent")
			return
		}
		s.waiter = cmd.reply
		s.evaluate(*cmd.consent)
	case cmdPause:
		cmd.reply <- s.pause()
	case cmdResume:
		cmd.reply <- s.resume()
	case cmdStop:
		cmd.reply <- s.stop()
	case cmdCancel:
		cmd.reply <- s.cancel()
	}
}

func (s *Session) begin(cmd command) {
	if s.state != Idle {
		cmd.reply <- s.invalid("start")
		return
	}
	s.waiter = cmd.reply
	if rec := cmd.attached; rec != nil && rec.Authorizes(s.deps.cfg.Consent.MajorityAge) {
		s.setConsent(*rec)
		s.transition(Ready)
		s.acquire()
		return
	}
	s.transition(AwaitingConsent)
	if cmd.consent == nil {
		s.settle(nil)
		return
	}
	s.evaluate(*cmd.consent)
}

func (s *Session) evaluate(in ConsentInput) {
	rec, err := s.deps.gate.Evaluate(in.SubjectAge, in.GuardianConsentGiven, in.GuardianEmail)
	if err != nil {
		s.fail(err)
		return
	}
	rec.SubjectID = s.sctx.SubjectID
	s.setConsent(rec)
	if s.deps.hooks.onConsent != nil {
		s.deps.hooks.onConsent(s, rec)
	}
	s.transition(Ready)
	s.acquire()
}

func (s *Session) setConsent(rec consent.Record) {
	s.mu.Lock()
	s.snap.Consent = &rec
	s.mu.Unlock()
}

// settle answers the caller waiting for start or consent.
func (s *Session) settle(err error) {
	if s.waiter != nil {
		s.waiter <- err
		s.waiter = nil
	}
}

func (s *Session) acquire() {
	s.token++
	token := s.token
	ctx, cancel := context.WithCancel(s.runCtx)
	s.opCancel = cancel
	s.pending++

	cc := s.deps.cfg.Capture
	constraints := capture.Constraints{
		Key:              s.sctx.CaptureKey(),
		SampleRate:       cc.SampleRate,
		Channels:         cc.Channels,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
	go func() {
		h, err := s.deps.device.Acquire(ctx, constraints)
		s.internal <- acquireDone{token: token, handle: h, err: err}
	}()
}

func (s *Session) onAcquired(m acquireDone) {
	s.pending--
	if m.token != s.token || s.state != Ready {
		if m.err == nil {
			// acquired after the session moved on
			if err := s.deps.device.Release(m.handle); err != nil {
				s.log.Warn("release late device handle failed", slogError(err))
			}
		}
		return
	}
	s.clearOp()
	if m.err != nil {
		s.fail(m.err)
		return
	}
	h := m.handle
	s.handle = &h
	s.assembler = audio.NewAssembler(audio.Spec{
		Format:     audio.Format(s.deps.cfg.Audio.Format),
		SampleRate: s.deps.cfg.Capture.SampleRate,
		Channels:   s.deps.cfg.Capture.Channels,
	})
	if err := s.deps.device.Start(h, s.deliver); err != nil {
		s.fail(err)
		return
	}
	s.startClock()
	s.transition(Recording)
	s.settle(nil)
}

// deliver runs on the device goroutine.
func (s *Session) deliver(seg capture.Segment) {
	select {
	case s.segments <- seg:
	default:
		select {
		case s.overrun <- struct{}{}:
		default:
		}
	}
}

func (s *Session) onSegment(seg capture.Segment) {
	if !s.state.Capturing() && s.state != Finalizing {
		return
	}
	if err := s.assembler.Append(seg); err != nil {
		s.fail(err)
		return
	}
	s.mu.Lock()
	s.snap.Segments = s.assembler.Segments()
	s.snap.Bytes = s.assembler.Size()
	s.mu.Unlock()
	s.emit(Event{Type: EventAudioLevel, Level: audio.Level(seg)})
}

func (s *Session) drainSegments() {
	for {
		select {
		case seg := <-s.segments:
			s.onSegment(seg)
		default:
			return
		}
	}
}

func (s *Session) invalid(op string) error {
	return errkind.New(errkind.InvalidTransition, "cannot %s while %s", op, s.state)
}

// deviceError fails the session unless err only reports a misuse.
func (s *Session) deviceError(err error) error {
	if errkind.Of(err) != errkind.InvalidTransition {
		s.fail(err)
	}
	return err
}

func (s *Session) pause() error {
	if s.state != Recording {
		return s.invalid("pause")
	}
	if err := s.deps.device.Pause(*s.handle); err != nil {
		return s.deviceError(err)
	}
	s.stopClock()
	s.transition(Paused)
	return nil
}

func (s *Session) resume() error {
	if s.state != Paused {
		return s.invalid("resume")
	}
	if err := s.deps.device.Resume(*s.handle); err != nil {
		return s.deviceError(err)
	}
	s.startClock()
	s.transition(Recording)
	return nil
}

func (s *Session) stop() error {
	switch {
	case s.state.Capturing():
		return s.finalize()
	case s.state == Finalizing, s.state == Submitting, s.state.Terminal():
		return nil
	}
	return s.invalid("stop")
}

func (s *Session) finalize() error {
	s.stopClock()
	s.transition(Finalizing)

	s.drainSegments()
	flushed, final, err := s.stopDevice()
	s.releaseDevice()
	if err != nil {
		s.fail(err)
		return err
	}
	select {
	case <-s.overrun:
		err := errkind.New(errkind.Overrun, "segment queue full while stopping")
		s.fail(err)
		return err
	default:
	}
	for _, seg := range append(flushed, final...) {
		s.onSegment(seg)
	}
	if s.state != Finalizing {
		return nil
	}

	buf, err := s.assembler.Finalize()
	if err != nil {
		s.fail(err)
		return err
	}
	s.transition(Submitting)
	s.submit(buf)
	return nil
}

// stopDevice pulls the segment queue while the device flushes its tail
// through the callback.
func (s *Session) stopDevice() (flushed, final []capture.Segment, err error) {
	type stopped struct {
		final []capture.Segment
		err   error
	}
	result := make(chan stopped, 1)
	h := *s.handle
	go func() {
		final, err := s.deps.device.Stop(h)
		result <- stopped{final: final, err: err}
	}()
	for {
		select {
		case seg := <-s.segments:
			flushed = append(flushed, seg)
		case r := <-result:
			for {
				select {
				case seg := <-s.segments:
					flushed = append(flushed, seg)
				default:
					return flushed, r.final, r.err
				}
			}
		}
	}
}

func (s *Session) submit(buf audio.EncodedBuffer) {
	s.token++
	token := s.token
	ctx, cancel := context.WithCancel(s.runCtx)
	s.opCancel = cancel
	s.pending++

	tc := s.deps.cfg.Transcription
	meta := transcription.Metadata{
		SessionID:    s.id,
		SubjectID:    s.sctx.SubjectID,
		AssessmentID: s.sctx.AssessmentID,
		QuestionID:   s.sctx.QuestionID,
		Language:     tc.Language,
		PromptHint:   tc.PromptHint,
	}
	go func() {
		res, err := s.transcribe(ctx, buf, meta)
		s.internal <- submitDone{token: token, result: res, err: err}
	}()
}

// transcribe runs outside the loop and only reads immutable session fields.
func (s *Session) transcribe(ctx context.Context, buf audio.EncodedBuffer, meta transcription.Metadata) (transcription.Result, error) {
	ctx, span := otel.Tracer("loqa-capture/session").Start(ctx, "session.submit",
		trace.WithAttributes(attribute.String("session.id", s.id)))
	defer span.End()

	tc := s.deps.cfg.Transcription
	started := time.Now()
	attempts := 0
	op := func() (transcription.Result, error) {
		attempts++
		s.deps.metrics.submitAttempts.Add(ctx, 1)
		res, err := s.deps.client.Submit(ctx, buf, meta, tc.Timeout())
		if err != nil && !errkind.Of(err).Retryable() {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(tc.RetryBackoff())),
		backoff.WithMaxTries(uint(tc.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.log.Warn("transcription attempt failed, retrying", slogError(err), slog.Duration("backoff", wait))
		}))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	s.deps.metrics.submitDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	span.SetAttributes(attribute.Int("submit.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errkind.Of(err)))
	}
	return res, err
}

func (s *Session) onSubmitted(m submitDone) {
	s.pending--
	if m.token != s.token || s.state != Submitting {
		return
	}
	s.clearOp()
	if m.err != nil {
		s.fail(m.err)
		return
	}
	res := m.result
	s.mu.Lock()
	s.snap.Transcript = res.Text
	s.snap.Confidence = res.Confidence
	s.snap.Analysis = res.Analysis
	s.mu.Unlock()
	s.finish(Completed, &res, nil)
}

func (s *Session) cancel() error {
	if s.state.Terminal() {
		return nil
	}
	err := errkind.New(errkind.Cancelled, "cancelled by caller")
	s.abandon()
	s.finish(Cancelled, nil, err)
	s.settle(err)
	return nil
}

func (s *Session) fail(err error) {
	if s.state.Terminal() {
		return
	}
	s.abandon()
	s.finish(Failed, nil, err)
	s.settle(err)
}

// abandon stops everything in flight and frees the device before any
// terminal event goes out.
func (s *Session) abandon() {
	s.token++
	if s.opCancel != nil {
		s.opCancel()
		s.opCancel = nil
	}
	s.stopClock()
	s.releaseDevice()
}

func (s *Session) clearOp() {
	if s.opCancel != nil {
		s.opCancel()
		s.opCancel = nil
	}
}

func (s *Session) finish(state State, res *transcription.Result, err error) {
	s.mu.Lock()
	if state == Failed {
		s.snap.LastError = errorInfo(err)
	}
	s.outcome = Outcome{State: state, Result: res, Err: err}
	s.mu.Unlock()

	switch {
	case state == Failed:
		s.log.Warn("session failed", slogError(err))
		s.emit(Event{Type: EventError, Error: errorInfo(err)})
	case res != nil:
		s.emit(Event{Type: EventResult, Result: res})
	}
	s.transition(state)
	s.deps.metrics.terminal(s.runCtx, state, err)
}

func (s *Session) transition(to State) {
	from := s.state
	s.state = to
	s.mu.Lock()
	s.snap.State = to
	s.mu.Unlock()
	s.log.Debug("session transition", slog.String("from", string(from)), slog.String("to", string(to)))
	s.emit(Event{Type: EventState, From: from, To: to})
}

func (s *Session) emit(ev Event) {
	ev.SessionID = s.id
	ev.At = time.Now().UTC()
	s.events.emit(ev)
	if ev.critical() && s.deps.hooks.onEvent != nil {
		s.deps.hooks.onEvent(s, ev)
	}
}

func (s *Session) releaseDevice() {
	if s.handle == nil || s.released {
		return
	}
	s.released = true
	if err := s.deps.device.Release(*s.handle); err != nil {
		s.log.Warn("device release failed", slogError(err))
	}
}

func (s *Session) tickC() <-chan time.Time {
	if s.ticker == nil {
		return nil
	}
	return s.ticker.C
}

func (s *Session) startClock() {
	s.recStart = time.Now()
	s.ticker = time.NewTicker(s.deps.cfg.Session.Tick())
}

func (s *Session) stopClock() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	s.recorded += time.Since(s.recStart)
	s.mu.Lock()
	s.snap.Elapsed = s.recorded
	s.mu.Unlock()
}

func (s *Session) onTick() {
	elapsed := s.recorded + time.Since(s.recStart)
	s.mu.Lock()
	s.snap.Elapsed = elapsed
	s.mu.Unlock()
	s.emit(Event{Type: EventElapsed, Elapsed: elapsed.Seconds()})

	if limit := s.deps.cfg.Session.MaxDuration(); limit > 0 && elapsed >= limit {
		s.log.Info("maximum recording duration reached", slog.Duration("limit", limit))
		_ = s.finalize()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

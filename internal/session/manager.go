package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/consent"
	"github.com/loqalabs/loqa-capture/internal/errkind"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/lease"
	"github.com/loqalabs/loqa-capture/internal/transcription"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const storeTimeout = 2 * time.Second

type Options struct {
	Config config.Config
	Device capture.Device
	Client transcription.Client
	// Gate defaults to one built from Config.Consent.
	Gate *consent.Gate
	// Locker defaults to an in-process locker.
	Locker lease.Locker
	// Store is optional; without it nothing is persisted.
	Store  *eventstore.Store
	Meter  metric.Meter
	Logger *slog.Logger
}

// StartRequest opens a session for ctx. Consent may be left nil when the
// caller answers the prompt later with ProvideConsent.
type StartRequest struct {
	Context Context
	Consent *ConsentInput
}

// Manager creates sessions and holds what outlives them: capture leases and
// the consent decisions already made in this process.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    Options
	log     *slog.Logger
	metrics *metrics

	mu       sync.Mutex
	sessions map[string]*Session
	consents map[consentKey]consent.Record
	wg       sync.WaitGroup
}

func NewManager(parent context.Context, opts Options) (*Manager, error) {
	if opts.Device == nil {
		return nil, errors.New("session manager requires a capture device")
	}
	if opts.Client == nil {
		return nil, errors.New("session manager requires a transcription client")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gate == nil {
		opts.Gate = consent.NewGate(opts.Config.Consent)
	}
	if opts.Locker == nil {
		opts.Locker = lease.NewLocal()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("loqa-capture/session")
	}

	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "session")),
		sessions: make(map[string]*Session),
		consents: make(map[consentKey]consent.Record),
	}
	met, err := newMetrics(opts.Meter, m.active)
	if err != nil {
		cancel()
		return nil, err
	}
	m.metrics = met
	return m, nil
}

// Start opens a session and returns once it is recording, waiting for
// consent, or has failed. The session is returned alongside any consent or
// device error so callers can inspect its snapshot.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	sctx := req.Context
	if strings.TrimSpace(sctx.AssessmentID) == "" {
		return nil, errkind.New(errkind.Internal, "assessment id is required")
	}
	if err := m.ctx.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Cancelled, err, "session manager closed")
	}

	id := uuid.NewString()
	held, err := m.opts.Locker.Acquire(ctx, sctx.CaptureKey(), id, m.opts.Config.Lease.TTL())
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, err
		}
		return nil, errkind.Wrap(errkind.Internal, err, "acquire capture lease")
	}

	if m.opts.Store != nil {
		sctxStore, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := m.opts.Store.AppendSession(sctxStore, id, sctx.SubjectID, "session"); err != nil {
			m.log.Warn("failed to record session", slog.String("session_id", id), slog.String("error", err.Error()))
		}
		cancel()
	}

	s := newSession(m.ctx, id, sctx, deps{
		gate:    m.opts.Gate,
		device:  m.opts.Device,
		client:  m.opts.Client,
		cfg:     m.opts.Config,
		metrics: m.metrics,
		hooks: hooks{
			onConsent: m.rememberConsent,
			onEvent:   m.persist,
			onExit: func(s *Session) {
				m.forget(s)
				releaseCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
				defer cancel()
				if err := held.Release(releaseCtx); err != nil {
					m.log.Warn("failed to release capture lease", slog.String("key", held.Key()), slog.String("error", err.Error()))
				}
			},
		},
	}, m.log)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.metrics.started.Add(m.ctx, 1)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		s.run()
	}()
	go func() {
		defer m.wg.Done()
		m.keepAlive(s, held)
	}()

	m.log.Info("session started",
		slog.String("session_id", id),
		slog.String("context_id", sctx.ID()),
		slog.String("subject_id", sctx.SubjectID))

	err = s.call(ctx, command{kind: cmdStart, consent: req.Consent, attached: m.attachedConsent(ctx, sctx)})
	if err != nil && ctx.Err() != nil {
		_ = s.Cancel()
	}
	return s, err
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ForgetConsent drops the cached decision so the next session for the
// subject prompts again.
func (m *Manager) ForgetConsent(assessmentID, subjectID string) {
	m.mu.Lock()
	delete(m.consents, consentKey{assessmentID: assessmentID, subjectID: subjectID})
	m.mu.Unlock()
}

// Close cancels every live session and waits for them to release their
// devices and leases.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		_ = s.Cancel()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// keepAlive renews the capture lease until the session ends. Paused and
// waiting sessions have no recording clock, so the lease TTL only bounds how
// long a crashed process keeps the key.
func (m *Manager) keepAlive(s *Session, held lease.Lease) {
	ttl := m.opts.Config.Lease.TTL()
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := held.Renew(ctx, ttl)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, lease.ErrHeld):
			select {
			case <-s.done:
			default:
				m.log.Error("capture lease lost", slog.String("session_id", s.id), slog.String("key", held.Key()))
			}
			return
		default:
			m.log.Warn("failed to renew capture lease", slog.String("session_id", s.id), slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) active() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sessions))
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
}

// attachedConsent finds an earlier approval for the same subject and
// assessment, first in memory, then in the store.
func (m *Manager) attachedConsent(ctx context.Context, sctx Context) *consent.Record {
	if strings.TrimSpace(sctx.SubjectID) == "" {
		return nil
	}
	m.mu.Lock()
	rec, ok := m.consents[sctx.consentKey()]
	m.mu.Unlock()
	if ok {
		return &rec
	}
	if m.opts.Store == nil {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	stored, found, err := m.opts.Store.LatestConsent(lookupCtx, sctx.AssessmentID, sctx.SubjectID)
	if err != nil {
		m.log.Warn("consent lookup failed", slog.String("subject_id", sctx.SubjectID), slog.String("error", err.Error()))
		return nil
	}
	if !found {
		return nil
	}
	rec = consent.Record{
		SubjectID:            stored.SubjectID,
		SubjectAge:           stored.SubjectAge,
		GuardianConsentGiven: stored.GuardianConsentGiven,
		GuardianEmail:        stored.GuardianEmail,
		DecidedAt:            stored.DecidedAt,
	}
	m.mu.Lock()
	m.consents[sctx.consentKey()] = rec
	m.mu.Unlock()
	return &rec
}

func (m *Manager) rememberConsent(s *Session, rec consent.Record) {
	if strings.TrimSpace(s.sctx.SubjectID) != "" {
		m.mu.Lock()
		m.consents[s.sctx.consentKey()] = rec
		m.mu.Unlock()
	}
	if m.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	defer cancel()
	err := m.opts.Store.AppendConsent(ctx, eventstore.ConsentRecord{
		SessionID:            s.id,
		AssessmentID:         s.sctx.AssessmentID,
		SubjectID:            s.sctx.SubjectID,
		SubjectAge:           rec.SubjectAge,
		GuardianConsentGiven: rec.GuardianConsentGiven,
		GuardianEmail:        rec.GuardianEmail,
		DecidedAt:            rec.DecidedAt,
	})
	if err != nil {
		m.log.Warn("failed to record consent", slog.String("session_id", s.id), slog.String("error", err.Error()))
	}
}

// persist writes state changes and outcomes to the timeline.
func (m *Manager) persist(s *Session, ev Event) {
	if m.opts.Store == nil {
		return
	}
	var typ string
	switch ev.Type {
	case EventState:
		typ = eventstore.TypeState
	case EventResult:
		typ = eventstore.TypeResult
	case EventError:
		typ = eventstore.TypeError
	default:
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		m.log.Warn("failed to encode session event", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err = m.opts.Store.AppendEvent(ctx, eventstore.Event{
		SessionID: s.id,
		ActorID:   s.sctx.SubjectID,
		Type:      typ,
		Payload:   payload,
		Privacy:   "session",
		CreatedAt: ev.At,
	})
	if err != nil {
		m.log.Warn("failed to record session event", slog.String("session_id", s.id), slog.String("error", err.Error()))
	}
}

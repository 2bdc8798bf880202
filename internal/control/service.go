// Package control exposes the session manager on the bus: request/reply
// commands on capture.ctl.* and session events on capture.event.<id>.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/errkind"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/session"
	"github.com/nats-io/nats.go"
)

type Service struct {
	mgr    *session.Manager
	bus    *bus.Client
	logger *slog.Logger
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, mgr *session.Manager, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		mgr:    mgr,
		bus:    busClient,
		logger: logger.With(slog.String("component", "control")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	handlers := map[string]func(*nats.Msg){
		protocol.SubjectControlStart:   s.handleStart,
		protocol.SubjectControlConsent: s.sessionHandler(s.consent),
		protocol.SubjectControlPause:   s.sessionHandler(func(_ context.Context, ss *session.Session, _ protocol.SessionRequest) error { return ss.Pause() }),
		protocol.SubjectControlResume:  s.sessionHandler(func(_ context.Context, ss *session.Session, _ protocol.SessionRequest) error { return ss.Resume() }),
		protocol.SubjectControlStop:    s.sessionHandler(func(_ context.Context, ss *session.Session, _ protocol.SessionRequest) error { return ss.StopAndSubmit() }),
		protocol.SubjectControlCancel:  s.sessionHandler(func(_ context.Context, ss *session.Session, _ protocol.SessionRequest) error { return ss.Cancel() }),
		protocol.SubjectControlStatus:  s.sessionHandler(func(context.Context, *session.Session, protocol.SessionRequest) error { return nil }),
	}
	for subject, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, h)
		if err != nil {
			s.drain()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return len(s.subs) > 0 && s.bus.Healthy()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

// Start and consent block until the device answers, so every request runs
// on its own goroutine.
func (s *Service) async(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("control failed to decode start request", slogError(err))
		s.respond(msg, protocol.Reply{Error: &protocol.ErrorBody{Kind: string(errkind.Internal), Message: "malformed request"}})
		return
	}
	s.async(func() {
		ss, err := s.mgr.Start(s.ctx, session.StartRequest{
			Context: session.Context{
				AssessmentID: req.AssessmentID,
				QuestionID:   req.QuestionID,
				SubjectID:    req.SubjectID,
			},
			Consent: consentInput(req.Consent),
		})
		if ss != nil {
			s.forward(ss)
		}
		s.respond(msg, reply(ss, err))
	})
}

type sessionOp func(context.Context, *session.Session, protocol.SessionRequest) error

func (s *Service) sessionHandler(op sessionOp) func(*nats.Msg) {
	return func(msg *nats.Msg) {
		var req protocol.SessionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("control failed to decode session request", slog.String("subject", msg.Subject), slogError(err))
			s.respond(msg, protocol.Reply{Error: &protocol.ErrorBody{Kind: string(errkind.Internal), Message: "malformed request"}})
			return
		}
		ss, ok := s.mgr.Get(req.SessionID)
		if !ok {
			s.respond(msg, protocol.Reply{
				SessionID: req.SessionID,
				Error:     &protocol.ErrorBody{Kind: protocol.ErrorKindUnknownSession, Message: "This recording is no longer active."},
			})
			return
		}
		s.async(func() {
			err := op(s.ctx, ss, req)
			s.respond(msg, reply(ss, err))
		})
	}
}

func (s *Service) consent(ctx context.Context, ss *session.Session, req protocol.SessionRequest) error {
	in := consentInput(req.Consent)
	if in == nil {
		return errkind.New(errkind.InvalidAge, "consent answers missing")
	}
	return ss.ProvideConsent(ctx, *in)
}

// forward publishes every event of ss until its stream closes.
func (s *Service) forward(ss *session.Session) {
	subject := protocol.EventSubject(ss.ID())
	s.async(func() {
		for ev := range ss.Events() {
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("control failed to encode event", slogError(err))
				continue
			}
			out := protocol.SessionEvent{
				SessionID: ev.SessionID,
				Type:      string(ev.Type),
				Timestamp: ev.At,
				Payload:   payload,
			}
			if err := s.bus.PublishJSON(subject, out); err != nil {
				s.logger.Warn("control failed to publish event", slog.String("session_id", ss.ID()), slogError(err))
			}
		}
	})
}

func (s *Service) respond(msg *nats.Msg, r protocol.Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Warn("control failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("control failed to respond", slog.String("subject", msg.Subject), slogError(err))
	}
}

func reply(ss *session.Session, err error) protocol.Reply {
	r := protocol.Reply{OK: err == nil}
	if ss != nil {
		r.SessionID = ss.ID()
		r.State = string(ss.State())
	}
	if err != nil {
		r.Error = &protocol.ErrorBody{
			Kind:    string(errkind.Of(err)),
			Message: session.UserMessage(err),
		}
	}
	return r
}

func consentInput(in *protocol.ConsentInput) *session.ConsentInput {
	if in == nil {
		return nil
	}
	return &session.ConsentInput{
		SubjectAge:           in.SubjectAge,
		GuardianConsentGiven: in.GuardianConsentGiven,
		GuardianEmail:        in.GuardianEmail,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

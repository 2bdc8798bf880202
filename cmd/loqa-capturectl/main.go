package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/consent"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "expected one of: start, consent, pause, resume, stop, cancel, status, events, history, evaluate, consent-status, check, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "start":
		err = runStart(args)
	case "consent":
		err = runConsent(args)
	case "pause":
		err = runSessionOp(protocol.SubjectControlPause, cmd, args)
	case "resume":
		err = runSessionOp(protocol.SubjectControlResume, cmd, args)
	case "stop":
		err = runSessionOp(protocol.SubjectControlStop, cmd, args)
	case "cancel":
		err = runSessionOp(protocol.SubjectControlCancel, cmd, args)
	case "status":
		err = runSessionOp(protocol.SubjectControlStatus, cmd, args)
	case "events":
		err = runEvents(args)
	case "history":
		err = runHistory(args)
	case "evaluate":
		err = runEvaluate(args)
	case "consent-status":
		err = runConsentStatus(args)
	case "check":
		err = runCheck(args)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type common struct {
	configPath string
	timeout    time.Duration
}

func newFlags(name string) (*flag.FlagSet, *common) {
	var c common
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&c.configPath, "config", "loqa-capture.yaml", "Path to configuration file")
	fs.DurationVar(&c.timeout, "timeout", 45*time.Second, "How long to wait for the daemon")
	return fs, &c
}

func consentFlags(fs *flag.FlagSet) func() *protocol.ConsentInput {
	age := fs.Int("age", 0, "Subject age; omit to answer the consent prompt later")
	given := fs.Bool("guardian-consent", false, "Guardian approved recording")
	email := fs.String("guardian-email", "", "Guardian contact email")
	return func() *protocol.ConsentInput {
		if *age == 0 {
			return nil
		}
		return &protocol.ConsentInput{SubjectAge: *age, GuardianConsentGiven: *given, GuardianEmail: *email}
	}
}

func connect(c *common) (*bus.Client, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	busCfg := cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://%s:%d", busCfg.Host, busCfg.Port)}
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(context.Background(), busCfg, log)
}

func request(c *common, subject string, req any) error {
	client, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	var reply protocol.Reply
	if err := client.RequestJSON(ctx, subject, req, &reply); err != nil {
		return fmt.Errorf("%s: %w", subject, err)
	}
	if err := printJSON(reply); err != nil {
		return err
	}
	if !reply.OK && reply.Error != nil {
		return errors.New(reply.Error.Message)
	}
	return nil
}

func parseStart(args []string) (*common, protocol.StartRequest, error) {
	fs, c := newFlags("start")
	assessment := fs.String("assessment", "", "Assessment identifier")
	question := fs.String("question", "", "Question identifier")
	subject := fs.String("subject", "", "Subject identifier")
	consentInput := consentFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, protocol.StartRequest{}, err
	}
	if *assessment == "" {
		return nil, protocol.StartRequest{}, errors.New("-assessment is required")
	}
	return c, protocol.StartRequest{
		AssessmentID: *assessment,
		QuestionID:   *question,
		SubjectID:    *subject,
		Consent:      consentInput(),
	}, nil
}

func runStart(args []string) error {
	c, req, err := parseStart(args)
	if err != nil {
		return err
	}
	return request(c, protocol.SubjectControlStart, req)
}

func parseConsent(args []string) (*common, protocol.SessionRequest, error) {
	fs, c := newFlags("consent")
	sessionID := fs.String("session", "", "Session identifier")
	consentInput := consentFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, protocol.SessionRequest{}, err
	}
	in := consentInput()
	if *sessionID == "" || in == nil {
		return nil, protocol.SessionRequest{}, errors.New("-session and -age are required")
	}
	return c, protocol.SessionRequest{SessionID: *sessionID, Consent: in}, nil
}

func runConsent(args []string) error {
	c, req, err := parseConsent(args)
	if err != nil {
		return err
	}
	return request(c, protocol.SubjectControlConsent, req)
}

// parseSession reads the flags shared by every command addressing one session.
func parseSession(name string, args []string, extra func(*flag.FlagSet)) (*common, string, error) {
	fs, c := newFlags(name)
	sessionID := fs.String("session", "", "Session identifier")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if *sessionID == "" {
		return nil, "", errors.New("-session is required")
	}
	return c, *sessionID, nil
}

func runSessionOp(subject, name string, args []string) error {
	c, id, err := parseSession(name, args, nil)
	if err != nil {
		return err
	}
	return request(c, subject, protocol.SessionRequest{SessionID: id})
}

// runEvents prints session events until a terminal state or interrupt.
func runEvents(args []string) error {
	c, sessionID, err := parseSession("events", args, nil)
	if err != nil {
		return err
	}
	client, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Close()

	done := make(chan struct{})
	sub, err := client.Conn().Subscribe(protocol.EventSubject(sessionID), func(msg *nats.Msg) {
		fmt.Println(string(msg.Data))
		var ev struct {
			Type    string `json:"type"`
			Payload struct {
				To string `json:"to"`
			} `json:"payload"`
		}
		if json.Unmarshal(msg.Data, &ev) == nil && ev.Type == "state" {
			switch ev.Payload.To {
			case "completed", "failed", "cancelled":
				close(done)
			}
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// runHistory lists the stored timeline of a session.
func runHistory(args []string) error {
	limit := 100
	c, sessionID, err := parseSession("history", args, func(fs *flag.FlagSet) {
		fs.IntVar(&limit, "limit", limit, "Maximum number of events")
	})
	if err != nil {
		return err
	}
	store, ctx, cancel, err := openStore(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer store.Close()

	events, err := store.ListSessionEvents(ctx, sessionID, limit)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Printf("%s %-16s %s\n", e.CreatedAt.Format(time.RFC3339Nano), e.Type, e.Payload)
	}
	return nil
}

// runEvaluate runs the consent gate locally without starting a session.
func runEvaluate(args []string) error {
	fs, c := newFlags("evaluate")
	consentInput := consentFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	in := consentInput()
	if in == nil {
		return errors.New("-age is required")
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	rec, err := evaluate(cfg, *in)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func evaluate(cfg config.Config, in protocol.ConsentInput) (consent.Record, error) {
	return consent.NewGate(cfg.Consent).Evaluate(in.SubjectAge, in.GuardianConsentGiven, in.GuardianEmail)
}

func openStore(c *common) (*eventstore.Store, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	store, err := eventstore.Open(ctx, cfg.EventStore, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return store, ctx, cancel, nil
}

func runConsentStatus(args []string) error {
	fs, c := newFlags("consent-status")
	assessment := fs.String("assessment", "", "Assessment identifier")
	subject := fs.String("subject", "", "Subject identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *assessment == "" || *subject == "" {
		return errors.New("-assessment and -subject are required")
	}
	store, ctx, cancel, err := openStore(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer store.Close()

	rec, found, err := store.LatestConsent(ctx, *assessment, *subject)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no consent recorded for %s in %s", *subject, *assessment)
	}
	return printJSON(rec)
}

func runCheck(args []string) error {
	fs, c := newFlags("check")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := config.Load(c.configPath); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/capture/exec"
	"github.com/loqalabs/loqa-capture/internal/capture/mock"
	"github.com/loqalabs/loqa-capture/internal/capture/remote"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/control"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/lease"
	"github.com/loqalabs/loqa-capture/internal/natsserver"
	"github.com/loqalabs/loqa-capture/internal/session"
	"github.com/loqalabs/loqa-capture/internal/transcription"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	locker  lease.Locker
	manager *session.Manager
	control *control.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the pipeline up and blocks until ctx is cancelled or a
// server fails, then shuts everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.startPipeline(ctx); err != nil {
		r.stopPipeline()
		return err
	}
	defer r.stopPipeline()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("capture_mode", r.cfg.Capture.Mode),
		slog.String("transcription_mode", r.cfg.Transcription.Mode))

	return g.Wait()
}

func (r *Runtime) startPipeline(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	if err := store.Prune(ctx); err != nil {
		r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
	}

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	device, err := r.newDevice()
	if err != nil {
		return err
	}

	r.locker, err = lease.New(ctx, r.cfg.Lease, r.logger.With(slog.String("component", "lease")))
	if err != nil {
		return fmt.Errorf("lease: %w", err)
	}

	r.manager, err = session.NewManager(ctx, session.Options{
		Config: r.cfg,
		Device: device,
		Client: r.newTranscriber(),
		Locker: r.locker,
		Store:  store,
		Logger: r.logger,
	})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	r.control = control.NewService(ctx, r.manager, r.bus, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("start control service: %w", err)
	}
	return nil
}

func (r *Runtime) newDevice() (capture.Device, error) {
	cc := r.cfg.Capture
	log := r.logger.With(slog.String("component", "capture"))
	switch cc.Mode {
	case "exec":
		return exec.New(cc, log)
	case "bus":
		return remote.New(r.bus, cc, log), nil
	default:
		tone := mock.Tone(cc.SampleRate, cc.Channels, cc.SegmentDuration(), 440, 0.2)
		return mock.New(mock.Options{
			Script:   []capture.Segment{tone},
			Interval: cc.SegmentDuration(),
			Loop:     true,
		}), nil
	}
}

func (r *Runtime) newTranscriber() transcription.Client {
	if r.cfg.Transcription.Mode == "http" {
		return transcription.NewHTTPClient(r.cfg.Transcription, r.logger.With(slog.String("component", "transcription")))
	}
	return transcription.NewMockClient()
}

// stopPipeline ends sessions before the bus goes away so their final events
// still get published.
func (r *Runtime) stopPipeline() {
	if r.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.manager.Close(ctx); err != nil {
			r.logger.Error("session shutdown error", slog.String("error", err.Error()))
		}
		cancel()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.locker != nil {
		if err := r.locker.Close(); err != nil {
			r.logger.Warn("lease close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.control.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// Package harness assembles the full real-time test rig for collaborative
// board and wiki scenarios: a mock broker, per-user sessions with simulated
// network conditions, a metrics collector and an optional traffic recorder,
// all wired from one configuration.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"loomboard/harness/internal/broker"
	"loomboard/harness/internal/config"
	"loomboard/harness/internal/logging"
	"loomboard/harness/internal/message"
	"loomboard/harness/internal/metrics"
	"loomboard/harness/internal/netsim"
	"loomboard/harness/internal/orchestrator"
	"loomboard/harness/internal/recorder"
)

// Options configures a harness instance. Zero values fall back to the
// environment-driven configuration and an in-process runtime.
type Options struct {
	Config *config.Config
	// Runtime provisions client contexts; defaults to the in-process
	// LocalRuntime.
	Runtime orchestrator.Runtime
	Logger  *logging.Logger
	// LogSink receives structured log lines when no Logger is supplied.
	LogSink io.Writer
	Clock   func() time.Time
}

// Harness owns every moving part of one scenario run.
type Harness struct {
	cfg       *config.Config
	logger    *logging.Logger
	broker    *broker.Broker
	orch      *orchestrator.Orchestrator
	runtime   orchestrator.Runtime
	collector *metrics.Collector
	bundle    *recorder.Recorder
	manifest  recorder.Manifest
	runID     string
	clock     func() time.Time
}

// New wires a harness from configuration. The broker stays inactive until
// Start is called.
func New(opts Options) (*Harness, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		sink := opts.LogSink
		if sink == nil {
			sink = os.Stdout
		}
		logger = logging.New(level, sink)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	profile, err := resolveProfile(cfg)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger = logger.With(logging.String(logging.RunIDField, runID))

	h := &Harness{
		cfg:       cfg,
		logger:    logger,
		collector: metrics.NewCollector(clock),
		runID:     runID,
		clock:     clock,
	}

	if cfg.RecorderRoot != "" {
		bundle, manifest, err := recorder.NewRecorder(cfg.RecorderRoot, runID, clock)
		if err != nil {
			return nil, fmt.Errorf("open recorder bundle: %w", err)
		}
		h.bundle = bundle
		h.manifest = manifest
	}

	h.broker = broker.New(broker.Options{
		DeliveryDelay: cfg.DeliveryDelay,
		FailureRate:   cfg.FailureRate,
		HistoryLimit:  cfg.HistoryLimit,
		RateLimit:     broker.RateLimit{Window: cfg.RateLimitWindow, Limit: cfg.RateLimitCount},
		OpenDelay:     cfg.OpenDelay,
		Logger:        logger,
		Recorder:      &runRecorder{collector: h.collector, bundle: h.bundle},
		Clock:         clock,
	})

	h.runtime = opts.Runtime
	if h.runtime == nil {
		h.runtime = orchestrator.NewLocalRuntime(logger)
	}
	h.orch = orchestrator.New(h.broker, orchestrator.Options{
		Users:          cfg.Users,
		NetworkProfile: profile,
		RunID:          runID,
		Logger:         logger,
		Clock:          clock,
	})
	return h, nil
}

// resolveProfile picks the configured network condition, consulting the YAML
// fixture when the name is not a built-in.
func resolveProfile(cfg *config.Config) (netsim.Profile, error) {
	if profile, ok := netsim.ProfileByName(cfg.NetworkProfile); ok {
		return profile, nil
	}
	if cfg.ProfilePath == "" {
		return netsim.Profile{}, fmt.Errorf("unknown network profile %q", cfg.NetworkProfile)
	}
	f, err := os.Open(cfg.ProfilePath)
	if err != nil {
		return netsim.Profile{}, fmt.Errorf("open profile fixture: %w", err)
	}
	defer f.Close()
	profiles, err := netsim.LoadProfiles(f)
	if err != nil {
		return netsim.Profile{}, err
	}
	profile, ok := profiles[cfg.NetworkProfile]
	if !ok {
		return netsim.Profile{}, fmt.Errorf("network profile %q not found in %s", cfg.NetworkProfile, cfg.ProfilePath)
	}
	return profile, nil
}

// runRecorder fans broker traffic into the metrics collector and, when
// recording is enabled, the on-disk bundle.
type runRecorder struct {
	collector *metrics.Collector
	bundle    *recorder.Recorder
}

func (r *runRecorder) RecordMessage(msg *message.Message) {
	if r.bundle != nil {
		r.bundle.RecordMessage(msg)
	}
}

func (r *runRecorder) RecordDelivery(target, msgID, outcome string, latency time.Duration) {
	//1.- Count per delivery attempt on both sides of the ratio so the
	// success rate stays within [0,100] no matter the fan-out width.
	r.collector.RecordMessageSent()
	if outcome == broker.OutcomeDelivered {
		r.collector.RecordMessageReceived(latency)
	}
	if r.bundle != nil {
		r.bundle.RecordDelivery(target, msgID, outcome, latency)
	}
}

// RunID identifies this harness run across logs, metrics and bundles.
func (h *Harness) RunID() string {
	if h == nil {
		return ""
	}
	return h.runID
}

// Start brings up the broker and provisions every session, blocking until
// all channels are open.
func (h *Harness) Start(ctx context.Context) error {
	if h == nil {
		return errors.New("nil harness")
	}
	h.collector.StartConnectionTimer()
	if err := h.orch.Initialize(ctx, h.runtime); err != nil {
		return err
	}
	h.collector.RecordConnectionEstablished()
	h.collector.SetConcurrentUserCount(h.cfg.Users)
	h.logger.Info("harness started", logging.Int("users", h.cfg.Users))
	return nil
}

// Broker exposes the shared mock broker for history and registry assertions.
func (h *Harness) Broker() *broker.Broker { return h.broker }

// Orchestrator exposes the session orchestrator for scripted actions.
func (h *Harness) Orchestrator() *orchestrator.Orchestrator { return h.orch }

// Sessions returns the live session handles.
func (h *Harness) Sessions() []*orchestrator.Session { return h.orch.Sessions() }

// Metrics exposes the run's metrics collector.
func (h *Harness) Metrics() *metrics.Collector { return h.collector }

// Manifest describes the recorder bundle; zero when recording is disabled.
func (h *Harness) Manifest() recorder.Manifest { return h.manifest }

// BundleDirectory returns the recorder bundle location, empty when recording
// is disabled.
func (h *Harness) BundleDirectory() string {
	if h == nil || h.bundle == nil {
		return ""
	}
	return h.bundle.Directory()
}

// Send publishes a message from one session's client.
func (h *Harness) Send(fromIndex int, msg *message.Message) error {
	return h.orch.SendMessage(fromIndex, msg)
}

// Broadcast injects a server-originated message to every session.
func (h *Harness) Broadcast(msg *message.Message) {
	h.orch.BroadcastMessage(msg)
}

// Settle blocks until every in-flight delivery resolved, so assertions run
// against a quiet system.
func (h *Harness) Settle() {
	if h == nil {
		return
	}
	h.broker.Drain()
}

// Report settles outstanding deliveries and snapshots the run's metrics.
func (h *Harness) Report() metrics.Report {
	h.Settle()
	return h.collector.Snapshot()
}

// Stop tears the run down: sessions, broker, recorder bundle. Idempotent.
func (h *Harness) Stop() error {
	if h == nil {
		return nil
	}
	h.broker.Drain()
	h.orch.Cleanup()
	if h.bundle != nil {
		if err := h.bundle.Close(); err != nil {
			return fmt.Errorf("close recorder bundle: %w", err)
		}
	}
	h.logger.Info("harness stopped")
	return nil
}

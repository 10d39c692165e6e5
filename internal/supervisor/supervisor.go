// Package supervisor creates, monitors, persists and tears down relay
// sessions. A single mutex guards the registry and every durable store write,
// so the store always receives a full snapshot of the registry.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"streamrelay/internal/events"
	"streamrelay/internal/job"
	"streamrelay/internal/launcher"
	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/store"
)

const (
	// DefaultPollInterval is how often a monitor checks its relay process.
	DefaultPollInterval = 2 * time.Second
	// DefaultGracePeriod is how long a relay gets to exit after SIGTERM
	// before it is killed.
	DefaultGracePeriod = 5 * time.Second
	// DefaultReconcileConcurrency bounds parallel relaunches at startup.
	DefaultReconcileConcurrency = 4

	defaultStoreTimeout = 10 * time.Second
	killWait            = 5 * time.Second
)

var (
	// ErrNotFound is returned when no live session has the requested ID.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicate is returned by Create when the session ID is already live.
	ErrDuplicate = errors.New("session already exists")
	// ErrClosed is returned once Shutdown has started.
	ErrClosed = errors.New("supervisor is shut down")
	// ErrPersist wraps store write failures. Create rolls the session back
	// when it sees one.
	ErrPersist = errors.New("persist sessions")
)

// Launcher starts relay processes.
type Launcher interface {
	Launch(spec job.Spec) (launcher.Process, error)
}

// Capturer grabs a single preview frame from a source.
type Capturer interface {
	Capture(ctx context.Context, source, out string) (bool, error)
}

// Config wires a Supervisor. Launcher, Store and DataDir are required.
type Config struct {
	Launcher             Launcher
	Capturer             Capturer
	Store                store.Store
	DataDir              string
	Logger               *slog.Logger
	Metrics              *metrics.Recorder
	Publishers           []events.Publisher
	EventBuffer          int
	PollInterval         time.Duration
	GracePeriod          time.Duration
	StoreTimeout         time.Duration
	ReconcileConcurrency int
	NewTicker            TickerFactory
	Now                  func() time.Time
}

// Supervisor owns the session registry.
type Supervisor struct {
	launcher     Launcher
	capturer     Capturer
	store        store.Store
	dataDir      string
	logger       *slog.Logger
	metrics      *metrics.Recorder
	bus          *events.Bus
	pollInterval time.Duration
	gracePeriod  time.Duration
	storeTimeout time.Duration
	concurrency  int
	newTicker    TickerFactory
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	quit         chan struct{}
	monitors     sync.WaitGroup
	shutdownOnce sync.Once
}

// New validates cfg and starts the event dispatcher.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("supervisor: store is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, errors.New("supervisor: data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create data dir: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "supervisor")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = DefaultReconcileConcurrency
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = newTimeTicker
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	bus := events.NewBus(events.BusConfig{Logger: logger, Buffer: cfg.EventBuffer})
	for _, p := range cfg.Publishers {
		bus.AddPublisher(p)
	}

	return &Supervisor{
		launcher:     cfg.Launcher,
		capturer:     cfg.Capturer,
		store:        cfg.Store,
		dataDir:      cfg.DataDir,
		logger:       logger,
		metrics:      recorder,
		bus:          bus,
		pollInterval: cfg.PollInterval,
		gracePeriod:  cfg.GracePeriod,
		storeTimeout: cfg.StoreTimeout,
		concurrency:  cfg.ReconcileConcurrency,
		newTicker:    cfg.NewTicker,
		now:          cfg.Now,
		sessions:     make(map[string]*Session),
		quit:         make(chan struct{}),
	}, nil
}

// OnSessionEnded registers fn to be called once for every session that ends.
// Calls happen on the event dispatcher goroutine.
func (s *Supervisor) OnSessionEnded(fn func(events.SessionEnded)) {
	s.bus.Subscribe(fn)
}

// Create launches spec and registers it. The returned ID is the spec's
// SessionID. Create does not wait for the first liveness poll.
func (s *Supervisor) Create(ctx context.Context, spec job.Spec) (string, error) {
	spec = spec.Normalize()
	if err := spec.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if _, exists := s.sessions[spec.SessionID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicate, spec.SessionID)
	}
	s.mu.Unlock()

	logger := logging.WithSession(s.logger, spec.SessionID)
	proc, err := s.launcher.Launch(spec)
	if err != nil {
		s.metrics.LaunchFailed()
		logger.Error("relay launch failed", "error", err)
		return "", err
	}
	sess := newSession(spec, proc, s.now(), s.dataDir)

	s.mu.Lock()
	var rejected error
	switch {
	case s.closed:
		rejected = ErrClosed
	case s.sessions[spec.SessionID] != nil:
		rejected = fmt.Errorf("%w: %s", ErrDuplicate, spec.SessionID)
	default:
		s.sessions[sess.ID] = sess
		if err := s.persistLocked(ctx); err != nil {
			delete(s.sessions, sess.ID)
			rejected = fmt.Errorf("%w: %w", ErrPersist, err)
		}
	}
	if rejected == nil {
		s.monitors.Add(1)
		go s.monitor(sess)
	}
	s.mu.Unlock()

	if rejected != nil {
		logger.Error("relay rejected after launch", "error", rejected)
		s.terminate(context.WithoutCancel(ctx), sess)
		return "", rejected
	}

	s.metrics.SessionStarted()
	logger.Info("relay started", "pid", proc.PID(), "title", spec.Title, "destination", spec.Destination)
	return sess.ID, nil
}

// Stop terminates the session with the given ID. Unknown IDs and sessions
// already being stopped are no-ops.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	sess := s.lookup(id)
	if sess == nil {
		return nil
	}
	if !sess.stopping.CompareAndSwap(false, true) {
		return nil
	}
	s.terminate(ctx, sess)
	s.retire(sess, events.ReasonStopped)
	return nil
}

// List prunes sessions whose process has exited and returns the rest ordered
// by start time, then ID.
func (s *Supervisor) List() []SessionInfo {
	for _, sess := range s.snapshot() {
		if !sess.stopping.Load() && !sess.proc.Alive() {
			s.retire(sess, events.ReasonPruned)
		}
	}

	now := s.now()
	sessions := s.snapshot()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.info(now))
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].StartedAt.Before(infos[j].StartedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// CapturePreview grabs a preview frame for the session. A failed capture is
// logged and reported as ok=false without an error.
func (s *Supervisor) CapturePreview(ctx context.Context, id string) (string, bool, error) {
	sess := s.lookup(id)
	if sess == nil {
		return "", false, ErrNotFound
	}
	if s.capturer == nil {
		return "", false, nil
	}
	logger := logging.WithSession(s.logger, id)
	ok, err := s.capturer.Capture(ctx, sess.Spec.Source, sess.PreviewPath)
	s.metrics.ObservePreview(ok)
	if err != nil {
		logger.Warn("preview capture failed", "error", err)
	}
	if s.lookup(id) != sess {
		removePreview(logger, sess.PreviewPath)
		return "", false, ErrNotFound
	}
	return sess.PreviewPath, ok, nil
}

func (s *Supervisor) lookup(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Supervisor) snapshot() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// persistLocked writes the registry's specs to the store. Callers hold s.mu.
func (s *Supervisor) persistLocked(ctx context.Context) error {
	specs := make(map[string]job.Spec, len(s.sessions))
	for id, sess := range s.sessions {
		specs[id] = sess.Spec
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()
	err := s.store.Save(ctx, specs)
	s.metrics.ObserveStoreWrite(err)
	return err
}

func (s *Supervisor) monitor(sess *Session) {
	defer s.monitors.Done()
	ticker := s.newTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-sess.retired:
			return
		case <-ticker.C():
			if sess.proc.Alive() {
				continue
			}
			if !sess.stopping.Load() {
				s.retire(sess, events.ReasonExited)
			}
			return
		}
	}
}

// retire is the single cleanup path: deregister, persist, delete the preview
// and notify. Only the first call for a session has any effect.
func (s *Supervisor) retire(sess *Session, reason events.Reason) {
	sess.retireOnce.Do(func() {
		defer close(sess.retired)
		logger := logging.WithSession(s.logger, sess.ID)
		endedAt := s.now()

		s.mu.Lock()
		if s.sessions[sess.ID] == sess {
			delete(s.sessions, sess.ID)
			if err := s.persistLocked(context.Background()); err != nil {
				logger.Error("persist session removal", "error", fmt.Errorf("%w: %w", ErrPersist, err))
			}
		}
		s.mu.Unlock()

		removePreview(logger, sess.PreviewPath)
		s.metrics.SessionEnded(string(reason))

		event := events.SessionEnded{
			SessionID:   sess.ID,
			Title:       sess.Spec.Title,
			Destination: sess.Spec.Destination,
			SourceKind:  string(sess.Spec.SourceKind),
			Elapsed:     endedAt.Sub(sess.StartedAt),
			Reason:      reason,
			EndedAt:     endedAt,
		}
		attrs := []any{"reason", string(reason), "elapsed", events.FormatElapsed(event.Elapsed)}
		if err := sess.proc.Err(); err != nil && reason != events.ReasonStopped {
			event.ExitError = err.Error()
			attrs = append(attrs, "exit_error", event.ExitError)
		}
		if tail := sess.proc.StderrTail(); len(tail) > 0 && reason != events.ReasonStopped {
			attrs = append(attrs, "stderr_tail", tail)
		}
		logger.Info("relay ended", attrs...)
		s.bus.Emit(event)
	})
}

// terminate sends SIGTERM, waits up to the grace period and then kills.
func (s *Supervisor) terminate(ctx context.Context, sess *Session) {
	proc := sess.proc
	logger := logging.WithSession(s.logger, sess.ID)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		logger.Warn("signal relay", "error", err)
	}

	grace := time.NewTimer(s.gracePeriod)
	defer grace.Stop()
	select {
	case <-proc.Done():
		return
	case <-grace.C:
		logger.Warn("relay ignored SIGTERM within grace period, killing", "grace", s.gracePeriod.String())
	case <-ctx.Done():
		logger.Warn("termination interrupted, killing", "error", ctx.Err())
	}

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Error("kill relay", "error", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(killWait):
		logger.Error("relay did not exit after kill", "pid", proc.PID())
	}
}

func removePreview(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove preview", "path", path, "error", err)
	}
}

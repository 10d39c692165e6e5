package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"streamrelay/internal/events"
	"streamrelay/internal/job"
	"streamrelay/internal/launcher"
	"streamrelay/internal/observability/logging"
)

type relaunch struct {
	spec job.Spec
	proc launcher.Process
	err  error
}

// Reconcile relaunches every stored job that is not already running. Jobs
// that fail to relaunch are reported with reason launch_failed and dropped
// from the store. It must complete before new sessions are accepted.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	stored, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ids := make([]string, 0, len(stored))
	for id := range stored {
		if _, running := s.sessions[id]; !running {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)

	results := make([]relaunch, len(ids))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		spec := stored[id]
		spec.SessionID = id
		spec = spec.Normalize()
		g.Go(func() error {
			results[i] = relaunch{spec: spec}
			if err := spec.Validate(); err != nil {
				results[i].err = err
				return nil
			}
			proc, err := s.launcher.Launch(spec)
			results[i].proc, results[i].err = proc, err
			return nil
		})
	}
	_ = g.Wait()

	var started, orphaned []*Session
	var failed []relaunch
	s.mu.Lock()
	for _, r := range results {
		if r.err != nil {
			failed = append(failed, r)
			continue
		}
		sess := newSession(r.spec, r.proc, s.now(), s.dataDir)
		if s.closed || s.sessions[sess.ID] != nil {
			orphaned = append(orphaned, sess)
			continue
		}
		s.sessions[sess.ID] = sess
		s.monitors.Add(1)
		go s.monitor(sess)
		started = append(started, sess)
	}
	persistErr := s.persistLocked(ctx)
	s.mu.Unlock()

	if persistErr != nil {
		s.logger.Error("persist reconciled sessions", "error", fmt.Errorf("%w: %w", ErrPersist, persistErr))
	}
	for _, sess := range orphaned {
		s.terminate(ctx, sess)
	}
	for _, sess := range started {
		s.metrics.SessionStarted()
		logging.WithSession(s.logger, sess.ID).Info("relay resumed", "pid", sess.proc.PID(), "title", sess.Spec.Title)
	}
	now := s.now()
	for _, r := range failed {
		if errors.Is(r.err, launcher.ErrLaunchFailed) {
			s.metrics.LaunchFailed()
		}
		s.metrics.SessionFailed(string(events.ReasonLaunchFailed))
		logging.WithSession(s.logger, r.spec.SessionID).Error("relay resume failed", "error", r.err)
		s.bus.Emit(events.SessionEnded{
			SessionID:   r.spec.SessionID,
			Title:       r.spec.Title,
			Destination: r.spec.Destination,
			SourceKind:  string(r.spec.SourceKind),
			Reason:      events.ReasonLaunchFailed,
			EndedAt:     now,
			ExitError:   r.err.Error(),
		})
	}
	s.logger.Info("sessions reconciled", "stored", len(stored), "resumed", len(started), "failed", len(failed))
	return nil
}

// Shutdown stops every monitor and terminates running relays in parallel
// without removing them from the store, so the next start resumes them. It
// then waits for pending session events to be delivered.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.shutdown(ctx)
	})
	return err
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	close(s.quit)
	s.monitors.Wait()

	var g errgroup.Group
	for _, sess := range sessions {
		g.Go(func() error {
			s.detach(ctx, sess)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	for _, sess := range sessions {
		if s.sessions[sess.ID] == sess {
			delete(s.sessions, sess.ID)
		}
	}
	s.mu.Unlock()

	s.logger.Info("supervisor stopped", "detached", len(sessions))
	if err := s.bus.Close(ctx); err != nil {
		return fmt.Errorf("drain session events: %w", err)
	}
	return nil
}

// detach terminates a relay at shutdown without retiring it, so the store
// keeps its job. It claims retireOnce first; a session that was retired
// since the shutdown snapshot is left alone and counted only once.
func (s *Supervisor) detach(ctx context.Context, sess *Session) {
	if !sess.stopping.CompareAndSwap(false, true) {
		// an explicit Stop owns this session; let it finish cleanup
		select {
		case <-sess.retired:
		case <-ctx.Done():
		}
		return
	}
	claimed := false
	sess.retireOnce.Do(func() {
		claimed = true
		close(sess.retired)
	})
	if !claimed {
		return
	}
	s.terminate(ctx, sess)
	s.metrics.SessionDetached()
}

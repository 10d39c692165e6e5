package supervisor

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"streamrelay/internal/job"
	"streamrelay/internal/launcher"
)

// Session is one running relay job. Its Spec never changes after creation.
type Session struct {
	ID          string
	Spec        job.Spec
	StartedAt   time.Time
	PreviewPath string

	proc launcher.Process

	// stopping is set by whoever claims termination: Stop or Shutdown.
	stopping   atomic.Bool
	retireOnce sync.Once
	retired    chan struct{}
}

func newSession(spec job.Spec, proc launcher.Process, startedAt time.Time, dataDir string) *Session {
	return &Session{
		ID:          spec.SessionID,
		Spec:        spec,
		StartedAt:   startedAt,
		PreviewPath: previewPath(dataDir, spec.SessionID),
		proc:        proc,
		retired:     make(chan struct{}),
	}
}

// SessionInfo is the listing view of a Session.
type SessionInfo struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Destination string        `json:"destination"`
	SourceKind  string        `json:"sourceKind,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	Elapsed     time.Duration `json:"-"`
	Running     bool          `json:"running"`
	PID         int           `json:"pid,omitempty"`
}

func (s *Session) info(now time.Time) SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		Title:       s.Spec.Title,
		Destination: s.Spec.Destination,
		SourceKind:  string(s.Spec.SourceKind),
		StartedAt:   s.StartedAt,
		Elapsed:     now.Sub(s.StartedAt),
		Running:     s.proc.Alive(),
		PID:         s.proc.PID(),
	}
}

// previewPath keeps the file inside dataDir whatever bytes the ID holds.
// Letters, digits and '-' pass through; every other byte, '_' included, is
// written as '_' plus two hex digits, so distinct IDs never share a file.
func previewPath(dataDir, id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return filepath.Join(dataDir, "thumb_"+b.String()+".jpg")
}

// Ticker drives monitor polling.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker firing every interval.
type TickerFactory func(time.Duration) Ticker

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// Package events carries session-ended notifications from the supervisor to
// callbacks, the event log, and external notifiers.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Reason records why a session left the registry.
type Reason string

const (
	// ReasonExited means the relay process ended on its own.
	ReasonExited Reason = "exited"
	// ReasonStopped means an operator terminated the session.
	ReasonStopped Reason = "stopped"
	// ReasonLaunchFailed means a persisted job could not be relaunched.
	ReasonLaunchFailed Reason = "launch_failed"
	// ReasonPruned means a listing found the process dead before its monitor did.
	ReasonPruned Reason = "pruned"
)

// TypeSessionEnded labels session-ended entries on external streams.
const TypeSessionEnded = "session_ended"

// SessionEnded is emitted exactly once per session.
type SessionEnded struct {
	SessionID   string
	Title       string
	Destination string
	SourceKind  string
	Elapsed     time.Duration
	Reason      Reason
	EndedAt     time.Time
	ExitError   string
}

// Summary renders the human readable notification line.
func (e SessionEnded) Summary() string {
	kind := strings.ToUpper(e.SourceKind)
	if kind == "" {
		kind = "UNKNOWN"
	}
	return fmt.Sprintf("Stream %s %s after %s (type %s)", e.Title, e.verb(), FormatElapsed(e.Elapsed), kind)
}

func (e SessionEnded) verb() string {
	switch e.Reason {
	case ReasonLaunchFailed:
		return "failed to resume"
	default:
		return "stopped"
	}
}

type wireSessionEnded struct {
	Type           string    `json:"type"`
	SessionID      string    `json:"sessionId"`
	Title          string    `json:"title"`
	Destination    string    `json:"destination"`
	SourceKind     string    `json:"sourceKind,omitempty"`
	Elapsed        string    `json:"elapsed"`
	ElapsedSeconds int64     `json:"elapsedSeconds"`
	Reason         Reason    `json:"reason"`
	EndedAt        time.Time `json:"endedAt"`
	ExitError      string    `json:"exitError,omitempty"`
}

func (e SessionEnded) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSessionEnded{
		Type:           TypeSessionEnded,
		SessionID:      e.SessionID,
		Title:          e.Title,
		Destination:    e.Destination,
		SourceKind:     e.SourceKind,
		Elapsed:        FormatElapsed(e.Elapsed),
		ElapsedSeconds: int64(e.Elapsed / time.Second),
		Reason:         e.Reason,
		EndedAt:        e.EndedAt.UTC(),
		ExitError:      e.ExitError,
	})
}

func (e *SessionEnded) UnmarshalJSON(data []byte) error {
	var wire wireSessionEnded
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = SessionEnded{
		SessionID:   wire.SessionID,
		Title:       wire.Title,
		Destination: wire.Destination,
		SourceKind:  wire.SourceKind,
		Elapsed:     time.Duration(wire.ElapsedSeconds) * time.Second,
		Reason:      wire.Reason,
		EndedAt:     wire.EndedAt,
		ExitError:   wire.ExitError,
	}
	return nil
}

// FormatElapsed renders d truncated to whole seconds as h:mm:ss. Hours are
// not wrapped into days.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

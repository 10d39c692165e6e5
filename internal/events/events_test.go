package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"streamrelay/internal/redisconn"
	"streamrelay/internal/testsupport/redisstub"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sampleEvent() SessionEnded {
	return SessionEnded{
		SessionID:   "abc",
		Title:       "Morning Show",
		Destination: "rtmp://live.example/app/key",
		SourceKind:  "hls",
		Elapsed:     3*time.Hour + 4*time.Minute + 5*time.Second + 600*time.Millisecond,
		Reason:      ReasonExited,
		EndedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFormatElapsed(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00:00"},
		{-time.Second, "0:00:00"},
		{59*time.Second + 999*time.Millisecond, "0:00:59"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{27 * time.Hour, "27:00:00"},
	}
	for _, tc := range cases {
		if got := FormatElapsed(tc.in); got != tc.want {
			t.Errorf("FormatElapsed(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSummary(t *testing.T) {
	got := sampleEvent().Summary()
	want := "Stream Morning Show stopped after 3:04:05 (type HLS)"
	if got != want {
		t.Fatalf("summary = %q, want %q", got, want)
	}
	failed := sampleEvent()
	failed.Reason = ReasonLaunchFailed
	failed.SourceKind = ""
	if got := failed.Summary(); !strings.Contains(got, "failed to resume") || !strings.Contains(got, "UNKNOWN") {
		t.Fatalf("unexpected launch failure summary %q", got)
	}
}

func TestJSONPayload(t *testing.T) {
	data, err := json.Marshal(sampleEvent())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["type"] != TypeSessionEnded || fields["elapsed"] != "3:04:05" || fields["reason"] != "exited" {
		t.Fatalf("unexpected payload %s", data)
	}
	if _, ok := fields["exitError"]; ok {
		t.Fatalf("exitError should be omitted when empty: %s", data)
	}

	var decoded SessionEnded
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.SessionID != "abc" || decoded.Elapsed != 3*time.Hour+4*time.Minute+5*time.Second {
		t.Fatalf("unexpected decoded event %+v", decoded)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []SessionEnded
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event SessionEnded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestBusDeliversInOrderAndDrainsOnClose(t *testing.T) {
	bus := NewBus(BusConfig{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), Buffer: 4})
	var (
		mu  sync.Mutex
		ids []string
	)
	bus.Subscribe(func(e SessionEnded) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		ids = append(ids, e.SessionID)
		mu.Unlock()
	})
	pub := &recordingPublisher{}
	bus.AddPublisher(pub)

	for _, id := range []string{"a", "b", "c", "d"} {
		ev := sampleEvent()
		ev.SessionID = id
		bus.Emit(ev)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(ids, "") != "abcd" {
		t.Fatalf("unexpected delivery order %v", ids)
	}
	if pub.count() != 4 {
		t.Fatalf("expected 4 published events, got %d", pub.count())
	}
}

func TestBusSurvivesPanickingHandlerAndPublisherError(t *testing.T) {
	var logs bytes.Buffer
	bus := NewBus(BusConfig{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	bus.Subscribe(func(SessionEnded) { panic("boom") })
	pub := &recordingPublisher{err: errors.New("sink down")}
	bus.AddPublisher(pub)

	bus.Emit(sampleEvent())
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("expected publisher to run after panic, got %d", pub.count())
	}
	out := logs.String()
	if !strings.Contains(out, "panicked") || !strings.Contains(out, "sink down") {
		t.Fatalf("expected panic and publish error to be logged, got %q", out)
	}
}

func TestBusDropsAfterClose(t *testing.T) {
	bus := NewBus(BusConfig{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	pub := &recordingPublisher{}
	bus.AddPublisher(pub)
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	bus.Emit(sampleEvent())
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if pub.count() != 0 {
		t.Fatalf("expected no delivery after close, got %d", pub.count())
	}
}

func TestBusEmitDoesNotBlockWhenQueueFull(t *testing.T) {
	bus := NewBus(BusConfig{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), Buffer: 1})
	release := make(chan struct{})
	var handled atomic.Int32
	bus.Subscribe(func(SessionEnded) {
		handled.Add(1)
		<-release
	})

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < 5; i++ {
			bus.Emit(sampleEvent())
		}
	}()
	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("Emit blocked behind a slow handler")
	}
	if bus.Dropped() < 3 {
		t.Fatalf("expected at least 3 dropped events, got %d", bus.Dropped())
	}

	close(release)
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := uint64(handled.Load()) + bus.Dropped(); got != 5 {
		t.Fatalf("expected every event delivered or dropped, got %d handled and %d dropped", handled.Load(), bus.Dropped())
	}
}

func TestBusHandlerMayEmitIntoFullQueue(t *testing.T) {
	bus := NewBus(BusConfig{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), Buffer: 1})
	var handled atomic.Int32
	bus.Subscribe(func(e SessionEnded) {
		handled.Add(1)
		if e.SessionID != "root" {
			return
		}
		for i := 0; i < 3; i++ {
			child := sampleEvent()
			child.SessionID = "child"
			bus.Emit(child)
		}
	})

	root := sampleEvent()
	root.SessionID = "root"
	bus.Emit(root)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Close(ctx); err != nil {
		t.Fatalf("dispatcher stuck on its own queue: %v", err)
	}
	if handled.Load() != 2 || bus.Dropped() != 2 {
		t.Fatalf("expected root and one child handled with 2 dropped, got %d handled, %d dropped", handled.Load(), bus.Dropped())
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))
	ev := sampleEvent()
	ev.ExitError = "exit status 1"
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["session_id"] != "abc" || entry["elapsed"] != "3:04:05" || entry["exit_error"] != "exit status 1" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}

func TestRedisPublisherAppendsToStream(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	defer srv.Close()

	pub, err := NewRedisPublisher(context.Background(), RedisPublisherConfig{
		Config: redisconn.Config{Addr: srv.Addr()},
		Stream: "relay:test",
		MaxLen: 2,
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer pub.Close()

	for _, id := range []string{"one", "two", "three"} {
		ev := sampleEvent()
		ev.SessionID = id
		if err := pub.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	entries := srv.StreamFields("relay:test")
	if len(entries) != 2 {
		t.Fatalf("expected stream trimmed to 2 entries, got %d", len(entries))
	}
	last := entries[1]
	if last["type"] != TypeSessionEnded {
		t.Fatalf("unexpected entry type %q", last["type"])
	}
	var decoded SessionEnded
	if err := json.Unmarshal([]byte(last["payload"]), &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.SessionID != "three" {
		t.Fatalf("expected latest entry for session three, got %q", decoded.SessionID)
	}
}

package metrics

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		name string
		path string
		want string
	}{
		{name: "root", path: "/", want: "/"},
		{name: "empty", path: "", want: "/"},
		{name: "collection", path: "/v1/sessions", want: "/v1/sessions"},
		{name: "uuid", path: "/v1/sessions/3f2b9c1e-8d4a-4c55-9a0e-2b7f6d1c0a11", want: "/v1/sessions/:id"},
		{name: "nested with trailing slash", path: "/v1/sessions/ab12cd34ef/preview/", want: "/v1/sessions/:id/preview"},
		{name: "numeric", path: "v1/sessions/123", want: "/v1/sessions/:id"},
		{name: "plain words", path: "/healthz", want: "/healthz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizePath(tc.path); got != tc.want {
				t.Fatalf("normalizePath(%q) = %q, want %q", tc.path, got, tc.want)
			}
		})
	}
}

func TestSessionGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	ends := 150

	wg.Add(starts + ends)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.SessionStarted()
		}()
	}
	for i := 0; i < ends; i++ {
		go func() {
			defer wg.Done()
			recorder.SessionEnded("exited")
		}()
	}
	wg.Wait()

	if active := recorder.ActiveSessions(); active < 0 {
		t.Fatalf("active sessions should not go negative; got %d", active)
	}
	counts := recorder.SessionEventCounts()
	if counts["started"] != uint64(starts) {
		t.Fatalf("unexpected started events: got %d want %d", counts["started"], starts)
	}
	if counts["exited"] != uint64(ends) {
		t.Fatalf("unexpected exited events: got %d want %d", counts["exited"], ends)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/v1/sessions", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/v1/sessions/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/v1/sessions", 201, time.Second)

	recorder.SessionStarted()
	recorder.SessionStarted()
	recorder.SessionStarted()
	recorder.SessionEnded("Stopped")
	recorder.SessionDetached()
	recorder.LaunchFailed()
	recorder.ObservePreview(true)
	recorder.ObservePreview(false)
	recorder.ObservePreview(false)
	recorder.ObserveStoreWrite(nil)
	recorder.ObserveStoreWrite(errors.New("disk full"))

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP relayd_http_requests_total Total number of HTTP requests processed by the control API
# TYPE relayd_http_requests_total counter
relayd_http_requests_total{method="GET",path="/v1/sessions",status="200"} 2
relayd_http_requests_total{method="POST",path="/v1/sessions",status="201"} 1
# HELP relayd_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE relayd_http_request_duration_seconds_sum counter
relayd_http_request_duration_seconds_sum{method="GET",path="/v1/sessions",status="200"} 0.200000
relayd_http_request_duration_seconds_sum{method="POST",path="/v1/sessions",status="201"} 1.000000
# HELP relayd_session_events_total Relay session lifecycle events by type
# TYPE relayd_session_events_total counter
relayd_session_events_total{event="started"} 3
relayd_session_events_total{event="stopped"} 1
# HELP relayd_active_sessions Current number of supervised relay sessions
# TYPE relayd_active_sessions gauge
relayd_active_sessions 1
# HELP relayd_launch_failures_total Relay processes that could not be started
# TYPE relayd_launch_failures_total counter
relayd_launch_failures_total 1
# HELP relayd_preview_captures_total Preview captures by outcome
# TYPE relayd_preview_captures_total counter
relayd_preview_captures_total{outcome="failed"} 2
relayd_preview_captures_total{outcome="ok"} 1
# HELP relayd_store_writes_total Durable store snapshot writes by outcome
# TYPE relayd_store_writes_total counter
relayd_store_writes_total{outcome="error"} 1
relayd_store_writes_total{outcome="ok"} 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}
	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}

	recorder.Reset()
	if recorder.ActiveSessions() != 0 || recorder.LaunchFailures() != 0 || len(recorder.SessionEventCounts()) != 0 {
		t.Fatal("expected reset to clear counters")
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func TestSessionFailedLeavesGaugeAlone(t *testing.T) {
	recorder := New()
	recorder.SessionStarted()
	recorder.SessionFailed("launch_failed")

	if active := recorder.ActiveSessions(); active != 1 {
		t.Fatalf("expected gauge to stay at 1, got %d", active)
	}
	if got := recorder.SessionEventCounts()["launch_failed"]; got != 1 {
		t.Fatalf("expected launch_failed counted once, got %d", got)
	}
}

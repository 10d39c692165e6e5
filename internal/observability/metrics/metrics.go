package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for control API requests
// and relay session lifecycle. Writers are coordinated through a RWMutex; the
// active session gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	previewCaptures map[string]uint64
	storeWrites     map[string]uint64
	launchFailures  atomic.Uint64
	activeSessions  atomic.Int64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		previewCaptures: make(map[string]uint64),
		storeWrites:     make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// ObserveRequest accumulates request count and duration by method, normalized
// path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a launch and raises the active session gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("started")
	r.activeSessions.Add(1)
}

// SessionEnded records the end reason and lowers the active session gauge
// without letting it go negative.
func (r *Recorder) SessionEnded(reason string) {
	r.incrementSessionEvent(reason)
	r.decrementGauge(&r.activeSessions)
}

// SessionFailed records an end reason for a session that never raised the
// gauge, such as a stored job that could not be relaunched.
func (r *Recorder) SessionFailed(reason string) {
	r.incrementSessionEvent(reason)
}

// SessionDetached lowers the gauge for a session that was released without a
// lifecycle event, such as a process left behind at shutdown.
func (r *Recorder) SessionDetached() {
	r.decrementGauge(&r.activeSessions)
}

// LaunchFailed counts a relay process that could not be started.
func (r *Recorder) LaunchFailed() {
	r.launchFailures.Add(1)
}

// ObservePreview counts a preview capture by outcome.
func (r *Recorder) ObservePreview(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	r.mu.Lock()
	r.previewCaptures[outcome]++
	r.mu.Unlock()
}

// ObserveStoreWrite counts a durable store snapshot write by outcome.
func (r *Recorder) ObserveStoreWrite(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.mu.Lock()
	r.storeWrites[outcome]++
	r.mu.Unlock()
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ActiveSessions exposes the active session gauge.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// LaunchFailures exposes the launch failure counter.
func (r *Recorder) LaunchFailures() uint64 {
	return r.launchFailures.Load()
}

// SessionEventCounts returns a copy of the session lifecycle counters.
func (r *Recorder) SessionEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.previewCaptures = make(map[string]uint64)
	r.storeWrites = make(map[string]uint64)
	r.launchFailures.Store(0)
	r.activeSessions.Store(0)
}

// Handler writes Prometheus text exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP relayd_http_requests_total Total number of HTTP requests processed by the control API")
	fmt.Fprintln(w, "# TYPE relayd_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "relayd_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP relayd_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE relayd_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "relayd_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP relayd_session_events_total Relay session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE relayd_session_events_total counter")
	for _, event := range sortedKeys(r.sessionEvents) {
		fmt.Fprintf(w, "relayd_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP relayd_active_sessions Current number of supervised relay sessions")
	fmt.Fprintln(w, "# TYPE relayd_active_sessions gauge")
	fmt.Fprintf(w, "relayd_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP relayd_launch_failures_total Relay processes that could not be started")
	fmt.Fprintln(w, "# TYPE relayd_launch_failures_total counter")
	fmt.Fprintf(w, "relayd_launch_failures_total %d\n", r.launchFailures.Load())

	fmt.Fprintln(w, "# HELP relayd_preview_captures_total Preview captures by outcome")
	fmt.Fprintln(w, "# TYPE relayd_preview_captures_total counter")
	for _, outcome := range sortedKeys(r.previewCaptures) {
		fmt.Fprintf(w, "relayd_preview_captures_total{outcome=\"%s\"} %d\n", outcome, r.previewCaptures[outcome])
	}

	fmt.Fprintln(w, "# HELP relayd_store_writes_total Durable store snapshot writes by outcome")
	fmt.Fprintln(w, "# TYPE relayd_store_writes_total counter")
	for _, outcome := range sortedKeys(r.storeWrites) {
		fmt.Fprintf(w, "relayd_store_writes_total{outcome=\"%s\"} %d\n", outcome, r.storeWrites[outcome])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier treats long segments carrying a digit, or any segment
// with three or more digits, as a path parameter.
func looksLikeIdentifier(segment string) bool {
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	if len(segment) >= 8 && digitCount > 0 {
		return true
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records a request on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

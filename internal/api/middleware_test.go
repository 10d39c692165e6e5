package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"streamrelay/internal/observability/logging"
)

func TestRequestIDMiddlewareAnnotatesContextAndHeaders(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := requestIDMiddleware(logger, func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "generated" {
			t.Errorf("expected generated request id, got %q", requestID)
		}
		ctxLogger := logging.LoggerFromContext(r.Context())
		if ctxLogger == nil {
			t.Error("expected a context logger")
			return
		}
		ctxLogger.Info("inside")
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Header().Get("X-Request-Id") != "generated" {
		t.Fatalf("expected response header to carry request id, got %q", rr.Header().Get("X-Request-Id"))
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["request_id"] != "generated" {
		t.Fatalf("expected request_id on context logger, got %v", entry)
	}
}

func TestNewRequestIDIsHex(t *testing.T) {
	id := newRequestID()
	if len(id) != 32 {
		t.Fatalf("expected 32 hex chars, got %q", id)
	}
	if newRequestID() == id {
		t.Fatal("expected distinct request ids")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := newLimiter(RateLimitConfig{RPS: 0.001, Burst: 2})
	handler := rateLimitMiddleware(limiter, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, rr.Code)
		}
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRateLimitDisabled(t *testing.T) {
	if newLimiter(RateLimitConfig{}) != nil {
		t.Fatal("expected no limiter when rps is zero")
	}
	if l := newLimiter(RateLimitConfig{RPS: 2.5}); l.Burst() != 3 {
		t.Fatalf("expected burst to default to ceil(rps), got %d", l.Burst())
	}
}

func TestRateLimitSkipsHealth(t *testing.T) {
	h, _ := newTestHandler(t, &fakeSupervisor{}, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{RPS: 0.001, Burst: 1}
	})
	do(h, http.MethodGet, "/v1/sessions", "")
	if rr := do(h, http.MethodGet, "/v1/sessions", ""); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected health to bypass the limiter, got %d", rr.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := HashToken("s3cret", 1000)
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}

	for _, configured := range []string{"s3cret", hash} {
		name := "plain"
		if IsTokenHash(configured) {
			name = "hashed"
		}
		t.Run(name, func(t *testing.T) {
			h, _ := newTestHandler(t, &fakeSupervisor{}, func(cfg *Config) {
				cfg.Token = configured
			})

			tests := []struct {
				header string
				status int
			}{
				{header: "", status: http.StatusUnauthorized},
				{header: "Basic s3cret", status: http.StatusUnauthorized},
				{header: "Bearer ", status: http.StatusUnauthorized},
				{header: "Bearer wrong", status: http.StatusForbidden},
				{header: "Bearer s3cret", status: http.StatusOK},
				{header: "bearer s3cret", status: http.StatusOK},
			}
			for _, tc := range tests {
				var headers []string
				if tc.header != "" {
					headers = []string{"Authorization", tc.header}
				}
				rr := do(h, http.MethodGet, "/v1/sessions", "", headers...)
				if rr.Code != tc.status {
					t.Fatalf("header %q: expected %d, got %d", tc.header, tc.status, rr.Code)
				}
			}

			if rr := do(h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
				t.Fatalf("expected health to be public, got %d", rr.Code)
			}
		})
	}
}

func TestNewRejectsMalformedTokenHash(t *testing.T) {
	_, err := New(Config{Supervisor: &fakeSupervisor{}, Token: "pbkdf2$sha256$abc$salt$key"})
	if err == nil || !strings.Contains(err.Error(), "iteration") {
		t.Fatalf("expected iteration error, got %v", err)
	}
}

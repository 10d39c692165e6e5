// Package store persists the set of relay job specifications so that a
// restarted supervisor can resume them. Every backend stores the whole set as
// one snapshot and replaces it atomically on each Save.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"streamrelay/internal/job"
)

// Store is a durable mapping from session ID to job specification.
type Store interface {
	// Load returns every persisted specification keyed by session ID.
	Load(ctx context.Context) (map[string]job.Spec, error)
	// Save replaces the persisted set with specs.
	Save(ctx context.Context, specs map[string]job.Spec) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Driver names a Store backend.
type Driver string

const (
	DriverFile     Driver = "file"
	DriverRedis    Driver = "redis"
	DriverPostgres Driver = "postgres"
)

// ErrUnknownDriver is returned by Open for unsupported backends.
var ErrUnknownDriver = errors.New("unknown store driver")

// Config selects and configures a backend.
type Config struct {
	Driver   Driver
	File     FileConfig
	Redis    RedisConfig
	Postgres PostgresConfig
}

// Open constructs the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(string(cfg.Driver)))) {
	case "", DriverFile:
		return NewFileStore(cfg.File)
	case DriverRedis:
		return NewRedisStore(ctx, cfg.Redis)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// encodeSnapshot renders specs as the persisted JSON document.
func encodeSnapshot(specs map[string]job.Spec) ([]byte, error) {
	if specs == nil {
		specs = map[string]job.Spec{}
	}
	data, err := json.MarshalIndent(specs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeSnapshot parses a persisted JSON document, restoring session IDs from
// the document keys.
func decodeSnapshot(data []byte) (map[string]job.Spec, error) {
	specs := make(map[string]job.Spec)
	if len(strings.TrimSpace(string(data))) == 0 {
		return specs, nil
	}
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	for id, spec := range specs {
		spec.SessionID = id
		specs[id] = spec
	}
	return specs, nil
}

func cloneSpecs(specs map[string]job.Spec) map[string]job.Spec {
	out := make(map[string]job.Spec, len(specs))
	for id, spec := range specs {
		spec.SessionID = id
		out[id] = spec
	}
	return out
}

// Package breakpoint persists per-client tour progress so a tour can
// resume after a disconnect or restart. Records are keyed by (kind,
// client id) and hold an opaque JSON state blob. Storage errors are
// returned to the caller unchanged apart from wrapping; key problems
// are reported as *ValidationError.
package breakpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/docent/internal/config"
)

// maxKeyLen bounds kind and client id lengths.
const maxKeyLen = 128

// Record is one stored breakpoint.
type Record struct {
	Kind        string          `json:"kind"`
	ClientID    string          `json:"client_id"`
	State       json.RawMessage `json:"state"`
	CreatedAtMs int64           `json:"created_at_ms"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
}

// Decode unmarshals the state blob into v.
func (r *Record) Decode(v any) error {
	if err := json.Unmarshal(r.State, v); err != nil {
		return fmt.Errorf("decode breakpoint %s/%s: %w", r.Kind, r.ClientID, err)
	}
	return nil
}

// Store is the breakpoint persistence contract.
type Store interface {
	// Upsert stores state (JSON encoded) for (kind, clientID). The
	// creation time of an existing record is kept.
	Upsert(ctx context.Context, kind, clientID string, state any, nowMs int64) error
	// Get returns the record, or nil and no error when absent.
	Get(ctx context.Context, kind, clientID string) (*Record, error)
	// Clear deletes the record and reports whether one existed.
	Clear(ctx context.Context, kind, clientID string) (bool, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// ValidationError reports an unusable key.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func validateKey(kind, clientID string) error {
	for _, f := range []struct{ name, value string }{{"kind", kind}, {"client_id", clientID}} {
		switch {
		case strings.TrimSpace(f.value) == "":
			return &ValidationError{Field: f.name, Value: f.value, Reason: "empty"}
		case len(f.value) > maxKeyLen:
			return &ValidationError{Field: f.name, Value: f.value[:maxKeyLen], Reason: "too long"}
		case strings.ContainsFunc(f.value, unicode.IsControl):
			return &ValidationError{Field: f.name, Value: f.value, Reason: "control character"}
		}
	}
	return nil
}

func encodeState(state any) (string, error) {
	if raw, ok := state.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return "", errors.New("encode state: invalid JSON")
		}
		return string(raw), nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return string(data), nil
}

// Open returns the backend selected by cfg. The SQLite file defaults
// to breakpoints.db under dataDir.
func Open(ctx context.Context, cfg config.BreakpointConfig, dataDir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(dataDir, "breakpoints.db")
		}
		return NewSQLiteStoreWithDriver(cfg.Driver, path)
	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, errors.New("breakpoints.redis.addr is required for the redis backend")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedisStore(client, cfg.Redis.KeyPrefix, time.Duration(cfg.Redis.TTLS)*time.Second), nil
	default:
		return nil, fmt.Errorf("unknown breakpoints.backend %q", cfg.Backend)
	}
}

// Package store persists document snapshots between relay runs.
//
// Snapshots are opaque bytes to every backend. Saves overwrite: the last write wins.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrUnknownDriver = errors.New("unknown store driver")
)

type Store interface {
	// Load returns the latest snapshot for id, or ErrNotFound.
	Load(ctx context.Context, id string) ([]byte, error)
	// Save overwrites the snapshot for id.
	Save(ctx context.Context, id string, snapshot []byte) error
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Open connects to the backend named by driver. The meaning of dsn depends on the driver: a file
// path for sqlite and bolt, an address or redis:// url for redis, a connection string for postgres.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, dsn)
	case DriverBolt:
		return OpenBolt(dsn)
	case DriverRedis:
		return OpenRedis(ctx, dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// Memory keeps snapshots in a map. It is used by tests and the memory driver.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{snapshots: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s...), nil
}

func (m *Memory) Save(_ context.Context, id string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[id] = append([]byte(nil), snapshot...)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Package cache keeps resources.read texts and the per-session query history.
//
// Two backends exist: SQLite (default, file-backed, survives restarts) and
// Redis (shared between sessions on different hosts). Both satisfy Store and
// History.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown cache backend")

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

// Store caches resource texts keyed by URI.
type Store interface {
	// Get returns the cached text for uri. ok is false on a miss or an
	// expired entry.
	Get(ctx context.Context, uri string) (text string, ok bool, err error)
	Put(ctx context.Context, uri, text string) error
	Close() error
}

// Entry is one handled query.
type Entry struct {
	SessionID string
	Query     string
	Operation string
	Outcome   string
	At        time.Time
}

// History records handled queries per session.
type History interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries for sessionID, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

// Backing is what Open returns: a resource cache that also keeps history.
type Backing interface {
	Store
	History
}

// Options selects and configures a backend.
type Options struct {
	Backend   string
	Path      string
	RedisAddr string
	RedisDB   int
	TTL       time.Duration
}

// Open returns the configured backend.
func Open(ctx context.Context, o Options) (Backing, error) {
	switch o.Backend {
	case BackendSQLite, "":
		return OpenSQLite(o.Path, o.TTL)
	case BackendRedis:
		s := NewRedis(o.RedisAddr, o.RedisDB, WithTTL(o.TTL))
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case BackendNone:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, o.Backend)
	}
}

// Nop caches nothing and forgets history.
type Nop struct{}

func (Nop) Get(context.Context, string) (string, bool, error)    { return "", false, nil }
func (Nop) Put(context.Context, string, string) error            { return nil }
func (Nop) Close() error                                         { return nil }
func (Nop) Append(context.Context, Entry) error                  { return nil }
func (Nop) Recent(context.Context, string, int) ([]Entry, error) { return nil, nil }

var _ Backing = Nop{}

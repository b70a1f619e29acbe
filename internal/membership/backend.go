package membership

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "approvebot/pkg/logx"
)

// ErrNoSnapshot is returned by Backend.Load when no prior state exists.
// Callers treat it as "start empty", not as a failure.
var ErrNoSnapshot = errors.New("no membership snapshot")

// Backend persists full State snapshots.
//
// Save must be atomic from an external observer's standpoint: a crash during
// Save must never leave an artifact that fails to load.
type Backend interface {
	Save(ctx context.Context, s *State) error
	Load(ctx context.Context) (*State, error)
	Close() error
}

// Config configures membership persistence.
//
// Driver values:
//   - "file" (default): single JSON artifact, written via temp+rename
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OpenBackend initializes the configured persistence backend.
func OpenBackend(cfg Config, log logx.Logger) (Backend, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

package state

import (
	"context"
	"errors"
	"strings"

	logx "nightshift/pkg/logx"
)

// Store is the persistence API used by the coordinator.
//
// Load returns (nil, nil) on first run (no snapshot yet) and wraps ErrCorrupt
// when the record exists but cannot be decoded. Save must be atomic: a crash
// or concurrent reader never observes partial state.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	AppendAudit(ctx context.Context, e AuditEntry) error

	// PutResult durably stores a completed item's output keyed by id and
	// returns the location recorded in the item's result_location field.
	PutResult(ctx context.Context, id string, content []byte) (string, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown state driver: " + driver)
	}
}

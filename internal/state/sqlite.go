//go:build sqlite
// +build sqlite

package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "nightshift/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps the snapshot and audit trail in SQLite; result artifacts
// stay as per-id files so external tooling can read them without a driver.
type sqliteStore struct {
	db         *sql.DB
	log        logx.Logger
	resultsDir string
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("state: sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	resultsDir := strings.TrimSpace(cfg.ResultsDir)
	if resultsDir == "" {
		resultsDir = filepath.Join(filepath.Dir(path), "results")
	}
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, resultsDir: resultsDir}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (*Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("%w: sqlite snapshot: %v", ErrCorrupt, err)
	}
	return &snap, nil
}

func (s *sqliteStore) Save(ctx context.Context, snap *Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if snap == nil {
		return errors.New("state: nil snapshot")
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshot(id, saved_at, data) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET saved_at=excluded.saved_at, data=excluded.data`,
		snap.SavedAt.Format(time.RFC3339Nano), string(b),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, op, item_id, agent, detail, err) VALUES(?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Op, nullStr(e.ItemID), nullStr(e.Agent), nullStr(e.Detail), nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) PutResult(ctx context.Context, id string, content []byte) (string, error) {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("state: result id is required")
	}
	if strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("state: invalid result id %q", id)
	}
	path := filepath.Join(s.resultsDir, id+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

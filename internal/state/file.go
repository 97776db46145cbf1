package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	logx "nightshift/pkg/logx"
)

// fileStore is the default persistence backend.
//
// Files:
//   - <path>                 (JSON snapshot, atomically replaced)
//   - <path>.lock            (advisory exclusive lock, held for the process
//     lifetime to enforce the single-owner model)
//   - <prefix>.audit.jsonl   (append-only JSON Lines)
//   - <results_dir>/<id>.json (one result artifact per completed item)
//
// Every Save writes to a temporary file in the same directory and renames it
// over the snapshot, so readers never observe partial state.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path       string
	resultsDir string

	lock      *flock.Flock
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("state.path is required for file driver")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	resultsDir := strings.TrimSpace(cfg.ResultsDir)
	if resultsDir == "" {
		resultsDir = filepath.Join(dir, "results")
	}
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, err
	}

	// Single-owner protocol: one coordinator process owns the ledger.
	// A second instance fails fast instead of silently corrupting state.
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("state: acquiring lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("state: %s is locked by another coordinator instance", path)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	auditPath := filepath.Join(dir, base+".audit.jsonl")
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = lk.Unlock()
		return nil, err
	}

	return &fileStore{
		log:        log,
		path:       path,
		resultsDir: resultsDir,
		lock:       lk,
		auditFile:  af,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.auditFile != nil {
		err = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.lock != nil {
		if err2 := s.lock.Unlock(); err == nil {
			err = err2
		}
		s.lock = nil
	}
	return err
}

func (s *fileStore) Load(ctx context.Context) (*Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return &snap, nil
}

func (s *fileStore) Save(ctx context.Context, snap *Snapshot) error {
	_ = ctx
	if snap == nil {
		return errors.New("state: nil snapshot")
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("state: audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutResult(ctx context.Context, id string, content []byte) (string, error) {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("state: result id is required")
	}
	// Item ids are uuids or caller-chosen tokens; refuse path separators so a
	// hostile id cannot escape the results directory.
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

package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nightshift/internal/quota"
	"nightshift/internal/work"
	logx "nightshift/pkg/logx"
)

func openTestStore(t *testing.T) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestLoadFirstRun(t *testing.T) {
	t.Parallel()
	st, _ := openTestStore(t)
	snap, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap != nil {
		t.Fatalf("Load on first run = %+v, want nil", snap)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	st, _ := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	in := &Snapshot{
		WIPLimit: 3,
		Items: []*work.Item{
			{ID: "a", Description: "first", Priority: 8, Status: work.StatusCompleted},
			{ID: "b", Description: "second", Priority: 5, Status: work.StatusActive, StartedAt: &started},
			{ID: "c", Description: "third", Priority: 9, Status: work.StatusQueued, Dependencies: []string{"a"}},
		},
		Quota: map[string]quota.TierState{
			"std": {Used: 30, LastReset: started},
		},
	}
	if err := st.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out == nil {
		t.Fatal("Load returned nil after Save")
	}
	if out.WIPLimit != 3 || len(out.Items) != 3 {
		t.Fatalf("loaded snapshot = wip %d, %d items; want 3, 3", out.WIPLimit, len(out.Items))
	}
	for i, want := range in.Items {
		got := out.Items[i]
		if got.ID != want.ID || got.Status != want.Status || got.Priority != want.Priority {
			t.Fatalf("item %d = %+v, want %+v", i, got, want)
		}
	}
	if out.Items[1].StartedAt == nil || !out.Items[1].StartedAt.Equal(started) {
		t.Fatalf("started_at not preserved: %v", out.Items[1].StartedAt)
	}
	if out.Quota["std"].Used != 30 {
		t.Fatalf("quota state = %+v, want used 30", out.Quota["std"])
	}
}

func TestSaveIsAtomic(t *testing.T) {
	t.Parallel()
	st, path := openTestStore(t)
	ctx := context.Background()

	if err := st.Save(ctx, &Snapshot{WIPLimit: 1}); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(ctx, &Snapshot{WIPLimit: 2}); err != nil {
		t.Fatal(err)
	}
	// No temp file left behind, and the content is the latest write.
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind: %v", err)
	}
	snap, err := st.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.WIPLimit != 2 {
		t.Fatalf("WIPLimit = %d, want 2", snap.WIPLimit)
	}
}

func TestLoadCorruptFailsClosed(t *testing.T) {
	t.Parallel()
	st, path := openTestStore(t)
	ctx := context.Background()

	if err := st.Save(ctx, &Snapshot{WIPLimit: 3}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := st.Load(ctx)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Load(corrupt) = %v, want ErrCorrupt", err)
	}
}

func TestSingleOwnerLock(t *testing.T) {
	t.Parallel()
	_, path := openTestStore(t)

	if _, err := Open(Config{Driver: "file", Path: path}, logx.Nop()); err == nil {
		t.Fatal("second Open on the same ledger succeeded, want lock error")
	}
}

func TestLockReleasedOnClose(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	_ = st2.Close()
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()
	st, path := openTestStore(t)
	ctx := context.Background()

	ops := []string{"add_work", "schedule", "complete_work"}
	for _, op := range ops {
		if err := st.AppendAudit(ctx, AuditEntry{Op: op, ItemID: "a"}); err != nil {
			t.Fatalf("AppendAudit(%s): %v", op, err)
		}
	}

	dir := filepath.Dir(path)
	f, err := os.Open(filepath.Join(dir, "ledger.audit.jsonl"))
	if err != nil {
		t.Fatalf("opening audit file: %v", err)
	}
	defer f.Close()

	var got []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("audit line not valid JSON: %v", err)
		}
		if e.At.IsZero() {
			t.Fatal("audit entry missing timestamp")
		}
		got = append(got, e.Op)
	}
	if len(got) != len(ops) {
		t.Fatalf("audit lines = %v, want %v", got, ops)
	}
	for i := range ops {
		if got[i] != ops[i] {
			t.Fatalf("audit order = %v, want %v", got, ops)
		}
	}
}

func TestPutResult(t *testing.T) {
	t.Parallel()
	st, _ := openTestStore(t)
	ctx := context.Background()

	loc, err := st.PutResult(ctx, "item-1", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	b, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("reading result at %s: %v", loc, err)
	}
	if string(b) != `{"ok":true}` {
		t.Fatalf("result content = %s", b)
	}

	for _, bad := range []string{"", "../escape", `a\b`} {
		if _, err := st.PutResult(ctx, bad, nil); err == nil {
			t.Fatalf("PutResult(%q) accepted, want error", bad)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	if err == nil || !strings.Contains(err.Error(), "unknown state driver") {
		t.Fatalf("Open(postgres) = %v, want unknown driver error", err)
	}
}

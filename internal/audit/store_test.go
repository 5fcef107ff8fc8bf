package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := NewStore(dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func rec(callID, engagement, state string, ts time.Time) Record {
	return Record{
		CallID:          callID,
		Timestamp:       ts.UTC().Format(time.RFC3339Nano),
		Tool:            "fs.read",
		EngagementID:    engagement,
		State:           state,
		ExecutionTimeMs: 1.5,
	}
}

func TestStoreLogAndQuery(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	store.Log(rec("c1", "tenant-a", "SUCCEEDED", now))
	r2 := rec("c2", "tenant-a", "SECURITY_REJECTED", now)
	r2.ErrorCode = "SECURITY_ERROR"
	r2.Error = "tool not sanctioned"
	r2.Payload = `{"path":"../../etc/passwd"}`
	store.Log(r2)
	store.Log(rec("c3", "tenant-b", "SUCCEEDED", now))

	// Wait for async writes
	store.Flush()

	all, err := store.Query(QueryOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d records, want 3", len(all))
	}
	if all[0].CallID != "c3" {
		t.Errorf("newest first: got %q, want c3", all[0].CallID)
	}

	rejected, err := store.Query(QueryOpts{State: "SECURITY_REJECTED"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rejected) != 1 {
		t.Fatalf("got %d rejected, want 1", len(rejected))
	}
	got := rejected[0]
	if got.ErrorCode != "SECURITY_ERROR" || got.Error != "tool not sanctioned" || got.Payload != r2.Payload {
		t.Errorf("rejected record = %+v", got)
	}
	if got.ExecutionTimeMs != 1.5 {
		t.Errorf("execution_time_ms = %v, want 1.5", got.ExecutionTimeMs)
	}

	tenantB, err := store.Query(QueryOpts{EngagementID: "tenant-b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tenantB) != 1 {
		t.Errorf("got %d records for tenant-b, want 1", len(tenantB))
	}

	byID, err := store.Query(QueryOpts{CallID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byID) != 1 || byID[0].State != "SUCCEEDED" {
		t.Errorf("query by call id = %+v", byID)
	}
}

func TestQuerySinceAndLimit(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		store.Log(rec(fmt.Sprintf("old-%d", i), "tenant-a", "SUCCEEDED", now.Add(-2*time.Hour)))
	}
	store.Log(rec("new-1", "tenant-a", "SUCCEEDED", now))
	store.Flush()

	recent, err := store.Query(QueryOpts{Since: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].CallID != "new-1" {
		t.Errorf("since filter = %+v", recent)
	}

	limited, err := store.Query(QueryOpts{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limit = %d, want 2", len(limited))
	}
}

func TestQueryStates(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	store.Log(rec("c1", "tenant-a", "SUCCEEDED", now))
	store.Log(rec("c2", "tenant-a", "SUCCEEDED", now))
	store.Log(rec("c3", "tenant-a", "APPLICATION_ERROR", now))
	store.Log(rec("c4", "tenant-b", "INTERNAL_ERROR", now))
	store.Flush()

	counts, err := store.QueryStates("tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	want := []StateCount{{"APPLICATION_ERROR", 1}, {"SUCCEEDED", 2}}
	if fmt.Sprint(counts) != fmt.Sprint(want) {
		t.Errorf("counts = %v, want %v", counts, want)
	}

	all, err := store.QueryStates("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d states, want 3", len(all))
	}
}

func TestPurgeOldEntries(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	old := now.AddDate(0, 0, -40)
	store.Log(rec("recent-1", "tenant-a", "SUCCEEDED", now))
	store.Log(rec("recent-2", "tenant-a", "SUCCEEDED", now.Add(-time.Hour)))
	store.Log(rec("old-1", "tenant-a", "SUCCEEDED", old))
	store.Log(rec("old-2", "tenant-a", "SECURITY_REJECTED", old.Add(-time.Hour)))
	store.Flush()

	n, err := store.PurgeOldEntries(30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}

	remaining, err := store.Query(QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Errorf("remaining = %d, want 2", len(remaining))
	}

	// Purge with 0 days should be no-op
	n, err = store.PurgeOldEntries(0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("purged %d with 0 days, want 0", n)
	}
}

func TestCloseWritesPendingAndStopsLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dbPath := filepath.Join(t.TempDir(), "close.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := NewStore(dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		store.Log(rec(fmt.Sprintf("c%d", i), "tenant-a", "SUCCEEDED", time.Now()))
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewStore(dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	records, err := reopened.Query(QueryOpts{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 20 {
		t.Errorf("got %d records after close, want 20", len(records))
	}
	if err := reopened.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLogAfterClose(t *testing.T) {
	store := newTestStore(t)
	store.Log(rec("early", "tenant-a", "SUCCEEDED", time.Now()))
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Late calls from in-flight handlers must not panic.
	store.Log(rec("late", "tenant-a", "SUCCEEDED", time.Now()))
	store.Flush()
	if err := store.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestBind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	if got := dialectSQLite.bind(q); got != q {
		t.Errorf("sqlite bind changed query: %q", got)
	}
	if got, want := dialectPostgres.bind(q), "SELECT a FROM t WHERE x = $1 AND y = $2"; got != want {
		t.Errorf("postgres bind = %q, want %q", got, want)
	}
}

func TestNewPGStore_Unreachable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	_, err := NewPGStore("postgres://mcpgate@127.0.0.1:1/audit?sslmode=disable&connect_timeout=1", logger)
	if err == nil {
		t.Fatal("expected connection error")
	}
}

func TestRecordJSON(t *testing.T) {
	b := string(RecordJSON(Record{CallID: "j1", State: "SUCCEEDED"}))
	if want := `"call_id":"j1"`; !contains(b, want) {
		t.Errorf("JSON %s missing %s", b, want)
	}
}

func TestDiscard(t *testing.T) {
	Discard.Log(Record{CallID: "x"})
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

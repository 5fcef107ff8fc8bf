package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	tool TEXT NOT NULL,
	engagement_id TEXT NOT NULL,
	state TEXT NOT NULL,
	error_code TEXT,
	error TEXT,
	payload TEXT,
	result TEXT,
	execution_time_ms REAL
);

CREATE INDEX IF NOT EXISTS idx_audit_call ON audit_log(call_id);
CREATE INDEX IF NOT EXISTS idx_audit_engagement ON audit_log(engagement_id);
CREATE INDEX IF NOT EXISTS idx_audit_state ON audit_log(state);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq BIGSERIAL PRIMARY KEY,
	call_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	tool TEXT NOT NULL,
	engagement_id TEXT NOT NULL,
	state TEXT NOT NULL,
	error_code TEXT,
	error TEXT,
	payload TEXT,
	result TEXT,
	execution_time_ms DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_audit_call ON audit_log(call_id);
CREATE INDEX IF NOT EXISTS idx_audit_engagement ON audit_log(engagement_id);
CREATE INDEX IF NOT EXISTS idx_audit_state ON audit_log(state);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

const columns = "call_id, timestamp, tool, engagement_id, state, error_code, error, payload, result, execution_time_ms"

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// bind rewrites ? placeholders for the dialect.
func (d dialect) bind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// op is a queued write. A record with a non-nil ack is a flush marker.
type op struct {
	rec Record
	ack chan struct{}
}

// Store is the SQL audit log (SQLite or Postgres) with a buffered async
// writer.
type Store struct {
	db      *sql.DB
	dialect dialect
	writes  chan op
	done    chan struct{}
	logger  *slog.Logger

	mu     sync.RWMutex // guards closed and sends on writes
	closed bool
}

// NewStore opens (or creates) the SQLite audit database.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	return open(db, dialectSQLite, sqliteSchema, logger)
}

// NewPGStore connects to a Postgres audit database through the pgx driver.
func NewPGStore(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("connecting to audit db: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("connecting to audit db: %w", err)
	}
	return open(db, dialectPostgres, postgresSchema, logger)
}

func open(db *sql.DB, d dialect, schema string, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:      db,
		dialect: d,
		writes:  make(chan op, 256),
		done:    make(chan struct{}),
		logger:  logger,
	}

	go s.writeLoop()
	return s, nil
}

// Log enqueues an audit record for async writing. Records logged after
// Close are dropped.
func (s *Store) Log(rec Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("audit store closed, dropping record", "call_id", rec.CallID)
		return
	}
	select {
	case s.writes <- op{rec: rec}:
	default:
		s.logger.Warn("audit write buffer full, dropping record", "call_id", rec.CallID)
	}
}

// Flush blocks until every record logged before the call is written.
func (s *Store) Flush() {
	ack := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.writes <- op{ack: ack}
	s.mu.RUnlock()
	<-ack
}

// Query returns audit records matching the given filters, newest first.
func (s *Store) Query(opts QueryOpts) ([]Record, error) {
	query := "SELECT " + columns + " FROM audit_log WHERE 1=1"
	var args []any

	if opts.CallID != "" {
		query += " AND call_id = ?"
		args = append(args, opts.CallID)
	}
	if opts.EngagementID != "" {
		query += " AND engagement_id = ?"
		args = append(args, opts.EngagementID)
	}
	if opts.Tool != "" {
		query += " AND tool = ?"
		args = append(args, opts.Tool)
	}
	if opts.State != "" {
		query += " AND state = ?"
		args = append(args, opts.State)
	}
	if !opts.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}

	query += " ORDER BY seq DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := s.db.Query(s.dialect.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var r Record
		var code, msg, payload, result sql.NullString
		var ms sql.NullFloat64
		if err := rows.Scan(&r.CallID, &r.Timestamp, &r.Tool, &r.EngagementID, &r.State,
			&code, &msg, &payload, &result, &ms); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.ErrorCode = code.String
		r.Error = msg.String
		r.Payload = payload.String
		r.Result = result.String
		r.ExecutionTimeMs = ms.Float64
		records = append(records, r)
	}
	return records, rows.Err()
}

// QueryStates counts records per terminal state, optionally for one
// engagement.
func (s *Store) QueryStates(engagementID string) ([]StateCount, error) {
	query := "SELECT state, COUNT(*) FROM audit_log"
	var args []any
	if engagementID != "" {
		query += " WHERE engagement_id = ?"
		args = append(args, engagementID)
	}
	query += " GROUP BY state ORDER BY state"

	rows, err := s.db.Query(s.dialect.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying state counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []StateCount
	for rows.Next() {
		var c StateCount
		if err := rows.Scan(&c.State, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// PurgeOldEntries deletes records older than the given number of days and
// returns how many were removed. Zero days is a no-op.
func (s *Store) PurgeOldEntries(days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).UnixNano()
	res, err := s.db.Exec(s.dialect.bind("DELETE FROM audit_log WHERE created_at < ?"), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes pending writes and closes the database. Later calls are
// no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()
	<-s.done
	return s.db.Close()
}

func (s *Store) writeLoop() {
	defer close(s.done)
	insert := s.dialect.bind("INSERT INTO audit_log (" + columns + ", created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	for o := range s.writes {
		if o.ack != nil {
			close(o.ack)
			continue
		}
		rec := o.rec
		_, err := s.db.Exec(insert,
			rec.CallID, rec.Timestamp, rec.Tool, rec.EngagementID, rec.State,
			rec.ErrorCode, rec.Error, rec.Payload, rec.Result, rec.ExecutionTimeMs,
			createdAt(rec.Timestamp),
		)
		if err != nil {
			s.logger.Error("audit write failed", "call_id", rec.CallID, "error", err)
		}
	}
}

func createdAt(ts string) int64 {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.UnixNano()
	}
	return time.Now().UnixNano()
}

// QueryOpts holds filters for audit log queries.
type QueryOpts struct {
	CallID       string
	EngagementID string
	Tool         string
	State        string
	Since        time.Time
	Limit        int
}

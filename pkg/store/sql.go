package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/organism/pkg/audit"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Dialect selects placeholder style and driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("store: unsupported sql driver %q", driver)
}

// Rebind rewrites '?' placeholders to '$n' for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
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

// OpenDB opens a database for the given dialect.
func OpenDB(ctx context.Context, d Dialect, dsn string) (*sql.DB, error) {
	driver := "postgres"
	if d == DialectSQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", d, err)
	}
	if d == DialectSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", d, err)
	}
	return db, nil
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	event_id TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	event_timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	parent_event_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_events_correlation ON audit_events (correlation_id, sequence_number);
`

// SQLAuditStore persists envelopes in the audit_events table.
type SQLAuditStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLAuditStore wraps db.
func NewSQLAuditStore(db *sql.DB, d Dialect) *SQLAuditStore {
	return &SQLAuditStore{db: db, dialect: d}
}

// Init creates the schema.
func (s *SQLAuditStore) Init(ctx context.Context) error {
	for _, stmt := range splitStatements(auditSchema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init audit schema: %w", err)
		}
	}
	return nil
}

// Append inserts env. A primary key collision is reported as a mutation
// attempt.
func (s *SQLAuditStore) Append(ctx context.Context, env audit.Envelope) error {
	query := s.dialect.Rebind(`
		INSERT INTO audit_events (event_id, correlation_id, sequence_number, event_timestamp, event_type, actor, payload, payload_hash, parent_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query,
		env.EventID,
		env.CorrelationID,
		int64(env.SequenceNumber),
		env.Timestamp.UTC().Format(time.RFC3339Nano),
		string(env.EventType),
		env.Actor,
		string(env.Payload),
		env.PayloadHash,
		env.ParentEventID,
	)
	if err != nil {
		return fmt.Errorf("store: insert audit event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrMutationAttempt, env.EventID)
	}
	return nil
}

// Query returns envelopes for correlationID ordered by sequence number.
func (s *SQLAuditStore) Query(ctx context.Context, correlationID string) ([]audit.Envelope, error) {
	query := s.dialect.Rebind(`
		SELECT event_id, correlation_id, sequence_number, event_timestamp, event_type, actor, payload, payload_hash, parent_event_id
		FROM audit_events
		WHERE correlation_id = ?
		ORDER BY sequence_number, event_id
	`)
	rows, err := s.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("store: query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]audit.Envelope, 0)
	for rows.Next() {
		var (
			env     audit.Envelope
			seq     int64
			ts      string
			evType  string
			payload string
		)
		if err := rows.Scan(&env.EventID, &env.CorrelationID, &seq, &ts, &evType, &env.Actor, &payload, &env.PayloadHash, &env.ParentEventID); err != nil {
			return nil, fmt.Errorf("store: scan audit event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("store: event %s timestamp: %w", env.EventID, err)
		}
		env.Timestamp = parsed.UTC()
		env.SequenceNumber = uint64(seq)
		env.EventType = audit.EventType(evType)
		env.Payload = []byte(payload)
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LastSequence reports the highest sequence and timestamp for a
// correlation, used to resume a sequencer after restart.
func (s *SQLAuditStore) LastSequence(ctx context.Context, correlationID string) (uint64, time.Time, error) {
	query := s.dialect.Rebind(`
		SELECT sequence_number, event_timestamp FROM audit_events
		WHERE correlation_id = ?
		ORDER BY sequence_number DESC LIMIT 1
	`)
	var (
		seq int64
		ts  string
	)
	err := s.db.QueryRowContext(ctx, query, correlationID).Scan(&seq, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("store: last sequence: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0, time.Time{}, err
	}
	return uint64(seq), parsed.UTC(), nil
}

func splitStatements(schema string) []string {
	var out []string
	for _, part := range strings.Split(schema, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

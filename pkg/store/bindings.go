package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Binding ties an approval to exactly one intent hash.
type Binding struct {
	ApprovalID string    `json:"approval_id"`
	IntentHash string    `json:"intent_hash"`
	IntentID   string    `json:"intent_id"`
	BoundAt    time.Time `json:"bound_at"`
}

// BindingStore persists bindings with insert-if-absent semantics. Bind
// returns the stored record and whether this call created it.
type BindingStore interface {
	Bind(ctx context.Context, b Binding) (Binding, bool, error)
	Get(ctx context.Context, approvalID string) (Binding, bool, error)
}

// MemoryBindingStore is a map-backed BindingStore.
type MemoryBindingStore struct {
	mu       sync.Mutex
	bindings map[string]Binding
}

// NewMemoryBindingStore creates an empty store.
func NewMemoryBindingStore() *MemoryBindingStore {
	return &MemoryBindingStore{bindings: make(map[string]Binding)}
}

func (m *MemoryBindingStore) Bind(ctx context.Context, b Binding) (Binding, bool, error) {
	if err := ctx.Err(); err != nil {
		return Binding{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.bindings[b.ApprovalID]; ok {
		return existing, false, nil
	}
	m.bindings[b.ApprovalID] = b
	return b, true, nil
}

func (m *MemoryBindingStore) Get(ctx context.Context, approvalID string) (Binding, bool, error) {
	if err := ctx.Err(); err != nil {
		return Binding{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[approvalID]
	return b, ok, nil
}

const bindingSchema = `
CREATE TABLE IF NOT EXISTS intent_bindings (
	approval_id TEXT PRIMARY KEY,
	intent_hash TEXT NOT NULL,
	intent_id TEXT NOT NULL,
	bound_at TEXT NOT NULL
)`

// SQLBindingStore keeps bindings in intent_bindings; the primary key on
// approval_id makes the first writer win across processes.
type SQLBindingStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLBindingStore wraps db.
func NewSQLBindingStore(db *sql.DB, d Dialect) *SQLBindingStore {
	return &SQLBindingStore{db: db, dialect: d}
}

// Init creates the schema.
func (s *SQLBindingStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, bindingSchema); err != nil {
		return fmt.Errorf("store: init binding schema: %w", err)
	}
	return nil
}

func (s *SQLBindingStore) Bind(ctx context.Context, b Binding) (Binding, bool, error) {
	query := s.dialect.Rebind(`
		INSERT INTO intent_bindings (approval_id, intent_hash, intent_id, bound_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (approval_id) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query, b.ApprovalID, b.IntentHash, b.IntentID, b.BoundAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Binding{}, false, fmt.Errorf("store: insert binding: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Binding{}, false, fmt.Errorf("store: rows affected: %w", err)
	}
	if rows == 1 {
		return b, true, nil
	}
	existing, ok, err := s.Get(ctx, b.ApprovalID)
	if err != nil {
		return Binding{}, false, err
	}
	if !ok {
		return Binding{}, false, errors.New("store: binding vanished after conflict")
	}
	return existing, false, nil
}

func (s *SQLBindingStore) Get(ctx context.Context, approvalID string) (Binding, bool, error) {
	query := s.dialect.Rebind(`SELECT approval_id, intent_hash, intent_id, bound_at FROM intent_bindings WHERE approval_id = ?`)
	var (
		b  Binding
		ts string
	)
	err := s.db.QueryRowContext(ctx, query, approvalID).Scan(&b.ApprovalID, &b.IntentHash, &b.IntentID, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, fmt.Errorf("store: get binding: %w", err)
	}
	if b.BoundAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return Binding{}, false, fmt.Errorf("store: binding %s bound_at: %w", approvalID, err)
	}
	return b, true, nil
}

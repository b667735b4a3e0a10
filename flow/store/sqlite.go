package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inboxflow/inboxflow/flow"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps all engine state in a single-file database. Designed for:
//   - Development and single-process deployments with zero setup
//   - Durable suspension: instances survive process restarts in the file
//   - Prototyping before migrating to MySQL
//
// SQLiteStore uses WAL mode for concurrent reads and wraps the multi-row
// operations (instance+registry creation) in transactions.
//
// Schema:
//   - instances: one row per workflow run, payload as JSON
//   - registry: item_id ⇄ instance_id index plus external message id
//   - markers: per-item idempotency markers
//   - dead_letters: retry-exhausted operations awaiting manual resolution
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a SQLite-backed store at path.
//
// Path may be a file ("./triage.db"), an absolute path, or ":memory:" for an
// in-memory database (data lost on close). The store creates the schema on
// first use, enables WAL mode and sets a 5s busy timeout.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id TEXT NOT NULL PRIMARY KEY,
			item_id TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			current_node TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_owner_status ON instances(owner_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status_updated ON instances(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS registry (
			item_id TEXT NOT NULL PRIMARY KEY,
			instance_id TEXT NOT NULL UNIQUE,
			external_message_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS markers (
			item_id TEXT NOT NULL PRIMARY KEY,
			label_applied_at TEXT,
			reply_sent_at TEXT,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT NOT NULL PRIMARY KEY,
			item_id TEXT NOT NULL,
			operation_type TEXT NOT NULL,
			error_type TEXT NOT NULL,
			error_message TEXT NOT NULL,
			retry_count INTEGER NOT NULL,
			last_retry_at TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			resolved INTEGER NOT NULL DEFAULT 0,
			resolution_notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_item ON dead_letters(item_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CreateInstance inserts the instance and its registry entry in one
// transaction. The unique constraint on item_id is what enforces the
// one-run-per-item invariant; a constraint violation maps to
// ErrDuplicateItem.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst flow.Instance) error {
	if err := s.guard(); err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(inst.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE item_id = ?`, inst.ItemID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check item uniqueness: %w", err)
	}
	if exists > 0 {
		err = ErrDuplicateItem
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances (instance_id, item_id, owner_id, current_node, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.ItemID, inst.OwnerID, string(inst.CurrentNode), string(inst.Status), string(payloadJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO registry (item_id, instance_id, external_message_id)
		VALUES (?, ?, '')`,
		inst.ItemID, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to insert registry entry: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveInstance writes a checkpoint for the instance.
func (s *SQLiteStore) SaveInstance(ctx context.Context, inst flow.Instance) error {
	if err := s.guard(); err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(inst.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET current_node = ?, status = ?, payload = ?, updated_at = ?
		WHERE instance_id = ?`,
		string(inst.CurrentNode), string(inst.Status), string(payloadJSON), now, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) scanInstance(row interface {
	Scan(dest ...any) error
}) (flow.Instance, error) {
	var (
		inst        flow.Instance
		node        string
		status      string
		payloadJSON string
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&inst.ID, &inst.ItemID, &inst.OwnerID, &node, &status, &payloadJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return flow.Instance{}, ErrNotFound
	}
	if err != nil {
		return flow.Instance{}, fmt.Errorf("failed to scan instance: %w", err)
	}
	inst.CurrentNode = flow.Node(node)
	inst.Status = flow.Status(status)
	if err := json.Unmarshal([]byte(payloadJSON), &inst.Payload); err != nil {
		return flow.Instance{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if inst.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return flow.Instance{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if inst.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return flow.Instance{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return inst, nil
}

const instanceColumns = `instance_id, item_id, owner_id, current_node, status, payload, created_at, updated_at`

// LoadInstance retrieves an instance by id.
func (s *SQLiteStore) LoadInstance(ctx context.Context, instanceID string) (flow.Instance, error) {
	if err := s.guard(); err != nil {
		return flow.Instance{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE instance_id = ?`, instanceID)
	return s.scanInstance(row)
}

// LookupItem resolves an item id via the registry's primary key.
func (s *SQLiteStore) LookupItem(ctx context.Context, itemID string) (flow.RegistryEntry, error) {
	if err := s.guard(); err != nil {
		return flow.RegistryEntry{}, err
	}

	var entry flow.RegistryEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, instance_id, external_message_id
		FROM registry WHERE item_id = ?`, itemID).
		Scan(&entry.ItemID, &entry.InstanceID, &entry.ExternalMessageID)
	if err == sql.ErrNoRows {
		return flow.RegistryEntry{}, ErrNotFound
	}
	if err != nil {
		return flow.RegistryEntry{}, fmt.Errorf("failed to look up item: %w", err)
	}
	return entry, nil
}

// UpdateExternalMessage records the most recent outbound message.
func (s *SQLiteStore) UpdateExternalMessage(ctx context.Context, itemID, externalMessageID string) error {
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE registry SET external_message_id = ? WHERE item_id = ?`,
		externalMessageID, itemID)
	if err != nil {
		return fmt.Errorf("failed to update external message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimSuspended performs the suspended→running compare-and-swap. The WHERE
// clause on status makes the swap race-safe: only one concurrent caller sees
// a row affected.
func (s *SQLiteStore) ClaimSuspended(ctx context.Context, instanceID string) (flow.Instance, error) {
	if err := s.guard(); err != nil {
		return flow.Instance{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status = ?, updated_at = ?
		WHERE instance_id = ? AND status = ?`,
		string(flow.StatusRunning), now, instanceID, string(flow.StatusSuspended))
	if err != nil {
		return flow.Instance{}, fmt.Errorf("failed to claim instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return flow.Instance{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish missing from not-suspended for the caller.
		if _, lerr := s.LoadInstance(ctx, instanceID); lerr != nil {
			return flow.Instance{}, lerr
		}
		return flow.Instance{}, ErrNotSuspended
	}
	return s.LoadInstance(ctx, instanceID)
}

// Markers reads the idempotency markers for an item.
func (s *SQLiteStore) Markers(ctx context.Context, itemID string) (flow.Markers, error) {
	if err := s.guard(); err != nil {
		return flow.Markers{}, err
	}

	var (
		mk      flow.Markers
		labelAt sql.NullString
		replyAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT label_applied_at, reply_sent_at, version
		FROM markers WHERE item_id = ?`, itemID).
		Scan(&labelAt, &replyAt, &mk.Version)
	if err == sql.ErrNoRows {
		return flow.Markers{}, nil
	}
	if err != nil {
		return flow.Markers{}, fmt.Errorf("failed to read markers: %w", err)
	}
	if labelAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, labelAt.String)
		if perr != nil {
			return flow.Markers{}, fmt.Errorf("failed to parse label_applied_at: %w", perr)
		}
		mk.LabelAppliedAt = &t
	}
	if replyAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, replyAt.String)
		if perr != nil {
			return flow.Markers{}, fmt.Errorf("failed to parse reply_sent_at: %w", perr)
		}
		mk.ReplySentAt = &t
	}
	return mk, nil
}

// SetLabelApplied sets the label-applied marker once. The WHERE clause on
// the upsert keeps an already-set marker and its timestamp intact.
func (s *SQLiteStore) SetLabelApplied(ctx context.Context, itemID string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markers (item_id, label_applied_at, version)
		VALUES (?, ?, 1)
		ON CONFLICT(item_id) DO UPDATE SET
			label_applied_at = excluded.label_applied_at,
			version = markers.version + 1
		WHERE markers.label_applied_at IS NULL`,
		itemID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set label marker: %w", err)
	}
	return nil
}

// SetReplySent sets the reply-sent marker once.
func (s *SQLiteStore) SetReplySent(ctx context.Context, itemID string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markers (item_id, reply_sent_at, version)
		VALUES (?, ?, 1)
		ON CONFLICT(item_id) DO UPDATE SET
			reply_sent_at = excluded.reply_sent_at,
			version = markers.version + 1
		WHERE markers.reply_sent_at IS NULL`,
		itemID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set reply marker: %w", err)
	}
	return nil
}

// SaveDeadLetter appends a dead-letter entry.
func (s *SQLiteStore) SaveDeadLetter(ctx context.Context, entry flow.DeadLetter) error {
	if err := s.guard(); err != nil {
		return err
	}

	ctxJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
		(id, item_id, operation_type, error_type, error_message, retry_count, last_retry_at, context, resolved, resolution_notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
		entry.ID, entry.ItemID, entry.OperationType, entry.ErrorType, entry.ErrorMessage,
		entry.RetryCount, entry.LastRetryAt.UTC().Format(time.RFC3339Nano),
		string(ctxJSON), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns unresolved entries, oldest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]flow.DeadLetter, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, operation_type, error_type, error_message, retry_count, last_retry_at, context, resolved, resolution_notes
		FROM dead_letters WHERE resolved = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []flow.DeadLetter
	for rows.Next() {
		var (
			dl          flow.DeadLetter
			lastRetryAt string
			ctxJSON     string
			resolved    int
		)
		if err := rows.Scan(&dl.ID, &dl.ItemID, &dl.OperationType, &dl.ErrorType, &dl.ErrorMessage,
			&dl.RetryCount, &lastRetryAt, &ctxJSON, &resolved, &dl.ResolutionNotes); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if dl.LastRetryAt, err = time.Parse(time.RFC3339Nano, lastRetryAt); err != nil {
			return nil, fmt.Errorf("failed to parse last_retry_at: %w", err)
		}
		if err := json.Unmarshal([]byte(ctxJSON), &dl.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead-letter context: %w", err)
		}
		dl.Resolved = resolved != 0
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return out, nil
}

// ResolveDeadLetter marks an entry resolved with operator notes.
func (s *SQLiteStore) ResolveDeadLetter(ctx context.Context, id, notes string) error {
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET resolved = 1, resolution_notes = ? WHERE id = ?`, notes, id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwnerStatus lists instances for one owner in one status, using the
// (owner_id, status) index.
func (s *SQLiteStore) ListByOwnerStatus(ctx context.Context, ownerID string, status flow.Status) ([]flow.Instance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE owner_id = ? AND status = ? ORDER BY created_at ASC`,
		ownerID, string(status))
}

// ListSuspendedBefore lists instances suspended before the cutoff.
func (s *SQLiteStore) ListSuspendedBefore(ctx context.Context, cutoff time.Time) ([]flow.Instance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`,
		string(flow.StatusSuspended), cutoff.UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteStore) queryInstances(ctx context.Context, query string, args ...any) ([]flow.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []flow.Instance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return out, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/inboxflow/inboxflow/flow"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production deployments with multiple worker processes
//   - Multi-day suspensions that must survive restarts and redeploys
//   - Operational queries against instance history
//
// The DSN must include parseTime=true so DATETIME columns scan into
// time.Time:
//
//	user:password@tcp(localhost:3306)/triage?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a MySQL-backed store and runs schema migration.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id VARCHAR(64) NOT NULL PRIMARY KEY,
			item_id VARCHAR(128) NOT NULL,
			owner_id VARCHAR(128) NOT NULL,
			current_node VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			UNIQUE KEY uniq_instances_item (item_id),
			KEY idx_instances_owner_status (owner_id, status),
			KEY idx_instances_status_updated (status, updated_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS registry (
			item_id VARCHAR(128) NOT NULL PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			external_message_id VARCHAR(128) NOT NULL DEFAULT '',
			UNIQUE KEY uniq_registry_instance (instance_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS markers (
			item_id VARCHAR(128) NOT NULL PRIMARY KEY,
			label_applied_at DATETIME(6) NULL,
			reply_sent_at DATETIME(6) NULL,
			version INT NOT NULL DEFAULT 0
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			item_id VARCHAR(128) NOT NULL,
			operation_type VARCHAR(64) NOT NULL,
			error_type VARCHAR(64) NOT NULL,
			error_message TEXT NOT NULL,
			retry_count INT NOT NULL,
			last_retry_at DATETIME(6) NOT NULL,
			context TEXT NOT NULL,
			resolved TINYINT(1) NOT NULL DEFAULT 0,
			resolution_notes TEXT,
			created_at DATETIME(6) NOT NULL,
			KEY idx_dead_letters_item (item_id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CreateInstance inserts the instance and registry entry in one transaction.
func (s *MySQLStore) CreateInstance(ctx context.Context, inst flow.Instance) error {
	if err := s.guard(); err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(inst.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	now := time.Now().UTC()

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
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances WHERE item_id = ? FOR UPDATE`, inst.ItemID).Scan(&exists)
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
		INSERT INTO registry (item_id, instance_id) VALUES (?, ?)`,
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
func (s *MySQLStore) SaveInstance(ctx context.Context, inst flow.Instance) error {
	if err := s.guard(); err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(inst.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET current_node = ?, status = ?, payload = ?, updated_at = ?
		WHERE instance_id = ?`,
		string(inst.CurrentNode), string(inst.Status), string(payloadJSON), time.Now().UTC(), inst.ID)
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

func (s *MySQLStore) scanInstance(row interface {
	Scan(dest ...any) error
}) (flow.Instance, error) {
	var (
		inst        flow.Instance
		node        string
		status      string
		payloadJSON string
	)
	err := row.Scan(&inst.ID, &inst.ItemID, &inst.OwnerID, &node, &status, &payloadJSON, &inst.CreatedAt, &inst.UpdatedAt)
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
	return inst, nil
}

// LoadInstance retrieves an instance by id.
func (s *MySQLStore) LoadInstance(ctx context.Context, instanceID string) (flow.Instance, error) {
	if err := s.guard(); err != nil {
		return flow.Instance{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE instance_id = ?`, instanceID)
	return s.scanInstance(row)
}

// LookupItem resolves an item id via the registry primary key.
func (s *MySQLStore) LookupItem(ctx context.Context, itemID string) (flow.RegistryEntry, error) {
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
func (s *MySQLStore) UpdateExternalMessage(ctx context.Context, itemID, externalMessageID string) error {
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

// ClaimSuspended performs the suspended→running compare-and-swap.
func (s *MySQLStore) ClaimSuspended(ctx context.Context, instanceID string) (flow.Instance, error) {
	if err := s.guard(); err != nil {
		return flow.Instance{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status = ?, updated_at = ?
		WHERE instance_id = ? AND status = ?`,
		string(flow.StatusRunning), time.Now().UTC(), instanceID, string(flow.StatusSuspended))
	if err != nil {
		return flow.Instance{}, fmt.Errorf("failed to claim instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return flow.Instance{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		if _, lerr := s.LoadInstance(ctx, instanceID); lerr != nil {
			return flow.Instance{}, lerr
		}
		return flow.Instance{}, ErrNotSuspended
	}
	return s.LoadInstance(ctx, instanceID)
}

// Markers reads the idempotency markers for an item.
func (s *MySQLStore) Markers(ctx context.Context, itemID string) (flow.Markers, error) {
	if err := s.guard(); err != nil {
		return flow.Markers{}, err
	}

	var (
		mk      flow.Markers
		labelAt sql.NullTime
		replyAt sql.NullTime
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
		t := labelAt.Time
		mk.LabelAppliedAt = &t
	}
	if replyAt.Valid {
		t := replyAt.Time
		mk.ReplySentAt = &t
	}
	return mk, nil
}

// SetLabelApplied sets the label-applied marker once. The version assignment
// is listed first so it observes the pre-update marker value.
func (s *MySQLStore) SetLabelApplied(ctx context.Context, itemID string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markers (item_id, label_applied_at, version)
		VALUES (?, ?, 1)
		ON DUPLICATE KEY UPDATE
			version = IF(label_applied_at IS NULL, version + 1, version),
			label_applied_at = COALESCE(label_applied_at, VALUES(label_applied_at))`,
		itemID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to set label marker: %w", err)
	}
	return nil
}

// SetReplySent sets the reply-sent marker once.
func (s *MySQLStore) SetReplySent(ctx context.Context, itemID string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markers (item_id, reply_sent_at, version)
		VALUES (?, ?, 1)
		ON DUPLICATE KEY UPDATE
			version = IF(reply_sent_at IS NULL, version + 1, version),
			reply_sent_at = COALESCE(reply_sent_at, VALUES(reply_sent_at))`,
		itemID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to set reply marker: %w", err)
	}
	return nil
}

// SaveDeadLetter appends a dead-letter entry.
func (s *MySQLStore) SaveDeadLetter(ctx context.Context, entry flow.DeadLetter) error {
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
		entry.RetryCount, entry.LastRetryAt.UTC(), string(ctxJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns unresolved entries, oldest first.
func (s *MySQLStore) ListDeadLetters(ctx context.Context) ([]flow.DeadLetter, error) {
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
			dl       flow.DeadLetter
			ctxJSON  string
			resolved int
			notes    sql.NullString
		)
		if err := rows.Scan(&dl.ID, &dl.ItemID, &dl.OperationType, &dl.ErrorType, &dl.ErrorMessage,
			&dl.RetryCount, &dl.LastRetryAt, &ctxJSON, &resolved, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(ctxJSON), &dl.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead-letter context: %w", err)
		}
		dl.Resolved = resolved != 0
		dl.ResolutionNotes = notes.String
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return out, nil
}

// ResolveDeadLetter marks an entry resolved with operator notes.
func (s *MySQLStore) ResolveDeadLetter(ctx context.Context, id, notes string) error {
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

// ListByOwnerStatus lists instances for one owner in one status.
func (s *MySQLStore) ListByOwnerStatus(ctx context.Context, ownerID string, status flow.Status) ([]flow.Instance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE owner_id = ? AND status = ? ORDER BY created_at ASC`,
		ownerID, string(status))
}

// ListSuspendedBefore lists instances suspended before the cutoff.
func (s *MySQLStore) ListSuspendedBefore(ctx context.Context, cutoff time.Time) ([]flow.Instance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`,
		string(flow.StatusSuspended), cutoff.UTC())
}

func (s *MySQLStore) queryInstances(ctx context.Context, query string, args ...any) ([]flow.Instance, error) {
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

// Close closes the connection pool. Double-close is a no-op.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

package listrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresOperationsTableName = "listrelay_operations"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRepository stores QueuedOperation records in a postgres table,
// created lazily on first use.
type PostgresRepository struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRepository{
		dsn:       dsn,
		tableName: postgresOperationsTableName,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (r *PostgresRepository) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				operation_type TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				target_id TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL,
				status TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				scheduled_for TIMESTAMPTZ NOT NULL,
				last_retry_at TIMESTAMPTZ,
				error_message TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`, postgresQuoteIdentifier(r.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		for _, index := range []struct{ name, columns string }{
			{r.tableName + "_status_scheduled_idx", "(status, scheduled_for)"},
			{r.tableName + "_owner_status_idx", "(owner_id, status)"},
		} {
			createIndexQuery := fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s %s",
				postgresQuoteIdentifier(index.name),
				postgresQuoteIdentifier(r.tableName),
				index.columns,
			)
			if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
				_ = db.Close()
				r.initErr = err
				return
			}
		}
		r.db = db
	})
	return r.initErr
}

func (r *PostgresRepository) Insert(ctx context.Context, op *QueuedOperation) error {
	if op == nil || strings.TrimSpace(op.ID) == "" {
		return ErrInvalidInput
	}
	if err := validateNew(op.Type, op.OwnerID, op.TargetID, op.Payload); err != nil {
		return err
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, operation_type, owner_id, target_id, payload, status,
			retry_count, scheduled_for, last_retry_at, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		postgresQuoteIdentifier(r.tableName))
	_, err = r.db.ExecContext(ctx, query,
		op.ID, string(op.Type), op.OwnerID, op.TargetID, string(payload), string(op.Status),
		op.RetryCount, op.ScheduledFor.UTC(), nullableTime(op.LastRetryAt), op.ErrorMessage,
		op.CreatedAt, op.UpdatedAt)
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*QueuedOperation, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1",
		postgresOperationColumns, postgresQuoteIdentifier(r.tableName))
	op, err := scanOperation(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return op, err
}

// Update persists every mutable field. The WHERE clause excludes terminal
// rows so a completed or cancelled record can never be rewritten.
func (r *PostgresRepository) Update(ctx context.Context, op *QueuedOperation) error {
	if op == nil || strings.TrimSpace(op.ID) == "" {
		return ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return err
	}
	op.UpdatedAt = r.now().UTC()

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s
		SET payload = $2, status = $3, retry_count = $4, scheduled_for = $5,
			last_retry_at = $6, error_message = $7, updated_at = $8
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`,
		postgresQuoteIdentifier(r.tableName))
	result, err := r.db.ExecContext(ctx, query,
		op.ID, string(payload), string(op.Status), op.RetryCount, op.ScheduledFor.UTC(),
		nullableTime(op.LastRetryAt), op.ErrorMessage, op.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		stored, getErr := r.Get(ctx, op.ID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: operation %s is %s", ErrInvalidStatus, op.ID, stored.Status)
	}
	return nil
}

func (r *PostgresRepository) FindDuplicate(ctx context.Context, opType OperationType, ownerID, targetID string, payload Payload) (*QueuedOperation, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE operation_type = $1 AND owner_id = $2 AND target_id = $3
			AND status IN ('pending', 'processing')
		ORDER BY created_at ASC`,
		postgresOperationColumns, postgresQuoteIdentifier(r.tableName))
	rows, err := r.db.QueryContext(ctx, query, string(opType), ownerID, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	// Payload equivalence is type-specific, so filter in Go after the scan.
	for rows.Next() {
		op, scanErr := scanOperation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		if payloadEquivalent(opType, op.Payload, payload) {
			return op, nil
		}
	}
	return nil, rows.Err()
}

func (r *PostgresRepository) DuePending(ctx context.Context, now time.Time, limit int) ([]*QueuedOperation, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY created_at ASC`,
		postgresOperationColumns, postgresQuoteIdentifier(r.tableName))
	args := []any{now.UTC()}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return r.queryOperations(ctx, query, args...)
}

func (r *PostgresRepository) ByOwnerPending(ctx context.Context, ownerID string) ([]*QueuedOperation, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = 'pending' AND owner_id = $1
		ORDER BY created_at ASC`,
		postgresOperationColumns, postgresQuoteIdentifier(r.tableName))
	return r.queryOperations(ctx, query, ownerID)
}

func (r *PostgresRepository) RetryableFailed(ctx context.Context, maxRetries int) ([]*QueuedOperation, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = 'failed' AND retry_count < $1
		ORDER BY created_at ASC`,
		postgresOperationColumns, postgresQuoteIdentifier(r.tableName))
	return r.queryOperations(ctx, query, maxRetries)
}

func (r *PostgresRepository) DeleteTerminalOlderThan(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ('completed', 'cancelled') AND updated_at < $1`,
		postgresQuoteIdentifier(r.tableName))
	result, err := r.db.ExecContext(ctx, query, now.Add(-retention).UTC())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (r *PostgresRepository) CountsByStatus(ctx context.Context) (map[OperationStatus]int, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status",
		postgresQuoteIdentifier(r.tableName))
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[OperationStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[OperationStatus(status)] = count
	}
	return counts, rows.Err()
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const postgresOperationColumns = `id, operation_type, owner_id, target_id, payload, status,
	retry_count, scheduled_for, last_retry_at, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*QueuedOperation, error) {
	var op QueuedOperation
	var opType, status, payload string
	var lastRetryAt sql.NullTime
	if err := row.Scan(&op.ID, &opType, &op.OwnerID, &op.TargetID, &payload, &status,
		&op.RetryCount, &op.ScheduledFor, &lastRetryAt, &op.ErrorMessage,
		&op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	op.Type = OperationType(opType)
	op.Status = OperationStatus(status)
	if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", op.ID, err)
	}
	if lastRetryAt.Valid {
		at := lastRetryAt.Time
		op.LastRetryAt = &at
	}
	return &op, nil
}

func (r *PostgresRepository) queryOperations(ctx context.Context, query string, args ...any) ([]*QueuedOperation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ops := make([]*QueuedOperation, 0)
	for rows.Next() {
		op, scanErr := scanOperation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

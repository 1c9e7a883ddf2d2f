package listrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LISTRELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set LISTRELAY_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}

func newPostgresIntegrationRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := postgresIntegrationDSN(t)
	repo, err := NewPostgresRepository(dsn)
	if err != nil {
		t.Fatalf("new postgres repository: %v", err)
	}
	repo.tableName = postgresIntegrationTableName("listrelay_ops_test")
	t.Cleanup(func() {
		_ = repo.Close()
		postgresIntegrationDropTable(t, dsn, repo.tableName)
	})
	return repo
}

func TestPostgresRepositoryRoundTrip(t *testing.T) {
	repo := newPostgresIntegrationRepository(t)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Microsecond)
	op := &QueuedOperation{
		ID:           "op_pg_1",
		Type:         OpAddItem,
		OwnerID:      "owner_1",
		TargetID:     "col_1",
		Payload:      Payload{ItemID: 7},
		Status:       StatusPending,
		ScheduledFor: at,
		LastRetryAt:  &at,
		ErrorMessage: "previous failure",
	}
	if err := repo.Insert(ctx, op); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := repo.Get(ctx, "op_pg_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != OpAddItem || got.Payload.ItemID != 7 || got.ErrorMessage != "previous failure" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.LastRetryAt == nil || !got.LastRetryAt.Equal(at) {
		t.Fatalf("expected last_retry_at preserved, got %v", got.LastRetryAt)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresRepositoryTerminalImmutability(t *testing.T) {
	repo := newPostgresIntegrationRepository(t)
	ctx := context.Background()

	op := &QueuedOperation{
		ID:           "op_pg_terminal",
		Type:         OpCreateCollection,
		OwnerID:      "owner_1",
		Payload:      Payload{Name: "Watchlist"},
		Status:       StatusPending,
		ScheduledFor: time.Now().UTC(),
	}
	if err := repo.Insert(ctx, op); err != nil {
		t.Fatalf("insert: %v", err)
	}
	op.Status = StatusCompleted
	if err := repo.Update(ctx, op); err != nil {
		t.Fatalf("completing: %v", err)
	}
	op.Status = StatusPending
	if err := repo.Update(ctx, op); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestPostgresRepositoryQueries(t *testing.T) {
	repo := newPostgresIntegrationRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(id string, status OperationStatus, scheduledFor time.Time, retryCount int) {
		t.Helper()
		op := &QueuedOperation{
			ID:           id,
			Type:         OpAddItem,
			OwnerID:      "owner_1",
			TargetID:     "col_1",
			Payload:      Payload{ItemID: int64(len(id))},
			Status:       StatusPending,
			ScheduledFor: scheduledFor,
		}
		if err := repo.Insert(ctx, op); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		if status != StatusPending {
			op.Status = status
			op.RetryCount = retryCount
			if err := repo.Update(ctx, op); err != nil {
				t.Fatalf("update %s: %v", id, err)
			}
		}
	}

	insert("op_due_1", StatusPending, now.Add(-time.Minute), 0)
	insert("op_due_2", StatusPending, now.Add(-time.Second), 0)
	insert("op_future", StatusPending, now.Add(time.Hour), 0)
	insert("op_failed", StatusFailed, now, 2)
	insert("op_exhausted", StatusFailed, now, 5)

	due, err := repo.DuePending(ctx, now, 0)
	if err != nil {
		t.Fatalf("due pending: %v", err)
	}
	if len(due) != 2 || due[0].ID != "op_due_1" || due[1].ID != "op_due_2" {
		t.Fatalf("unexpected due set: %+v", due)
	}

	limited, err := repo.DuePending(ctx, now, 1)
	if err != nil {
		t.Fatalf("due pending limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "op_due_1" {
		t.Fatalf("expected oldest only, got %+v", limited)
	}

	pending, err := repo.ByOwnerPending(ctx, "owner_1")
	if err != nil {
		t.Fatalf("by owner pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending for owner, got %d", len(pending))
	}

	retryable, err := repo.RetryableFailed(ctx, 5)
	if err != nil {
		t.Fatalf("retryable failed: %v", err)
	}
	if len(retryable) != 1 || retryable[0].ID != "op_failed" {
		t.Fatalf("expected op_failed only, got %+v", retryable)
	}

	counts, err := repo.CountsByStatus(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[StatusPending] != 3 || counts[StatusFailed] != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestPostgresRepositoryFindDuplicate(t *testing.T) {
	repo := newPostgresIntegrationRepository(t)
	ctx := context.Background()

	op := &QueuedOperation{
		ID:           "op_pg_dup",
		Type:         OpAddItem,
		OwnerID:      "owner_1",
		TargetID:     "col_1",
		Payload:      Payload{ItemID: 7},
		Status:       StatusPending,
		ScheduledFor: time.Now().UTC(),
	}
	if err := repo.Insert(ctx, op); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup, err := repo.FindDuplicate(ctx, OpAddItem, "owner_1", "col_1", Payload{ItemID: 7})
	if err != nil {
		t.Fatalf("find duplicate: %v", err)
	}
	if dup == nil || dup.ID != "op_pg_dup" {
		t.Fatalf("expected duplicate found, got %+v", dup)
	}
	if dup, _ := repo.FindDuplicate(ctx, OpAddItem, "owner_1", "col_1", Payload{ItemID: 8}); dup != nil {
		t.Fatalf("different payload must not deduplicate")
	}
}

func TestPostgresRepositoryRetention(t *testing.T) {
	repo := newPostgresIntegrationRepository(t)
	ctx := context.Background()

	op := &QueuedOperation{
		ID:           "op_pg_old",
		Type:         OpCreateCollection,
		OwnerID:      "owner_1",
		Payload:      Payload{Name: "Watchlist"},
		Status:       StatusPending,
		ScheduledFor: time.Now().UTC(),
	}
	if err := repo.Insert(ctx, op); err != nil {
		t.Fatalf("insert: %v", err)
	}
	op.Status = StatusCompleted
	if err := repo.Update(ctx, op); err != nil {
		t.Fatalf("completing: %v", err)
	}

	deleted, err := repo.DeleteTerminalOlderThan(ctx, time.Now().UTC().Add(48*time.Hour), 24*time.Hour)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := repo.Get(ctx, "op_pg_old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record gone, got %v", err)
	}
}

package listrelay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Repository is the durable home of QueuedOperation records. Implementations
// must enforce terminal immutability: updates against a completed or
// cancelled record fail with ErrInvalidStatus.
type Repository interface {
	Insert(ctx context.Context, op *QueuedOperation) error
	Get(ctx context.Context, id string) (*QueuedOperation, error)
	Update(ctx context.Context, op *QueuedOperation) error

	// FindDuplicate returns an existing non-terminal record with the same
	// type, owner, target, and an equivalent payload, or nil when none exists.
	FindDuplicate(ctx context.Context, opType OperationType, ownerID, targetID string, payload Payload) (*QueuedOperation, error)

	// DuePending returns pending records whose scheduled_for has passed,
	// oldest first. limit <= 0 means no limit.
	DuePending(ctx context.Context, now time.Time, limit int) ([]*QueuedOperation, error)
	ByOwnerPending(ctx context.Context, ownerID string) ([]*QueuedOperation, error)
	RetryableFailed(ctx context.Context, maxRetries int) ([]*QueuedOperation, error)

	// DeleteTerminalOlderThan removes completed and cancelled records whose
	// updated_at is older than the retention window. Failed records are kept
	// for manual review.
	DeleteTerminalOlderThan(ctx context.Context, now time.Time, retention time.Duration) (int, error)
	CountsByStatus(ctx context.Context) (map[OperationStatus]int, error)

	Close() error
}

type memoryRepository struct {
	mu  sync.RWMutex
	ops map[string]*QueuedOperation
	now func() time.Time
}

func NewMemoryRepository() Repository {
	return &memoryRepository{
		ops: map[string]*QueuedOperation{},
		now: time.Now,
	}
}

// NewMemoryRepositoryWithClock exists so tests can control timestamps.
func NewMemoryRepositoryWithClock(now func() time.Time) Repository {
	if now == nil {
		now = time.Now
	}
	return &memoryRepository{
		ops: map[string]*QueuedOperation{},
		now: now,
	}
}

func (r *memoryRepository) Insert(_ context.Context, op *QueuedOperation) error {
	if op == nil || strings.TrimSpace(op.ID) == "" {
		return ErrInvalidInput
	}
	if err := validateNew(op.Type, op.OwnerID, op.TargetID, op.Payload); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[op.ID]; exists {
		return fmt.Errorf("%w: operation %s already exists", ErrInvalidInput, op.ID)
	}
	now := r.now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now
	r.ops[op.ID] = op.Clone()
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (*QueuedOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return op.Clone(), nil
}

func (r *memoryRepository) Update(_ context.Context, op *QueuedOperation) error {
	if op == nil || strings.TrimSpace(op.ID) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.ops[op.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("%w: operation %s is %s", ErrInvalidStatus, op.ID, stored.Status)
	}
	op.CreatedAt = stored.CreatedAt
	op.UpdatedAt = r.now().UTC()
	r.ops[op.ID] = op.Clone()
	return nil
}

func (r *memoryRepository) FindDuplicate(_ context.Context, opType OperationType, ownerID, targetID string, payload Payload) (*QueuedOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, op := range r.ops {
		if op.Status != StatusPending && op.Status != StatusProcessing {
			continue
		}
		if op.Type != opType || op.OwnerID != ownerID || op.TargetID != targetID {
			continue
		}
		if payloadEquivalent(opType, op.Payload, payload) {
			return op.Clone(), nil
		}
	}
	return nil, nil
}

func (r *memoryRepository) DuePending(_ context.Context, now time.Time, limit int) ([]*QueuedOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	due := make([]*QueuedOperation, 0)
	for _, op := range r.ops {
		if op.Status == StatusPending && !op.ScheduledFor.After(now) {
			due = append(due, op.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *memoryRepository) ByOwnerPending(_ context.Context, ownerID string) ([]*QueuedOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pending := make([]*QueuedOperation, 0)
	for _, op := range r.ops {
		if op.Status == StatusPending && op.OwnerID == ownerID {
			pending = append(pending, op.Clone())
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (r *memoryRepository) RetryableFailed(_ context.Context, maxRetries int) ([]*QueuedOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	failed := make([]*QueuedOperation, 0)
	for _, op := range r.ops {
		if op.Status == StatusFailed && op.RetryCount < maxRetries {
			failed = append(failed, op.Clone())
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].CreatedAt.Before(failed[j].CreatedAt)
	})
	return failed, nil
}

func (r *memoryRepository) DeleteTerminalOlderThan(_ context.Context, now time.Time, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, ErrInvalidInput
	}
	cutoff := now.Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for id, op := range r.ops {
		if op.Status.Terminal() && op.UpdatedAt.Before(cutoff) {
			delete(r.ops, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *memoryRepository) CountsByStatus(_ context.Context) (map[OperationStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[OperationStatus]int{}
	for _, op := range r.ops {
		counts[op.Status]++
	}
	return counts, nil
}

func (r *memoryRepository) Close() error {
	return nil
}

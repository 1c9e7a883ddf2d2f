package listrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ProcessOutcome string

const (
	// OutcomeCompleted: the remote call succeeded, the record is terminal.
	OutcomeCompleted ProcessOutcome = "completed"
	// OutcomeRescheduled: a retryable failure, the record went back to
	// pending with a future scheduled_for.
	OutcomeRescheduled ProcessOutcome = "rescheduled"
	// OutcomeFailed: fatal failure or retry budget exhausted.
	OutcomeFailed ProcessOutcome = "failed"
)

const (
	DefaultMaxRetries      = 5
	DefaultRetryBaseDelay  = time.Minute
	DefaultRetryMaxDelay   = time.Hour
	DefaultDispatchTimeout = 30 * time.Second
)

type ProcessorOptions struct {
	Repository Repository
	Remote     RemoteClient
	Sessions   SessionProvider
	Cache      *Cache
	Events     *EventHub
	Logger     Logger

	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	DispatchTimeout time.Duration
	Now             func() time.Time
}

// Processor executes queued operations against the remote service and owns
// every status transition. It is stateless per invocation; the repository
// and cache are the only shared state.
type Processor struct {
	repo     Repository
	remote   RemoteClient
	sessions SessionProvider
	cache    *Cache
	events   *EventHub
	logger   Logger

	maxRetries      int
	baseDelay       time.Duration
	maxDelay        time.Duration
	dispatchTimeout time.Duration
	now             func() time.Time
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Repository == nil || opts.Remote == nil || opts.Sessions == nil {
		return nil, fmt.Errorf("%w: repository, remote client, and session provider are required", ErrInvalidInput)
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	maxDelay := opts.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultRetryMaxDelay
	}
	dispatchTimeout := opts.DispatchTimeout
	if dispatchTimeout <= 0 {
		dispatchTimeout = DefaultDispatchTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		repo:            opts.Repository,
		remote:          opts.Remote,
		sessions:        opts.Sessions,
		cache:           opts.Cache,
		events:          opts.Events,
		logger:          opts.Logger,
		maxRetries:      maxRetries,
		baseDelay:       baseDelay,
		maxDelay:        maxDelay,
		dispatchTimeout: dispatchTimeout,
		now:             now,
	}, nil
}

func (p *Processor) MaxRetries() int {
	return p.maxRetries
}

// Enqueue accepts a write for later processing. Acceptance is idempotent: an
// equivalent non-terminal record is returned unchanged, so the caller cannot
// tell "newly queued" from "already queued". A storage failure is returned
// loudly rather than pretending acceptance.
func (p *Processor) Enqueue(ctx context.Context, opType OperationType, ownerID, targetID string, payload Payload) (*QueuedOperation, error) {
	if err := validateNew(opType, ownerID, targetID, payload); err != nil {
		return nil, err
	}
	dup, err := p.repo.FindDuplicate(ctx, opType, ownerID, targetID, payload)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		return dup, nil
	}
	op := &QueuedOperation{
		ID:           uuid.New().String(),
		Type:         opType,
		OwnerID:      ownerID,
		TargetID:     targetID,
		Payload:      payload,
		Status:       StatusPending,
		ScheduledFor: p.now().UTC(),
	}
	if err := p.repo.Insert(ctx, op); err != nil {
		return nil, err
	}
	p.publish(op)
	return op, nil
}

// Process runs one pending operation through the state machine. The returned
// error reports infrastructure problems only; remote failures are recorded
// on the record and reflected in the outcome.
func (p *Processor) Process(ctx context.Context, id string) (ProcessOutcome, error) {
	op, err := p.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if op.Status != StatusPending {
		return "", fmt.Errorf("%w: operation %s is %s", ErrInvalidStatus, id, op.Status)
	}

	// Durable processing marker first, so a crash mid-flight is observable.
	op.Status = StatusProcessing
	if err := p.repo.Update(ctx, op); err != nil {
		return "", err
	}
	p.publish(op)

	session, err := p.sessions.ResolveSession(ctx, op.OwnerID)
	if err != nil {
		return p.transitionFailure(ctx, op, err)
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, p.dispatchTimeout)
	result, err := dispatchRemote(dispatchCtx, p.remote, session, op.Type, op.TargetID, op.Payload)
	cancel()
	if err != nil {
		return p.transitionFailure(ctx, op, err)
	}

	op.Status = StatusCompleted
	op.ErrorMessage = ""
	if err := p.repo.Update(ctx, op); err != nil {
		return "", err
	}
	p.applyCacheEffects(op, result)
	p.publish(op)
	metricOpsCompleted.Inc()
	return OutcomeCompleted, nil
}

func (p *Processor) transitionFailure(ctx context.Context, op *QueuedOperation, cause error) (ProcessOutcome, error) {
	now := p.now().UTC()
	op.ErrorMessage = cause.Error()
	op.LastRetryAt = &now

	if !retryableError(cause) {
		op.Status = StatusFailed
		if err := p.repo.Update(ctx, op); err != nil {
			return "", err
		}
		p.publish(op)
		metricOpsFailed.Inc()
		logf(p.logger, "operation %s (%s) failed permanently: %v", op.ID, op.Type, cause)
		return OutcomeFailed, nil
	}

	// A record manually retried at the budget fails again without another
	// increment, so RetryCount never exceeds MaxRetries.
	if op.RetryCount < p.maxRetries {
		op.RetryCount++
	}
	if op.RetryCount >= p.maxRetries {
		op.Status = StatusFailed
		if err := p.repo.Update(ctx, op); err != nil {
			return "", err
		}
		p.publish(op)
		metricOpsFailed.Inc()
		logf(p.logger, "operation %s (%s) exhausted %d retries: %v", op.ID, op.Type, op.RetryCount, cause)
		return OutcomeFailed, nil
	}

	delay := backoffDelay(op.RetryCount, p.baseDelay, p.maxDelay)
	// A rate-limited remote may dictate a longer wait than the backoff.
	var remoteErr *RemoteError
	if errors.As(cause, &remoteErr) && remoteErr.RetryAfter > delay {
		delay = remoteErr.RetryAfter
	}
	op.Status = StatusPending
	op.ScheduledFor = now.Add(delay)
	if err := p.repo.Update(ctx, op); err != nil {
		return "", err
	}
	p.publish(op)
	metricOpsRetried.Inc()
	logf(p.logger, "operation %s (%s) retry %d/%d in %s: %v", op.ID, op.Type, op.RetryCount, p.maxRetries, delay, cause)
	return OutcomeRescheduled, nil
}

// Retry resets a failed record to pending and processes it synchronously.
// RetryCount is deliberately preserved.
func (p *Processor) Retry(ctx context.Context, id string) (*QueuedOperation, ProcessOutcome, error) {
	op, err := p.repo.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if op.Status != StatusFailed {
		return nil, "", fmt.Errorf("%w: operation %s is %s, only failed operations can be retried", ErrInvalidStatus, id, op.Status)
	}
	op.Status = StatusPending
	op.ScheduledFor = p.now().UTC()
	op.ErrorMessage = ""
	if err := p.repo.Update(ctx, op); err != nil {
		return nil, "", err
	}
	p.publish(op)
	outcome, err := p.Process(ctx, id)
	if err != nil {
		return nil, "", err
	}
	refreshed, err := p.repo.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return refreshed, outcome, nil
}

// Cancel is best-effort and pre-dispatch: it never aborts an in-flight
// remote call, it only stops records that have not reached a terminal state.
func (p *Processor) Cancel(ctx context.Context, id string) (*QueuedOperation, error) {
	op, err := p.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status != StatusPending && op.Status != StatusProcessing {
		return nil, fmt.Errorf("%w: operation %s is %s, only pending or processing operations can be cancelled", ErrInvalidStatus, id, op.Status)
	}
	op.Status = StatusCancelled
	if err := p.repo.Update(ctx, op); err != nil {
		return nil, err
	}
	p.publish(op)
	return op, nil
}

// applyCacheEffects records returned identifiers and drops every cached read
// touching the affected owner or collection.
func (p *Processor) applyCacheEffects(op *QueuedOperation, result RemoteResult) {
	if p.cache == nil {
		return
	}
	target := op.TargetID
	if op.Type == OpCreateCollection && result.RemoteID != "" {
		target = result.RemoteID
		p.cache.Put(CacheKey("lists", "collection", target, nil), result, 0)
	}
	ownerMark := ":" + op.OwnerID + ":"
	targetMark := ""
	if target != "" {
		targetMark = ":" + target + ":"
	}
	p.cache.InvalidateFunc(func(key string) bool {
		if strings.Contains(key, ownerMark) {
			return true
		}
		return targetMark != "" && strings.Contains(key, targetMark)
	})
}

func (p *Processor) publish(op *QueuedOperation) {
	if p.events == nil {
		return
	}
	p.events.Publish(OperationEvent{
		OperationID: op.ID,
		Type:        op.Type,
		OwnerID:     op.OwnerID,
		TargetID:    op.TargetID,
		Status:      op.Status,
		RetryCount:  op.RetryCount,
		Error:       op.ErrorMessage,
		Timestamp:   p.now().UTC(),
	})
}

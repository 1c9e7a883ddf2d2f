package listrelay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultProcessInterval = 15 * time.Second
	DefaultCleanupInterval = 24 * time.Hour
	DefaultRetention       = 30 * 24 * time.Hour
	defaultBatchLimit      = 50
)

type RunnerOptions struct {
	Processor  *Processor
	Repository Repository
	Logger     Logger

	ProcessInterval time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
	// Concurrency bounds how many due operations are in flight at once.
	Concurrency int
	BatchLimit  int
	Now         func() time.Time
}

type RunnerStatus struct {
	Enabled        bool                    `json:"enabled"`
	CountsByStatus map[OperationStatus]int `json:"countsByStatus"`
	TotalProcessed uint64                  `json:"totalProcessed"`
	TotalFailed    uint64                  `json:"totalFailed"`
}

// Runner is the supervised loop that drains due operations and performs
// retention cleanup. One bad record never stops the pass: each record is
// processed behind a recover guard.
type Runner struct {
	processor *Processor
	repo      Repository
	logger    Logger

	processInterval time.Duration
	cleanupInterval time.Duration
	retention       time.Duration
	concurrency     int
	batchLimit      int
	now             func() time.Time

	enabled        atomic.Bool
	totalProcessed atomic.Uint64
	totalFailed    atomic.Uint64

	trigger   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Processor == nil || opts.Repository == nil {
		return nil, ErrInvalidInput
	}
	processInterval := opts.ProcessInterval
	if processInterval <= 0 {
		processInterval = DefaultProcessInterval
	}
	cleanupInterval := opts.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	batchLimit := opts.BatchLimit
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Runner{
		processor:       opts.Processor,
		repo:            opts.Repository,
		logger:          opts.Logger,
		processInterval: processInterval,
		cleanupInterval: cleanupInterval,
		retention:       retention,
		concurrency:     concurrency,
		batchLimit:      batchLimit,
		now:             now,
		trigger:         make(chan struct{}, 1),
		closed:          make(chan struct{}),
	}
	r.enabled.Store(true)
	return r, nil
}

func (r *Runner) Start() {
	r.wg.Add(1)
	go r.run()
}

func (r *Runner) run() {
	defer r.wg.Done()
	processTicker := time.NewTicker(r.processInterval)
	defer processTicker.Stop()
	cleanupTicker := time.NewTicker(r.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-r.closed:
			return
		case <-processTicker.C:
			r.processPass()
		case <-r.trigger:
			r.processPass()
		case <-cleanupTicker.C:
			r.cleanupPass()
		}
	}
}

// processPass drains everything currently due. The timers keep firing while
// disabled; the pass just does nothing.
func (r *Runner) processPass() {
	if !r.enabled.Load() {
		return
	}
	ctx := context.Background()
	due, err := r.repo.DuePending(ctx, r.now().UTC(), r.batchLimit)
	if err != nil {
		logf(r.logger, "runner: loading due operations failed: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, op := range due {
		select {
		case <-r.closed:
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			r.processOne(ctx, id)
		}(op.ID)
	}
	wg.Wait()
}

func (r *Runner) processOne(ctx context.Context, id string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.totalFailed.Add(1)
			logf(r.logger, "runner: panic while processing %s: %v", id, recovered)
		}
	}()
	outcome, err := r.processor.Process(ctx, id)
	if err != nil {
		logf(r.logger, "runner: processing %s failed: %v", id, err)
		return
	}
	switch outcome {
	case OutcomeCompleted:
		r.totalProcessed.Add(1)
	case OutcomeFailed:
		r.totalFailed.Add(1)
	}
}

func (r *Runner) cleanupPass() {
	if !r.enabled.Load() {
		return
	}
	deleted, err := r.repo.DeleteTerminalOlderThan(context.Background(), r.now().UTC(), r.retention)
	if err != nil {
		logf(r.logger, "runner: retention cleanup failed: %v", err)
		return
	}
	if deleted > 0 {
		logf(r.logger, "runner: retention cleanup removed %d terminal operations", deleted)
	}
}

func (r *Runner) SetEnabled(enabled bool) {
	r.enabled.Store(enabled)
}

func (r *Runner) Enabled() bool {
	return r.enabled.Load()
}

// TriggerNow requests an immediate processing pass. It never blocks; if a
// trigger is already queued the request coalesces with it.
func (r *Runner) TriggerNow() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// TriggerSync runs one processing pass inline, for operators and tests that
// need the pass to have finished when the call returns.
func (r *Runner) TriggerSync() {
	r.processPass()
}

// CleanupSync runs one retention cleanup pass inline.
func (r *Runner) CleanupSync() {
	r.cleanupPass()
}

func (r *Runner) Status(ctx context.Context) (RunnerStatus, error) {
	counts, err := r.repo.CountsByStatus(ctx)
	if err != nil {
		return RunnerStatus{}, err
	}
	return RunnerStatus{
		Enabled:        r.enabled.Load(),
		CountsByStatus: counts,
		TotalProcessed: r.totalProcessed.Load(),
		TotalFailed:    r.totalFailed.Load(),
	}, nil
}

func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	r.wg.Wait()
}

package listrelay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type WriteState string

const (
	// WriteApplied: the remote call succeeded immediately.
	WriteApplied WriteState = "applied"
	// WriteQueued: the remote was unavailable; the operation was accepted
	// for later processing and will be applied by the runner.
	WriteQueued WriteState = "queued"
)

type WriteOutcome struct {
	State     WriteState       `json:"state"`
	Result    *RemoteResult    `json:"result,omitempty"`
	Operation *QueuedOperation `json:"operation,omitempty"`
}

type ReadSource string

const (
	ReadFromCache  ReadSource = "cache"
	ReadFromRemote ReadSource = "remote"
	// ReadStale: the remote failed and an expired cache entry was served as
	// an explicit fallback.
	ReadStale ReadSource = "stale"
)

type ReadResult struct {
	Value  any        `json:"value"`
	Source ReadSource `json:"source"`
}

type FacadeOptions struct {
	Processor *Processor
	Remote    RemoteClient
	Sessions  SessionProvider
	Cache     *Cache
	Logger    Logger

	// Namespaces maps an entity type to its cache namespace; unmapped types
	// fall back to "lists".
	Namespaces      map[string]string
	DispatchTimeout time.Duration
}

// Facade is the application's entry point: writes try the remote first and
// fall back to the queue on retryable failures; reads go through the cache.
type Facade struct {
	processor       *Processor
	remote          RemoteClient
	sessions        SessionProvider
	cache           *Cache
	logger          Logger
	namespaces      map[string]string
	dispatchTimeout time.Duration
}

func NewFacade(opts FacadeOptions) (*Facade, error) {
	if opts.Processor == nil || opts.Remote == nil || opts.Sessions == nil || opts.Cache == nil {
		return nil, fmt.Errorf("%w: processor, remote client, session provider, and cache are required", ErrInvalidInput)
	}
	namespaces := map[string]string{
		"collection": "lists",
		"item":       "lists",
		"owner":      "lists",
		"review":     "reviews",
		"movie":      "reviews",
		"stats":      "stats",
	}
	for entityType, namespace := range opts.Namespaces {
		namespaces[entityType] = namespace
	}
	dispatchTimeout := opts.DispatchTimeout
	if dispatchTimeout <= 0 {
		dispatchTimeout = DefaultDispatchTimeout
	}
	return &Facade{
		processor:       opts.Processor,
		remote:          opts.Remote,
		sessions:        opts.Sessions,
		cache:           opts.Cache,
		logger:          opts.Logger,
		namespaces:      namespaces,
		dispatchTimeout: dispatchTimeout,
	}, nil
}

// Write attempts the remote call directly. Retryable failures convert the
// request into a queued operation and report WriteQueued, so callers can
// show a provisional state. Fatal failures propagate untouched and are
// never queued.
func (f *Facade) Write(ctx context.Context, opType OperationType, ownerID, targetID string, payload Payload) (WriteOutcome, error) {
	if err := validateNew(opType, ownerID, targetID, payload); err != nil {
		return WriteOutcome{}, err
	}

	session, err := f.sessions.ResolveSession(ctx, ownerID)
	if err == nil {
		dispatchCtx, cancel := context.WithTimeout(ctx, f.dispatchTimeout)
		var result RemoteResult
		result, err = dispatchRemote(dispatchCtx, f.remote, session, opType, targetID, payload)
		cancel()
		if err == nil {
			f.processor.applyCacheEffects(&QueuedOperation{
				Type:     opType,
				OwnerID:  ownerID,
				TargetID: targetID,
			}, result)
			return WriteOutcome{State: WriteApplied, Result: &result}, nil
		}
	}

	if !retryableError(err) {
		return WriteOutcome{}, err
	}

	op, enqueueErr := f.processor.Enqueue(ctx, opType, ownerID, targetID, payload)
	if enqueueErr != nil {
		// Local storage trouble must not masquerade as acceptance.
		return WriteOutcome{}, fmt.Errorf("remote unavailable (%v) and enqueue failed: %w", err, enqueueErr)
	}
	logf(f.logger, "write %s for owner %s queued as %s: %v", opType, ownerID, op.ID, err)
	return WriteOutcome{State: WriteQueued, Operation: op}, nil
}

// Read serves from the cache when possible, otherwise fetches from the
// remote and populates the cache with the namespace default TTL. When the
// remote fails, a just-expired value or a physically present entry is served
// as an explicit stale fallback.
func (f *Facade) Read(ctx context.Context, ownerID, entityType, entityID string, filters map[string]string) (ReadResult, error) {
	key := CacheKey(f.namespaceFor(entityType), entityType, entityID, filters)
	cached, cacheErr := f.cache.Get(key)
	if cacheErr == nil {
		return ReadResult{Value: cached, Source: ReadFromCache}, nil
	}

	session, err := f.sessions.ResolveSession(ctx, ownerID)
	if err == nil {
		dispatchCtx, cancel := context.WithTimeout(ctx, f.dispatchTimeout)
		var fresh any
		fresh, err = f.fetch(dispatchCtx, session, entityType, entityID, filters)
		cancel()
		if err == nil {
			f.cache.Put(key, fresh, 0)
			return ReadResult{Value: fresh, Source: ReadFromRemote}, nil
		}
	}

	if errors.Is(cacheErr, ErrCacheExpired) && cached != nil {
		logf(f.logger, "read %s falling back to expired cache entry: %v", key, err)
		return ReadResult{Value: cached, Source: ReadStale}, nil
	}
	if stale, ok := f.cache.GetStale(key); ok {
		logf(f.logger, "read %s falling back to stale cache entry: %v", key, err)
		return ReadResult{Value: stale, Source: ReadStale}, nil
	}
	return ReadResult{}, err
}

func (f *Facade) fetch(ctx context.Context, session Session, entityType, entityID string, filters map[string]string) (any, error) {
	raw, err := f.remote.FetchEntity(ctx, session, entityType, entityID, filters)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (f *Facade) namespaceFor(entityType string) string {
	if namespace, ok := f.namespaces[entityType]; ok {
		return namespace
	}
	return "lists"
}

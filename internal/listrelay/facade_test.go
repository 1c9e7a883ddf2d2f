package listrelay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type facadeFixture struct {
	facade *Facade
	*processorFixture
}

func newFacadeFixture(t *testing.T, remote *scriptedRemote) *facadeFixture {
	t.Helper()
	pf := newProcessorFixture(t, remote)
	facade, err := NewFacade(FacadeOptions{
		Processor: pf.processor,
		Remote:    remote,
		Sessions:  StaticSessionProvider{"owner_1": "tok"},
		Cache:     pf.cache,
	})
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	return &facadeFixture{facade: facade, processorFixture: pf}
}

func TestWriteAppliesDirectlyWhenRemoteHealthy(t *testing.T) {
	f := newFacadeFixture(t, &scriptedRemote{remoteID: "col_5"})
	ctx := context.Background()

	outcome, err := f.facade.Write(ctx, OpCreateCollection, "owner_1", "", Payload{Name: "Watchlist"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if outcome.State != WriteApplied {
		t.Fatalf("expected applied, got %s", outcome.State)
	}
	if outcome.Result == nil || outcome.Result.RemoteID != "col_5" {
		t.Fatalf("expected remote id, got %+v", outcome.Result)
	}

	counts, _ := f.repo.CountsByStatus(ctx)
	if len(counts) != 0 {
		t.Fatalf("direct writes must not touch the queue, got %+v", counts)
	}
}

func TestWriteQueuesOnRetryableFailure(t *testing.T) {
	remote := &scriptedRemote{
		failures: 100,
		err:      &RemoteError{Reason: ReasonNetwork, Detail: "connection refused"},
	}
	f := newFacadeFixture(t, remote)
	ctx := context.Background()

	outcome, err := f.facade.Write(ctx, OpAddItem, "owner_1", "col_1", Payload{ItemID: 7})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if outcome.State != WriteQueued {
		t.Fatalf("expected queued, got %s", outcome.State)
	}
	if outcome.Operation == nil || outcome.Operation.Status != StatusPending {
		t.Fatalf("expected pending operation, got %+v", outcome.Operation)
	}

	// A second identical write while the remote is down deduplicates.
	again, err := f.facade.Write(ctx, OpAddItem, "owner_1", "col_1", Payload{ItemID: 7})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if again.Operation.ID != outcome.Operation.ID {
		t.Fatalf("expected dedup to return the same operation")
	}
	counts, _ := f.repo.CountsByStatus(ctx)
	if counts[StatusPending] != 1 {
		t.Fatalf("expected a single queued record, got %+v", counts)
	}
}

func TestWriteFatalFailurePropagates(t *testing.T) {
	remote := &scriptedRemote{
		failures: 100,
		err:      &RemoteError{Reason: ReasonValidation, Detail: "name too long"},
	}
	f := newFacadeFixture(t, remote)
	ctx := context.Background()

	_, err := f.facade.Write(ctx, OpCreateCollection, "owner_1", "", Payload{Name: "Watchlist"})
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Reason != ReasonValidation {
		t.Fatalf("expected validation error back, got %v", err)
	}
	counts, _ := f.repo.CountsByStatus(ctx)
	if len(counts) != 0 {
		t.Fatalf("fatal failures must not be queued, got %+v", counts)
	}
}

func TestWriteQueuesWhenSessionMissing(t *testing.T) {
	f := newFacadeFixture(t, &scriptedRemote{})
	ctx := context.Background()

	outcome, err := f.facade.Write(ctx, OpAddItem, "owner_unknown", "col_1", Payload{ItemID: 7})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if outcome.State != WriteQueued {
		t.Fatalf("a missing session must queue for later, got %s", outcome.State)
	}
}

func TestWriteRejectsInvalidInput(t *testing.T) {
	f := newFacadeFixture(t, &scriptedRemote{})
	if _, err := f.facade.Write(context.Background(), OpAddItem, "owner_1", "col_1", Payload{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReadMissFetchesAndCaches(t *testing.T) {
	remote := &scriptedRemote{fetched: json.RawMessage(`{"id":"m_1"}`)}
	f := newFacadeFixture(t, remote)
	ctx := context.Background()

	first, err := f.facade.Read(ctx, "owner_1", "movie", "m_1", nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Source != ReadFromRemote {
		t.Fatalf("expected remote source, got %s", first.Source)
	}

	second, err := f.facade.Read(ctx, "owner_1", "movie", "m_1", nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if second.Source != ReadFromCache {
		t.Fatalf("expected cache source, got %s", second.Source)
	}

	stats := f.cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected cache stats: %+v", stats)
	}
}

func TestReadFilterOrderSharesCacheEntry(t *testing.T) {
	f := newFacadeFixture(t, &scriptedRemote{})
	ctx := context.Background()

	if _, err := f.facade.Read(ctx, "owner_1", "movie", "m_1", map[string]string{"year": "2020", "lang": "en"}); err != nil {
		t.Fatalf("read: %v", err)
	}
	result, err := f.facade.Read(ctx, "owner_1", "movie", "m_1", map[string]string{"lang": "en", "year": "2020"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Source != ReadFromCache {
		t.Fatalf("reordered filters must hit the same entry, got %s", result.Source)
	}
}

func TestReadServesStaleOnRemoteFailure(t *testing.T) {
	remote := &scriptedRemote{fetched: json.RawMessage(`{"id":"m_1"}`)}
	f := newFacadeFixture(t, remote)
	ctx := context.Background()

	if _, err := f.facade.Read(ctx, "owner_1", "movie", "m_1", nil); err != nil {
		t.Fatalf("warm read: %v", err)
	}

	f.clock.advance(2 * time.Hour)
	remote.fetchErr = &RemoteError{Reason: ReasonServerError, StatusCode: 503}

	result, err := f.facade.Read(ctx, "owner_1", "movie", "m_1", nil)
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if result.Source != ReadStale {
		t.Fatalf("expected stale source, got %s", result.Source)
	}
}

func TestReadPropagatesErrorWithoutStaleEntry(t *testing.T) {
	remote := &scriptedRemote{fetchErr: &RemoteError{Reason: ReasonServerError, StatusCode: 503}}
	f := newFacadeFixture(t, remote)

	_, err := f.facade.Read(context.Background(), "owner_1", "movie", "m_9", nil)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Reason != ReasonServerError {
		t.Fatalf("expected server error back, got %v", err)
	}
}

package listrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reason is the closed classification of remote call failures.
type Reason string

const (
	ReasonUnauthorized Reason = "unauthorized"
	ReasonNotFound     Reason = "not_found"
	ReasonRateLimited  Reason = "rate_limited"
	ReasonValidation   Reason = "validation_error"
	ReasonServerError  Reason = "server_error"
	ReasonNetwork      Reason = "network_error"
	ReasonTimeout      Reason = "timeout"
)

// RemoteError is the tagged failure returned by RemoteClient implementations.
type RemoteError struct {
	Reason     Reason
	StatusCode int
	Detail     string
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("remote call failed: %s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("remote call failed: %s", e.Reason)
}

// Retryable reports whether this failure class is eligible for automatic
// backoff-and-retry. not_found and validation rejections are final.
func (e *RemoteError) Retryable() bool {
	switch e.Reason {
	case ReasonUnauthorized, ReasonRateLimited, ReasonServerError, ReasonNetwork, ReasonTimeout:
		return true
	}
	return false
}

// retryableError classifies any error from a remote dispatch. Session
// resolution failures, deadline expiry, and unknown transport errors all
// retry; only the tagged fatal reasons are final.
func retryableError(err error) bool {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Retryable()
	}
	return true
}

// Session is the opaque credential handle resolved per owner.
type Session struct {
	OwnerID string
	Token   string
}

type SessionProvider interface {
	ResolveSession(ctx context.Context, ownerID string) (Session, error)
}

type CollectionAttrs struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// RemoteResult carries identifiers returned by the remote service.
type RemoteResult struct {
	RemoteID string `json:"remoteId,omitempty"`
}

// RemoteClient is the boundary to the third-party list service: one method
// per operation type plus the read path used by the facade.
type RemoteClient interface {
	CreateCollection(ctx context.Context, session Session, attrs CollectionAttrs) (RemoteResult, error)
	UpdateCollection(ctx context.Context, session Session, targetID string, attrs CollectionAttrs) error
	DeleteCollection(ctx context.Context, session Session, targetID string) error
	ClearCollection(ctx context.Context, session Session, targetID string) error
	AddItem(ctx context.Context, session Session, targetID string, itemID int64) error
	RemoveItem(ctx context.Context, session Session, targetID string, itemID int64) error

	FetchEntity(ctx context.Context, session Session, entityType, entityID string, filters map[string]string) (json.RawMessage, error)
}

// dispatchRemote routes one operation to the RemoteClient method implied by
// its type. Both the processor and the facade's direct-write path go through
// here so the two cannot diverge.
func dispatchRemote(ctx context.Context, client RemoteClient, session Session, opType OperationType, targetID string, payload Payload) (RemoteResult, error) {
	switch opType {
	case OpCreateCollection:
		return client.CreateCollection(ctx, session, CollectionAttrs{
			Name:        payload.Name,
			Description: payload.Description,
		})
	case OpUpdateCollection:
		return RemoteResult{}, client.UpdateCollection(ctx, session, targetID, CollectionAttrs{
			Name:        payload.Name,
			Description: payload.Description,
		})
	case OpDeleteCollection:
		return RemoteResult{}, client.DeleteCollection(ctx, session, targetID)
	case OpClearCollection:
		return RemoteResult{}, client.ClearCollection(ctx, session, targetID)
	case OpAddItem:
		return RemoteResult{}, client.AddItem(ctx, session, targetID, payload.ItemID)
	case OpRemoveItem:
		return RemoteResult{}, client.RemoveItem(ctx, session, targetID, payload.ItemID)
	default:
		return RemoteResult{}, fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, opType)
	}
}

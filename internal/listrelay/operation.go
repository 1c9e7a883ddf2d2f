package listrelay

import (
	"fmt"
	"strings"
	"time"
)

type OperationType string

const (
	OpCreateCollection OperationType = "create_collection"
	OpUpdateCollection OperationType = "update_collection"
	OpDeleteCollection OperationType = "delete_collection"
	OpClearCollection  OperationType = "clear_collection"
	OpAddItem          OperationType = "add_item"
	OpRemoveItem       OperationType = "remove_item"
)

func (t OperationType) Valid() bool {
	switch t {
	case OpCreateCollection, OpUpdateCollection, OpDeleteCollection,
		OpClearCollection, OpAddItem, OpRemoveItem:
		return true
	}
	return false
}

type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusCancelled  OperationStatus = "cancelled"
)

// Terminal statuses permit no further transition.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Payload carries the operation-specific arguments. It is a closed union:
// which fields are meaningful depends on the operation type, enforced by
// Validate before a record is accepted.
type Payload struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	ItemID      int64  `json:"itemId,omitempty"`
}

func (p Payload) Validate(opType OperationType) error {
	switch opType {
	case OpCreateCollection:
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: create_collection requires a name", ErrInvalidInput)
		}
	case OpUpdateCollection:
		if strings.TrimSpace(p.Name) == "" && strings.TrimSpace(p.Description) == "" {
			return fmt.Errorf("%w: update_collection requires a name or description", ErrInvalidInput)
		}
	case OpAddItem, OpRemoveItem:
		if p.ItemID <= 0 {
			return fmt.Errorf("%w: %s requires a positive itemId", ErrInvalidInput, opType)
		}
	case OpDeleteCollection, OpClearCollection:
		// No payload arguments beyond the target.
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, opType)
	}
	return nil
}

// QueuedOperation is one durable unit of deferred work against the remote
// list service.
type QueuedOperation struct {
	ID           string          `json:"id"`
	Type         OperationType   `json:"type"`
	OwnerID      string          `json:"ownerId"`
	TargetID     string          `json:"targetId,omitempty"`
	Payload      Payload         `json:"payload"`
	Status       OperationStatus `json:"status"`
	RetryCount   int             `json:"retryCount"`
	ScheduledFor time.Time       `json:"scheduledFor"`
	LastRetryAt  *time.Time      `json:"lastRetryAt,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func (op *QueuedOperation) Clone() *QueuedOperation {
	if op == nil {
		return nil
	}
	clone := *op
	if op.LastRetryAt != nil {
		at := *op.LastRetryAt
		clone.LastRetryAt = &at
	}
	return &clone
}

// validateNew checks the shape of a record before insertion. The target is
// required for everything except create_collection, where it does not exist
// yet.
func validateNew(opType OperationType, ownerID, targetID string, payload Payload) error {
	if !opType.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, opType)
	}
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	if opType == OpCreateCollection {
		if strings.TrimSpace(targetID) != "" {
			return fmt.Errorf("%w: create_collection must not carry a target id", ErrInvalidInput)
		}
	} else if strings.TrimSpace(targetID) == "" {
		return fmt.Errorf("%w: %s requires a target id", ErrInvalidInput, opType)
	}
	return payload.Validate(opType)
}

// payloadEquivalent reports whether two payloads represent the same logical
// intent for the given operation type. Together with type, owner, and target
// it forms the dedup key.
func payloadEquivalent(opType OperationType, a, b Payload) bool {
	switch opType {
	case OpCreateCollection:
		return strings.TrimSpace(a.Name) == strings.TrimSpace(b.Name)
	case OpUpdateCollection:
		return strings.TrimSpace(a.Name) == strings.TrimSpace(b.Name) &&
			strings.TrimSpace(a.Description) == strings.TrimSpace(b.Description)
	case OpAddItem, OpRemoveItem:
		return a.ItemID == b.ItemID
	default:
		// delete/clear are fully identified by type, owner, and target.
		return true
	}
}

// backoffDelay doubles the base delay per prior attempt, capped at max.
func backoffDelay(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if max <= 0 {
		max = time.Hour
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

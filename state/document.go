package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/swarmkit/core"
)

// Get decodes the JSON document stored at key.
func Get[T any](ctx context.Context, s core.StateStore, key string) (*T, int64, error) {
	e, err := s.Read(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	var doc T
	if err := json.Unmarshal(e.Value, &doc); err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return &doc, e.Version, nil
}

// Mutate decodes the document at key, applies fn under the key's lock and
// writes the result back. exists is false when the key has no committed
// value yet; fn then receives a zero T.
func Mutate[T any](ctx context.Context, s core.StateStore, key, actor string, fn func(doc *T, exists bool) error) (int64, error) {
	return s.Update(ctx, key, actor, func(e *core.StateEntry) error {
		var doc T
		exists := e.Exists()
		if exists {
			if err := json.Unmarshal(e.Value, &doc); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
		}
		if err := fn(&doc, exists); err != nil {
			return err
		}
		b, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		e.Value = b
		return nil
	})
}

// CreateOperation stores a new initializing operation document.
func CreateOperation(ctx context.Context, s core.StateStore, operationID string, total int, actor string) (*core.Operation, error) {
	if err := ValidateOperationID(operationID); err != nil {
		return nil, err
	}
	var created core.Operation
	_, err := Mutate(ctx, s, OperationKey(operationID), actor, func(op *core.Operation, exists bool) error {
		if exists {
			return fmt.Errorf("%s: %w", operationID, core.ErrOperationExists)
		}
		*op = *core.NewOperation(operationID, total)
		op.UpdatedBy = actor
		created = *op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateOperation applies fn to an existing operation document. UpdatedAt
// and UpdatedBy are maintained automatically.
func UpdateOperation(ctx context.Context, s core.StateStore, operationID, actor string, fn func(op *core.Operation) error) (int64, error) {
	return Mutate(ctx, s, OperationKey(operationID), actor, func(op *core.Operation, exists bool) error {
		if !exists {
			return fmt.Errorf("operation %s: %w", operationID, core.ErrStateNotFound)
		}
		if err := fn(op); err != nil {
			return err
		}
		op.UpdatedAt = time.Now().UTC()
		op.UpdatedBy = actor
		return nil
	})
}

// ReadOperation returns the latest committed operation document.
func ReadOperation(ctx context.Context, s core.StateStore, operationID string) (*core.Operation, error) {
	op, _, err := Get[core.Operation](ctx, s, OperationKey(operationID))
	if err != nil {
		return nil, err
	}
	return op, nil
}

// IsNotFound reports whether err means the key has no committed value.
func IsNotFound(err error) bool { return errors.Is(err, core.ErrStateNotFound) }

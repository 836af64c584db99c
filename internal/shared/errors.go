package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState indicates the document status does not allow the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrDuplicate indicates a unique key is already taken.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrInsufficientStock indicates available stock cannot cover a requirement.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConcurrentStockExhaustion indicates stock was consumed between the check and the deduction.
	ErrConcurrentStockExhaustion = errors.New("stock exhausted by a concurrent operation")
	// ErrConcurrentUpdate indicates the database aborted the transaction on a conflict.
	ErrConcurrentUpdate = errors.New("concurrent update, retry the operation")
	// ErrWorkflowBusy indicates another workflow currently holds the document.
	ErrWorkflowBusy = errors.New("workflow already running for this document")
)

// ConsistencyFault reports a violated ledger invariant. It is never a user
// error: the surrounding transaction must roll back and operators must be told.
type ConsistencyFault struct {
	Entity string
	ID     int64
	Detail string
}

func (f *ConsistencyFault) Error() string {
	return fmt.Sprintf("consistency fault on %s %d: %s", f.Entity, f.ID, f.Detail)
}

// NewConsistencyFault builds a fault for the given entity.
func NewConsistencyFault(entity string, id int64, format string, args ...any) *ConsistencyFault {
	return &ConsistencyFault{Entity: entity, ID: id, Detail: fmt.Sprintf(format, args...)}
}

// IsConsistencyFault reports whether err carries a ConsistencyFault.
func IsConsistencyFault(err error) bool {
	var fault *ConsistencyFault
	return errors.As(err, &fault)
}

package service

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/ignatij/gocadence/pkg/lock"
	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/storage"
	"github.com/pkg/errors"
)

// ValidationError reports one malformed input field. It is returned before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidationErrors collects every field failure of one payload.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// As lets errors.As find a *ValidationError inside the list.
func (e ValidationErrors) As(target interface{}) bool {
	if t, ok := target.(**ValidationError); ok && len(e) > 0 {
		*t = e[0]
		return true
	}
	return false
}

func (e ValidationErrors) orNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// InvalidStateTransitionError reports an action not permitted from the cadence's current status.
type InvalidStateTransitionError struct {
	CadenceID string
	From      models.CadenceStatus
	To        models.CadenceStatus
	Action    Action
}

func (e *InvalidStateTransitionError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("cannot %s: cadence is %s, not %s", e.Action, e.From, requiredStatus(e.Action))
	}
	return fmt.Sprintf("cannot %s: cadence is %s", e.Action, e.From)
}

// EligibilityError reports a template that may not be applied to the requested contact.
type EligibilityError struct {
	TemplateID string
	Reason     string
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("cadence template %s cannot be applied: %s", e.TemplateID, e.Reason)
}

// ConcurrentModificationError reports that another transition changed or holds the cadence.
type ConcurrentModificationError struct {
	CadenceID string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("cadence %s was modified concurrently, reload and retry", e.CadenceID)
}

// IndexOutOfRangeError reports a generator call past the last step.
type IndexOutOfRangeError struct {
	Index int
	Count int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("step index %d out of range for %d steps", e.Index, e.Count)
}

// StoreError wraps an opaque persistence failure.
type StoreError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NotFound reports whether the store could not find the requested record.
func (e *StoreError) NotFound() bool {
	return errors.Is(e.Err, storage.ErrNotFound)
}

// storeError maps a persistence failure into the service error taxonomy.
func storeError(op, cadenceID string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.As(err, new(*ValidationError)), errors.As(err, new(*InvalidStateTransitionError)),
		errors.As(err, new(*EligibilityError)), errors.As(err, new(*ConcurrentModificationError)),
		errors.As(err, new(*IndexOutOfRangeError)), errors.As(err, new(*StoreError)):
		return err
	case errors.Is(err, storage.ErrStaleState), errors.Is(err, lock.ErrLocked):
		return &ConcurrentModificationError{CadenceID: cadenceID}
	}
	return &StoreError{Op: op, Retryable: retryable(err), Err: err}
}

func retryable(err error) bool {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrDuplicate) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "bad connection")
}

// Package optimistic implements speculative local writes with an explicit undo path.
//
// A Transaction captures a pre-image of a value, lets the caller mutate the value in place
// and then either keeps the change (Commit) or restores the pre-image (Rollback), typically
// after a remote write failed.
package optimistic

import "github.com/pkg/errors"

var ErrFinished = errors.New("transaction already finished")

// Transaction guards one speculative change to *target.
type Transaction[T any] struct {
	target   *T
	preImage T
	clone    func(T) T
	finished bool
}

// Begin captures the current value of target. clone deep-copies values that hold
// maps or slices; pass nil when a plain assignment copy is enough.
func Begin[T any](target *T, clone func(T) T) *Transaction[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &Transaction[T]{target: target, preImage: clone(*target), clone: clone}
}

// Apply mutates the target in place.
func (tx *Transaction[T]) Apply(mutate func(*T) error) error {
	if tx.finished {
		return ErrFinished
	}
	if err := mutate(tx.target); err != nil {
		return tx.rollbackWith(err)
	}
	return nil
}

// Commit keeps the applied change and releases the pre-image.
func (tx *Transaction[T]) Commit() error {
	if tx.finished {
		return ErrFinished
	}
	tx.finished = true
	var zero T
	tx.preImage = zero
	return nil
}

// Rollback restores the pre-image captured by Begin.
func (tx *Transaction[T]) Rollback() error {
	if tx.finished {
		return ErrFinished
	}
	tx.finished = true
	*tx.target = tx.clone(tx.preImage)
	return nil
}

// PreImage returns a copy of the value captured by Begin.
func (tx *Transaction[T]) PreImage() T {
	return tx.clone(tx.preImage)
}

func (tx *Transaction[T]) rollbackWith(cause error) error {
	if err := tx.Rollback(); err != nil {
		return errors.Wrap(cause, err.Error())
	}
	return cause
}

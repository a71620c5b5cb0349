package store

import (
	"errors"
	"fmt"
)

// ErrLocalStorage marks a failure of the local storage medium. It is never
// retried; callers surface it immediately.
var ErrLocalStorage = errors.New("local storage failure")

func localErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLocalStorage, op, err)
}

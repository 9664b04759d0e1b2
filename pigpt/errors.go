package pigpt

import (
	"errors"
	"fmt"
)

var (
	// ErrUserBusy is returned when another turn for the same user holds
	// the user's lease
	ErrUserBusy = errors.New("user has a request in progress")

	// ErrMissingSystemMessage is returned when attempting to persist a
	// History which doesn't start with a system Message
	ErrMissingSystemMessage = errors.New("history must start with a system message")
)

// StorageError wraps a failure of the underlying conversation store
type StorageError struct {
	Op   string
	User string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s (user %s): %s", e.Op, e.User, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, user string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, User: user, Err: err}
}

// CompletionError wraps a failed call to the completion backend (network,
// auth, quota or a malformed response)
type CompletionError struct {
	Err error
}

func (e *CompletionError) Error() string {
	return "completion: " + e.Err.Error()
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

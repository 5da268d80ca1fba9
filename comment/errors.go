package comment

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCommentNotFound is returned when an action targets a comment that is not
// in the loaded list.
var ErrCommentNotFound = errors.New("comment not found")

// A ValidationError is bad input detected before anything leaves the process.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// A RemoteError is a non-2xx answer from the remote comments source.
type RemoteError struct {
	Status  int
	Message string
	// Fields holds the field-keyed validation messages, if any.
	Fields map[string][]string
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status == 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	return fmt.Sprintf("remote: %d: %s", e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the remote side rejected the session.
func (e *RemoteError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// NotFound reports whether the remote side has no comments for the item.
func (e *RemoteError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// FieldMessage returns the first message for field.
func (e *RemoteError) FieldMessage(field string) string {
	if msgs := e.Fields[field]; len(msgs) > 0 {
		return msgs[0]
	}
	return ""
}

// A StorageError is a failure to read, decode or write visitor-local state.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

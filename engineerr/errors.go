// Package engineerr defines the typed error taxonomy shared by every
// component of the channel engine, so the pipeline's retry logic can
// dispatch on error kind instead of matching message text.
package engineerr

import "fmt"

// Kind enumerates the error taxonomy from the error handling design.
type Kind string

const (
	KindValidation Kind = "validation"
	KindScript     Kind = "script"
	KindStorage    Kind = "storage"
	KindConnector  Kind = "connector"
	KindTimeout    Kind = "timeout"
	KindAbort      Kind = "abort"
)

// StorageSubkind narrows a KindStorage error per the Message Store's
// failure semantics.
type StorageSubkind string

const (
	StorageMissingTables StorageSubkind = "missing_tables"
	StorageConflict      StorageSubkind = "conflict"
	StorageTransient     StorageSubkind = "transient"
	StorageFatal         StorageSubkind = "fatal"
)

// Error is the common shape for every engine error. Callers should use
// errors.As to recover it rather than comparing strings.
type Error struct {
	Kind    Kind
	Sub     string // StorageSubkind, or "retryable"/"permanent" for connector errors; stringly typed to keep one struct
	Op      string // component/operation that raised it, e.g. "store.insertMessage"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the pipeline should consume a retry slot and
// attempt the operation again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindStorage:
		return e.Sub == string(StorageTransient) || e.Sub == string(StorageConflict)
	case KindConnector:
		return e.Sub == "retryable"
	case KindTimeout:
		return false
	default:
		return false
	}
}

func Validation(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

func Script(op, msg string, cause error) *Error {
	return &Error{Kind: KindScript, Op: op, Message: msg, Cause: cause}
}

func Storage(op string, sub StorageSubkind, msg string, cause error) *Error {
	return &Error{Kind: KindStorage, Sub: string(sub), Op: op, Message: msg, Cause: cause}
}

func Connector(op string, retryable bool, msg string, cause error) *Error {
	sub := "permanent"
	if retryable {
		sub = "retryable"
	}
	return &Error{Kind: KindConnector, Sub: sub, Op: op, Message: msg, Cause: cause}
}

func Timeout(op, msg string) *Error {
	return &Error{Kind: KindTimeout, Op: op, Message: msg}
}

func Abort(op, msg string) *Error {
	return &Error{Kind: KindAbort, Op: op, Message: msg}
}

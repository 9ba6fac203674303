package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an AppError.
type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Storage
	RemoteUnavailable
	ImportFormat
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Storage:
		return "storage"
	case RemoteUnavailable:
		return "remote_unavailable"
	case ImportFormat:
		return "import_format"
	default:
		return "internal"
	}
}

// AppError is the error type surfaced to callers of the ledger.
type AppError struct {
	Kind    Kind         `json:"kind"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"errors,omitempty"`
	Err     error        `json:"-"`
}

// FieldError represents a validation error for a specific field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches another *AppError of the same kind, so errors.Is(err, &AppError{Kind: NotFound}) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// NewValidationError creates a validation error from field errors.
func NewValidationError(fields ...FieldError) *AppError {
	return &AppError{Kind: Validation, Message: "validation failed", Fields: fields}
}

// Invalid is shorthand for a single-field validation error.
func Invalid(field, message string) *AppError {
	return NewValidationError(FieldError{Field: field, Message: message})
}

// NewNotFoundError creates a not found error for the given resource and id.
func NewNotFoundError(resource, id string) *AppError {
	return &AppError{Kind: NotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

// NewStorageError wraps a local store failure.
func NewStorageError(op string, err error) *AppError {
	return &AppError{Kind: Storage, Message: "storage: " + op, Err: err}
}

// NewRemoteUnavailableError wraps a remote replica failure or missing configuration.
func NewRemoteUnavailableError(op string, err error) *AppError {
	return &AppError{Kind: RemoteUnavailable, Message: "remote unavailable: " + op, Err: err}
}

// NewImportFormatError reports a malformed snapshot.
func NewImportFormatError(message string, err error) *AppError {
	return &AppError{Kind: ImportFormat, Message: "import format: " + message, Err: err}
}

// As extracts the *AppError from err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether err carries an AppError of kind k.
func IsKind(err error, k Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == k
}

// KindOf returns the kind of err, Internal when err is not an AppError.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return Internal
}

// file: internal/ferrors/errors.go
package ferrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel errors usable with errors.Is, one per lifecycle/protocol kind
// named explicitly in the protocol's error handling design.
var (
	ErrConnectionClosed = errors.New("connection-error")
	ErrDetached         = errors.New("detached")
	ErrServerClosing    = errors.New("server-closing")
	ErrTimeout          = errors.New("timeout")
	ErrUnknownMethod    = errors.New("unknown-method")
)

// ErrorWithDetails attaches category, code, and arbitrary key/value details
// to err as cockroachdb/errors detail strings, recoverable later via
// GetErrorCategory / GetErrorCode / GetErrorProperties.
func ErrorWithDetails(err error, category string, code int, details map[string]interface{}) error {
	err = errors.WithDetail(err, fmt.Sprintf("category:%s", category))
	err = errors.WithDetail(err, fmt.Sprintf("code:%d", code))
	for key, value := range details {
		err = errors.WithDetail(err, fmt.Sprintf("%s:%v", key, value))
	}
	return err
}

// NewProtocolError creates a protocol-fatal error (§7.1): the caller must
// terminate the connection after reporting it.
func NewProtocolError(code int, message string, cause error, details map[string]interface{}) error {
	var base error
	if cause == nil {
		base = errors.Newf("%s", message)
	} else {
		base = errors.Wrapf(cause, "%s", message)
	}
	return ErrorWithDetails(base, CategoryProtocol, code, details)
}

// NewRequestError creates a request-scoped error (§7.2): only the affected
// request fails, the connection survives.
func NewRequestError(code int, message string, cause error, details map[string]interface{}) error {
	var base error
	if cause == nil {
		base = errors.Newf("%s", message)
	} else {
		base = errors.Wrapf(cause, "%s", message)
	}
	return ErrorWithDetails(base, CategoryRequest, code, details)
}

// NewLifecycleError wraps one of the sentinel lifecycle errors with
// structured detail, preserving errors.Is(err, sentinel) compatibility.
func NewLifecycleError(sentinel error, code int, details map[string]interface{}) error {
	err := errors.Mark(errors.Newf("%s", sentinel.Error()), sentinel)
	return ErrorWithDetails(err, CategoryLifecycle, code, details)
}

// IsProtocolFatal reports whether err carries the protocol category.
func IsProtocolFatal(err error) bool {
	return GetErrorCategory(err) == CategoryProtocol
}

// IsLifecycle reports whether err carries the lifecycle category.
func IsLifecycle(err error) bool {
	return GetErrorCategory(err) == CategoryLifecycle
}

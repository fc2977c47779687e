// file: internal/ferrors/utils.go
package ferrors

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// New creates a new error with a stack trace using cockroachdb/errors.
func New(message string) error {
	return errors.New(message)
}

// Newf creates a new formatted error with a stack trace.
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// Wrap wraps an existing error with a message and stack trace.
func Wrap(cause error, message string) error {
	return errors.Wrap(cause, message)
}

// Wrapf wraps an existing error with a formatted message and stack trace.
func Wrapf(cause error, format string, args ...interface{}) error {
	return errors.Wrapf(cause, format, args...)
}

// GetErrorCategory extracts the category detail string attached by
// ErrorWithDetails, or "" if none is present.
func GetErrorCategory(err error) string {
	for _, detail := range errors.GetAllDetails(err) {
		if strings.HasPrefix(detail, "category:") {
			return strings.TrimPrefix(detail, "category:")
		}
	}
	return ""
}

// GetErrorCode extracts the numeric code detail, defaulting to 0 (unknown)
// when absent.
func GetErrorCode(err error) int {
	for _, detail := range errors.GetAllDetails(err) {
		if strings.HasPrefix(detail, "code:") {
			if code, parseErr := strconv.Atoi(strings.TrimPrefix(detail, "code:")); parseErr == nil {
				return code
			}
		}
	}
	return 0
}

var propertyPattern = regexp.MustCompile(`^([^:]+):(.+)$`)

// GetErrorProperties extracts every "key:value" detail string attached by
// ErrorWithDetails, excluding the reserved category/code keys.
func GetErrorProperties(err error) map[string]interface{} {
	properties := make(map[string]interface{})
	for _, detail := range errors.GetAllDetails(err) {
		matches := propertyPattern.FindStringSubmatch(detail)
		if len(matches) != 3 {
			continue
		}
		key, value := matches[1], matches[2]
		if key == "category" || key == "code" {
			continue
		}
		if intVal, convErr := strconv.Atoi(value); convErr == nil {
			properties[key] = intVal
		} else if boolVal, convErr := strconv.ParseBool(value); convErr == nil {
			properties[key] = boolVal
		} else {
			properties[key] = value
		}
	}
	return properties
}

// WirePayload is the ERROR payload shape required by §6: name, message, and
// info must be preserved by any implementation.
type WirePayload struct {
	Name    string                 `json:"name"`
	Message string                 `json:"message"`
	Info    map[string]interface{} `json:"info,omitempty"`
}

// ErrorToWirePayload converts an internal error into the ERROR payload sent
// across the wire, the single seam between Go errors and the protocol's
// error message shape.
func ErrorToWirePayload(err error) WirePayload {
	if err == nil {
		return WirePayload{Name: "Error", Message: "unknown error"}
	}

	code := GetErrorCode(err)
	name := errorNameForCode(code)
	properties := GetErrorProperties(err)

	info := make(map[string]interface{}, len(properties))
	for k, v := range properties {
		info[k] = v
	}

	message := err.Error()
	if message == "" {
		message = UserFacingMessage(code)
	}

	payload := WirePayload{Name: name, Message: message}
	if len(info) > 0 {
		payload.Info = info
	}
	return payload
}

// errorNameForCode maps a code to the short "name" field the wire ERROR
// payload carries (e.g. the "VError" name used for range-validation
// failures).
func errorNameForCode(code int) string {
	switch code {
	case CodeArgumentValidation:
		return "VError"
	case CodeUnknownMethod:
		return "MethodNotFoundError"
	case CodeTimeout:
		return "TimeoutError"
	case CodeConnectionClosed:
		return "ConnectionClosedError"
	case CodeDetached:
		return "DetachedError"
	case CodeServerClosing:
		return "ServerClosingError"
	case CodeCRCMismatch, CodeBadVersion, CodeBadType, CodeIDZero,
		CodeMalformedJSON, CodeStructuralMismatch, CodeTruncatedFrame,
		CodeUnsolicitedID, CodeDuplicateID, CodeOversizedFrame, CodeStatusTypeMismatch:
		return "ProtocolError"
	default:
		return "Error"
	}
}

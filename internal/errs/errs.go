// Package errs defines the coded errors shared across listen's components.
package errs

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeProviderUnavailable Code = "provider.embed.unavailable"

	CodeIndexCorrupt    Code = "store.index.corrupt"
	CodeIndexConflict   Code = "store.index.conflict"
	CodeIndexNotFound   Code = "store.index.not_found"
	CodeSignalNotFound  Code = "store.signal.not_found"
	CodeVectorNotFound  Code = "store.vector.not_found"
	CodeVectorInvalid   Code = "store.vector.invalid"
	CodeLockTimeout     Code = "store.lock.timeout"
	CodeBackendFailure  Code = "store.backend.failure"
	CodeBackendUnknown  Code = "store.backend.not_found"
	CodeArtifactInvalid Code = "registrar.artifact.invalid"
	CodeArtifactMissing Code = "registrar.artifact.not_found"

	CodeConfigInvalidValue Code = "config.validate.invalid_value"

	CodeServerRequestInvalid Code = "server.request.invalid"
	CodeServerInternal       Code = "server.internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldSignalID(value string) Attr {
	return Field("signal_id", value)
}

func FieldPath(value string) Attr {
	return Field("path", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).Wrapf(err, format, args...)
}

// CodeOf returns the code carried by err, or "" for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch c := oopsErr.Code().(type) {
	case Code:
		return c
	case string:
		return Code(c)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", c))
	}
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsCorrupt(err error) bool {
	return reason(CodeOf(err)) == "corrupt"
}

func IsUnavailable(err error) bool {
	return reason(CodeOf(err)) == "unavailable"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_value"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

// HTTPStatus maps an error to the status code served by the HTTP surface.
func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		pairs = append(pairs, f.Key, f.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}
	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}

package errors

import (
	"context"
	"errors"
	"os"
)

// Classify attempts to classify an unknown error into a CoreError.
// This is used at system boundaries (the storage persistence hook, the
// agent-runner collaborator boundary) to ensure all errors are typed.
func Classify(err error) *CoreError {
	if err == nil {
		return nil
	}

	if re, ok := err.(*CoreError); ok {
		return re
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(CodeTimeout, "operation timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return New(CodeCancelled, "operation cancelled").WithCause(err)
	}

	if errors.Is(err, os.ErrNotExist) {
		return New(CodeStorageNotFound, "not found").WithCause(err)
	}
	if errors.Is(err, os.ErrPermission) {
		return New(CodePermissionDenied, "permission denied").WithCause(err)
	}

	return New(CodeUnknown, "an unexpected error occurred").WithCause(err)
}

// MustClassify ensures an error is a CoreError. A nil err yields nil; it never panics.
func MustClassify(err error) *CoreError {
	if err == nil {
		return nil
	}
	return Classify(err)
}

// ClassifyWithCode classifies an error with a suggested default code.
// If the error can be classified more specifically, that takes precedence.
func ClassifyWithCode(err error, defaultCode Code) *CoreError {
	if err == nil {
		return nil
	}
	classified := Classify(err)
	if classified.Code == CodeUnknown {
		classified.Code = defaultCode
	}
	return classified
}

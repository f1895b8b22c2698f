package detector

import (
	"errors"
	"fmt"
)

// EncodingError is returned when an image cannot be encoded for transmission to the detector.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("failed to encode image: %v", e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// RemoteServiceError is returned when the detection service is unreachable, answers with a
// non-success status, or answers with a reply that does not follow the expected schema.
type RemoteServiceError struct {
	// StatusCode is the HTTP status of the reply, or 0 when no reply arrived.
	StatusCode int
	Err        error
}

func (e *RemoteServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("detection service error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("detection service error: %v", e.Err)
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

// ResourceAcquisitionError is returned when the resource backing a detector could not be started
// or stopped in time.
type ResourceAcquisitionError struct {
	Err error
}

func (e *ResourceAcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire detector resource: %v", e.Err)
}

func (e *ResourceAcquisitionError) Unwrap() error {
	return e.Err
}

func newRemoteServiceError(status int, err error) error {
	return &RemoteServiceError{StatusCode: status, Err: err}
}

// IsEncodingError reports whether err is or wraps an EncodingError.
func IsEncodingError(err error) bool {
	var target *EncodingError
	return errors.As(err, &target)
}

// IsRemoteServiceError reports whether err is or wraps a RemoteServiceError.
func IsRemoteServiceError(err error) bool {
	var target *RemoteServiceError
	return errors.As(err, &target)
}

// IsResourceAcquisitionError reports whether err is or wraps a ResourceAcquisitionError.
func IsResourceAcquisitionError(err error) bool {
	var target *ResourceAcquisitionError
	return errors.As(err, &target)
}

// ErrorKind names the kind of a detector error for logging.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsEncodingError(err):
		return "encoding"
	case IsRemoteServiceError(err):
		return "remote_service"
	case IsResourceAcquisitionError(err):
		return "resource_acquisition"
	default:
		return "other"
	}
}

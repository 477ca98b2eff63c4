package lights

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports an out-of-range colour or brightness argument. It
// is returned before any device call is attempted.
type ValidationError struct {
	Field string
	Value int
	Min   int
	Max   int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %d out of range [%d, %d]", e.Field, e.Value, e.Min, e.Max)
}

// DiscoveryError reports that one vendor adapter failed to enumerate devices.
type DiscoveryError struct {
	Brand Brand
	Err   error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s: %v", e.Brand, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// DeviceIOError reports a failed protocol call to a live device.
type DeviceIOError struct {
	LightID string
	Op      string
	Err     error
}

func (e *DeviceIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.LightID, e.Op, e.Err)
}

func (e *DeviceIOError) Unwrap() error { return e.Err }

// BatchError collects the per-device failures of a Batch or Frame commit.
// Devices not listed succeeded.
type BatchError struct {
	Errs []error
}

func (e *BatchError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d device(s) failed: %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error { return e.Errs }

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

package inference

import (
	"errors"
	"fmt"
)

// InputError is a user-correctable problem with the submitted image.
type InputError struct {
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// ModelError is a failure inside one of the inference branches.
type ModelError struct {
	Branch string
	Err    error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Branch, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// ErrStore wraps failures persisting the overlay artifact.
var ErrStore = errors.New("failed to store overlay")

// ErrNoImage is the reason used when a request carries no image bytes.
var ErrNoImage = errors.New("no image uploaded")

// IsInputError reports whether err is, or wraps, an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// IsModelError reports whether err is, or wraps, a *ModelError.
func IsModelError(err error) bool {
	var me *ModelError
	return errors.As(err, &me)
}

// Package errs holds the error taxonomy shared by the detection stages.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInputShape marks feature tensors whose shape does not match the model.
	ErrInputShape = errors.New("input shape mismatch")
	// ErrConfigRange marks configuration values outside their valid range.
	ErrConfigRange = errors.New("configuration out of range")
)

// InputShapeError reports a shape mismatch with enough context to find the
// offending video and stage.
type InputShapeError struct {
	VideoID string
	Stage   string
	Field   string
	Want    int
	Got     int
}

func (e *InputShapeError) Error() string {
	id := e.VideoID
	if id == "" {
		id = "<unknown>"
	}
	return fmt.Sprintf("video %s: %s: %s: want %d, got %d", id, e.Stage, e.Field, e.Want, e.Got)
}

// Is lets errors.Is(err, ErrInputShape) match.
func (e *InputShapeError) Is(target error) bool {
	return target == ErrInputShape
}

// TagVideo sets the video id on the first InputShapeError in err's chain
// when the stage that raised it did not know which video it was processing.
func TagVideo(err error, videoID string) error {
	var shapeErr *InputShapeError
	if errors.As(err, &shapeErr) && shapeErr.VideoID == "" {
		shapeErr.VideoID = videoID
	}
	return err
}

// RangeError reports a configuration value outside its valid range.
type RangeError struct {
	Field  string
	Value  any
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: %v %s", e.Field, e.Value, e.Reason)
}

// Is lets errors.Is(err, ErrConfigRange) match.
func (e *RangeError) Is(target error) bool {
	return target == ErrConfigRange
}

// Range is shorthand for building a *RangeError.
func Range(field string, value any, reason string) error {
	return &RangeError{Field: field, Value: value, Reason: reason}
}

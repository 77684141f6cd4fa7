package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputShapeErrorMatchesSentinel(t *testing.T) {
	base := &InputShapeError{Stage: "pyramid", Field: "feature dim", Want: 8, Got: 4}
	wrapped := TagVideo(fmt.Errorf("detect: %w", base), "P01_01")

	assert.True(t, errors.Is(wrapped, ErrInputShape))
	assert.False(t, errors.Is(wrapped, ErrConfigRange))

	var shapeErr *InputShapeError
	require.True(t, errors.As(wrapped, &shapeErr))
	assert.Equal(t, "P01_01", shapeErr.VideoID)
	assert.Contains(t, wrapped.Error(), "video P01_01: pyramid: feature dim: want 8, got 4")

	again := TagVideo(wrapped, "P02_02")
	assert.Contains(t, again.Error(), "video P01_01", "an existing id is kept")
	assert.NoError(t, TagVideo(nil, "P01_01"))
}

func TestRangeErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("nms: %w", Range("iou_threshold", -0.1, "must be in [0, 1]"))

	assert.True(t, errors.Is(err, ErrConfigRange))
	assert.EqualError(t, err, "nms: iou_threshold: -0.1 must be in [0, 1]")
}

package pipeline

import (
	"context"
	"time"

	"github.com/hanielwang/Audio-Visual-TAD/internal/detector"
	"github.com/hanielwang/Audio-Visual-TAD/internal/features"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
)

// Config holds pipeline-specific configuration
type Config struct {
	Workers int
}

// Detector is the per-video detection stage
type Detector interface {
	Detect(ctx context.Context, videoID string, seq *features.Sequence) (*detector.Result, error)
}

// Sink receives the detections of each finished video
type Sink interface {
	SaveDetections(runID, videoID string, dets []segments.Detection) error
}

// Outcome is the result of one video. Exactly one of Result and Err is set.
type Outcome struct {
	VideoID string
	Result  *detector.Result
	Err     error
	Elapsed time.Duration
}

// Summary aggregates the outcomes of a run
type Summary struct {
	RunID      string
	Videos     int
	Failed     int
	Detections int
	Elapsed    time.Duration
}

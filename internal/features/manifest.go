package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
)

// Manifest describes the pre-extracted features of one video
type Manifest struct {
	VideoID    string      `json:"video_id"`
	VideoPath  string      `json:"video_path,omitempty"`
	FPS        float64     `json:"fps"`
	Duration   float64     `json:"duration"`
	FeatStride float64     `json:"feat_stride"`
	NumFrames  float64     `json:"num_frames"`
	Visual     [][]float64 `json:"visual"`
	Audio      [][]float64 `json:"audio,omitempty"`
	// Mask marks real timesteps; padded ones are false. Absent means all valid.
	Mask []bool `json:"mask,omitempty"`
}

// LoadManifest reads a manifest from a JSON file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.VideoID == "" {
		return nil, fmt.Errorf("manifest %s: missing video_id", path)
	}
	if len(m.Visual) == 0 {
		return nil, fmt.Errorf("manifest %s: no visual features", path)
	}

	return &m, nil
}

// NeedsProbe reports whether timing metadata must be read from the video file
func (m *Manifest) NeedsProbe() bool {
	return m.VideoPath != "" && (m.FPS <= 0 || m.Duration <= 0)
}

// TimeBase returns the manifest's grid-to-seconds mapping
func (m *Manifest) TimeBase() TimeBase {
	return TimeBase{
		FPS:        m.FPS,
		FeatStride: m.FeatStride,
		NumFrames:  m.NumFrames,
		Duration:   m.Duration,
	}
}

// Sequence fuses the audio and visual streams into a single sequence
func (m *Manifest) Sequence() (*Sequence, error) {
	rows, err := Fuse(m.Visual, m.Audio)
	if err != nil {
		return nil, fmt.Errorf("video %s: %w", m.VideoID, err)
	}
	seq, err := NewSequence(rows, m.Mask, m.TimeBase())
	var shape *errs.InputShapeError
	if errors.As(err, &shape) {
		return nil, errs.TagVideo(err, m.VideoID)
	}
	if err != nil {
		return nil, fmt.Errorf("video %s: %w", m.VideoID, err)
	}
	return seq, nil
}

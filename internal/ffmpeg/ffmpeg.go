package ffmpeg

import (
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"
)

// Config locates the ffprobe binary
type Config struct {
	ProbePath string `yaml:"probe_path"`
}

// DefaultConfig looks ffprobe up on PATH
func DefaultConfig() Config {
	return Config{ProbePath: "ffprobe"}
}

// Executor runs ffprobe to recover video metadata missing from manifests
type Executor struct {
	logger      zerolog.Logger
	ffprobePath string
}

// New creates an executor, failing when ffprobe cannot be found
func New(logger zerolog.Logger, cfg Config) (*Executor, error) {
	name := cfg.ProbePath
	if name == "" {
		name = "ffprobe"
	}
	ffprobePath, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}

	return &Executor{
		logger:      logger.With().Str("component", "ffmpeg").Logger(),
		ffprobePath: ffprobePath,
	}, nil
}

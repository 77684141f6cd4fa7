package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/hanielwang/Audio-Visual-TAD/internal/decode"
	"github.com/hanielwang/Audio-Visual-TAD/internal/detector"
	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"github.com/hanielwang/Audio-Visual-TAD/internal/ffmpeg"
	"github.com/hanielwang/Audio-Visual-TAD/internal/head"
	"github.com/hanielwang/Audio-Visual-TAD/internal/model"
	"github.com/hanielwang/Audio-Visual-TAD/internal/nms"
	"github.com/hanielwang/Audio-Visual-TAD/internal/pyramid"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"github.com/hanielwang/Audio-Visual-TAD/internal/store"
	"github.com/hanielwang/Audio-Visual-TAD/internal/targets"
	"github.com/hanielwang/Audio-Visual-TAD/pkg/util"
	"gopkg.in/yaml.v3"
)

type contextKey string

const configKey contextKey = "config"

// Environment overrides applied after the file is read
const (
	EnvDBPath      = "AVTAD_DB_PATH"
	EnvConcurrency = "AVTAD_CONCURRENCY"
	EnvModelPath   = "AVTAD_MODEL_PATH"
)

// Config holds all application configuration
type Config struct {
	// Concurrency is the number of videos processed in parallel.
	Concurrency int `yaml:"concurrency"`

	Model   ModelConfig    `yaml:"model"`
	Pyramid pyramid.Config `yaml:"pyramid"`
	Decoder decode.Config  `yaml:"decoder"`
	NMS     nms.Config     `yaml:"nms"`
	Targets targets.Config `yaml:"targets"`
	Storage store.Config   `yaml:"storage"`
	FFmpeg  ffmpeg.Config  `yaml:"ffmpeg"`
	ONNX    ONNXConfig     `yaml:"onnx"`
}

// ModelConfig locates the trained parameters
type ModelConfig struct {
	Path         string             `yaml:"path"`
	Architecture model.Architecture `yaml:"architecture"`
}

// ONNXConfig selects the ONNX Runtime head instead of the native one
type ONNXConfig struct {
	Enabled bool            `yaml:"enabled"`
	Head    head.ONNXConfig `yaml:",inline"`
}

// Load reads configuration from file or returns defaults. Environment
// overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, err
		default:
			if err := unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// unmarshal decodes data over cfg. Maps given in the file replace the
// default maps instead of being merged into them.
func unmarshal(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}

	var override struct {
		Model struct {
			Architecture struct {
				NumClasses map[segments.Branch]int `yaml:"num_classes"`
			} `yaml:"architecture"`
		} `yaml:"model"`
		Decoder struct {
			ClassThreshold map[segments.Branch]float64 `yaml:"class_threshold"`
		} `yaml:"decoder"`
	}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return err
	}
	if m := override.Model.Architecture.NumClasses; m != nil {
		cfg.Model.Architecture.NumClasses = m
	}
	if m := override.Decoder.ClassThreshold; m != nil {
		cfg.Decoder.ClassThreshold = m
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv(EnvModelPath); v != "" {
		c.Model.Path = v
	}
	if v := os.Getenv(EnvConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConcurrency, err)
		}
		c.Concurrency = n
	}
	return nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return errs.Range("concurrency", c.Concurrency, "must be positive")
	}
	if err := c.Model.Architecture.Validate(); err != nil {
		return err
	}
	if err := c.Detector().Validate(); err != nil {
		return err
	}
	if err := c.Targets.Validate(); err != nil {
		return err
	}
	if c.Storage.Path == "" {
		return errs.Range("storage.path", c.Storage.Path, "must be set")
	}
	if c.ONNX.Enabled && c.ONNX.Head.ModelPath == "" {
		return errs.Range("onnx.model_path", c.ONNX.Head.ModelPath, "must be set when onnx is enabled")
	}
	return nil
}

// ONNXHead completes the ONNX head settings with the shapes of params
// for every field the file left unset.
func (c *Config) ONNXHead(p *model.Params) head.ONNXConfig {
	out := c.ONNX.Head
	if out.EmbedDim == 0 {
		out.EmbedDim = p.EmbedDim
	}
	if len(out.Scales) == 0 {
		out.Scales = slices.Clone(p.Scales)
	}
	if len(out.NumClasses) == 0 {
		out.NumClasses = make(map[segments.Branch]int)
		for _, b := range p.Branches() {
			out.NumClasses[b] = p.NumClasses(b)
		}
	}
	return out
}

// Detector returns the per-video stage configuration
func (c *Config) Detector() detector.Config {
	return detector.Config{
		Pyramid: c.Pyramid,
		Decoder: c.Decoder,
		NMS:     c.NMS,
	}
}

// Save writes configuration to file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := util.EnsureParent(path); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Concurrency: 4,
		Model: ModelConfig{
			Path:         "./models/avtad.json",
			Architecture: model.DefaultArchitecture(),
		},
		Pyramid: pyramid.DefaultConfig(),
		Decoder: decode.DefaultConfig(),
		NMS:     nms.DefaultConfig(),
		Targets: targets.DefaultConfig(),
		Storage: store.DefaultConfig(),
		FFmpeg:  ffmpeg.DefaultConfig(),
		ONNX: ONNXConfig{
			Head: head.ONNXConfig{ModelPath: "./models/head.onnx"},
		},
	}
}

func findConfigFile() string {
	candidates := []string{
		"./avtad.yaml",
		"./config.yaml",
		util.ExpandHome(filepath.Join("~", ".avtad", "config.yaml")),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// WithConfig stores config in context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return Default()
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hanielwang/Audio-Visual-TAD/internal/features"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var errNilManifest = errors.New("nil manifest")

// Pipeline runs detection over a batch of videos with a bounded worker pool
type Pipeline struct {
	logger   zerolog.Logger
	config   Config
	detector Detector
	sink     Sink
	sinkMu   sync.Mutex
}

// New creates a new pipeline instance. sink may be nil.
func New(logger zerolog.Logger, cfg Config, det Detector, sink Sink) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pipeline{
		logger:   logger.With().Str("component", "pipeline").Logger(),
		config:   cfg,
		detector: det,
		sink:     sink,
	}
}

// Run detects actions in every manifest. A failing video only fails its own
// outcome; outcomes are returned in input order.
func (p *Pipeline) Run(ctx context.Context, runID string, videos []*features.Manifest) ([]Outcome, Summary) {
	start := time.Now()
	p.logger.Info().
		Str("run", runID).
		Int("videos", len(videos)).
		Int("workers", p.config.Workers).
		Msg("starting detection run")

	outcomes := make([]Outcome, len(videos))

	var g errgroup.Group
	g.SetLimit(p.config.Workers)
	for i, m := range videos {
		g.Go(func() error {
			outcomes[i] = p.process(ctx, runID, m)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{RunID: runID, Videos: len(videos), Elapsed: time.Since(start)}
	for _, o := range outcomes {
		if o.Err != nil {
			summary.Failed++
			continue
		}
		summary.Detections += o.Result.Stats.Detections
	}

	p.logger.Info().
		Str("run", runID).
		Int("failed", summary.Failed).
		Int("detections", summary.Detections).
		Dur("elapsed", summary.Elapsed).
		Msg("detection run complete")

	return outcomes, summary
}

func (p *Pipeline) process(ctx context.Context, runID string, m *features.Manifest) (out Outcome) {
	start := time.Now()
	log := p.logger

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("video processing panicked")
			out.Result = nil
			out.Err = fmt.Errorf("video %s: panic: %v", out.VideoID, r)
		}
		out.Elapsed = time.Since(start)
	}()

	if m == nil {
		out.Err = errNilManifest
		log.Error().Err(out.Err).Msg("invalid features")
		return out
	}
	out.VideoID = m.VideoID
	log = p.logger.With().Str("video", m.VideoID).Logger()

	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	seq, err := m.Sequence()
	if err != nil {
		out.Err = err
		log.Error().Err(err).Msg("invalid features")
		return out
	}

	res, err := p.detector.Detect(ctx, m.VideoID, seq)
	if err != nil {
		out.Err = err
		log.Error().Err(err).Msg("detection failed")
		return out
	}

	if p.sink != nil {
		if err := p.save(runID, m.VideoID, res.Detections); err != nil {
			out.Err = fmt.Errorf("video %s: save failed: %w", m.VideoID, err)
			log.Error().Err(err).Msg("saving detections failed")
			return out
		}
	}

	out.Result = res
	log.Info().
		Int("detections", res.Stats.Detections).
		Int("degenerate", res.Stats.Degenerate).
		Msg("video processed")
	return out
}

func (p *Pipeline) save(runID, videoID string, byBranch map[segments.Branch][]segments.Detection) error {
	var all []segments.Detection
	for _, b := range segments.Branches() {
		all = append(all, byBranch[b]...)
	}

	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	return p.sink.SaveDetections(runID, videoID, all)
}

package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hanielwang/Audio-Visual-TAD/internal/config"
	"github.com/hanielwang/Audio-Visual-TAD/internal/detector"
	"github.com/hanielwang/Audio-Visual-TAD/internal/export"
	"github.com/hanielwang/Audio-Visual-TAD/internal/features"
	"github.com/hanielwang/Audio-Visual-TAD/internal/ffmpeg"
	"github.com/hanielwang/Audio-Visual-TAD/internal/head"
	"github.com/hanielwang/Audio-Visual-TAD/internal/model"
	"github.com/hanielwang/Audio-Visual-TAD/internal/pipeline"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"github.com/hanielwang/Audio-Visual-TAD/internal/store"
	"github.com/hanielwang/Audio-Visual-TAD/pkg/util"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	detectModel   string
	detectOut     string
	detectSave    bool
	detectRunName string
)

var detectCmd = &cobra.Command{
	Use:   "detect [manifest.json]...",
	Short: "Detect actions in one or more feature manifests",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.FromContext(ctx)
		if err := cfg.Validate(); err != nil {
			return err
		}

		params, modelPath, err := loadModel(cfg, detectModel)
		if err != nil {
			return err
		}

		det, closeHead, err := newDetector(cfg, params)
		if err != nil {
			return err
		}
		defer closeHead()

		manifests, err := loadManifests(cmd, cfg, args)
		if err != nil {
			return err
		}

		runID := uuid.NewString()
		var sink pipeline.Sink
		if detectSave {
			db, err := store.NewDBClient(log.Logger, cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			name := detectRunName
			if name == "" {
				name = time.Now().Format("2006-01-02 15:04:05")
			}
			if runID, err = db.CreateRun(name, modelPath); err != nil {
				return err
			}
			sink = db
		}

		pipe := pipeline.New(log.Logger, pipeline.Config{Workers: cfg.Concurrency}, det, sink)
		outcomes, summary := pipe.Run(ctx, runID, manifests)

		results := make([]*detector.Result, 0, len(outcomes))
		for _, o := range outcomes {
			if o.Err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", o.VideoID, o.Err)
				continue
			}
			results = append(results, o.Result)
			printResult(cmd, o)
		}

		opts := export.Options{RunID: runID}
		if composesActions(params, cfg) {
			opts.NumNouns = params.NumClasses(segments.Noun)
		}
		if err := export.WriteJSON(detectOut, results, opts); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d videos, %d failed, %d detections in %s -> %s\n",
			summary.RunID, summary.Videos, summary.Failed, summary.Detections,
			summary.Elapsed.Round(time.Millisecond), detectOut)

		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d videos failed", summary.Failed, summary.Videos)
		}
		return nil
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectModel, "model", "", "model file (default: model.path from config)")
	detectCmd.Flags().StringVarP(&detectOut, "out", "o", "results.json", "output JSON file")
	detectCmd.Flags().BoolVar(&detectSave, "save", false, "persist the run in the detection store")
	detectCmd.Flags().StringVar(&detectRunName, "run-name", "", "name of the saved run")
}

func loadModel(cfg *config.Config, override string) (*model.Params, string, error) {
	path := cfg.Model.Path
	if override != "" {
		path = override
	}
	if !util.FileExists(path) {
		return nil, "", fmt.Errorf("model file not found: %s (create one with `avtad model init`)", path)
	}
	params, err := model.Load(path)
	if err != nil {
		return nil, "", err
	}
	return params, path, nil
}

// newDetector builds the detector with the native head, or the ONNX Runtime
// head when enabled. The returned func releases the head.
func newDetector(cfg *config.Config, params *model.Params) (*detector.Detector, func(), error) {
	var (
		predictor head.Predictor
		closeHead = func() {}
	)

	if cfg.ONNX.Enabled {
		onnxHead, err := head.NewONNX(log.Logger, cfg.ONNXHead(params))
		if err != nil {
			return nil, nil, err
		}
		predictor = onnxHead
		closeHead = func() {
			if err := onnxHead.Close(); err != nil {
				log.Warn().Err(err).Msg("closing onnx head")
			}
		}
	} else {
		nativeHead, err := head.New(params)
		if err != nil {
			return nil, nil, err
		}
		predictor = nativeHead
	}

	det, err := detector.New(log.Logger, params, predictor, cfg.Detector())
	if err != nil {
		closeHead()
		return nil, nil, err
	}
	return det, closeHead, nil
}

// loadManifests reads every manifest, probing the referenced video for
// timing the manifest leaves out.
func loadManifests(cmd *cobra.Command, cfg *config.Config, paths []string) ([]*features.Manifest, error) {
	manifests := make([]*features.Manifest, 0, len(paths))
	var probe *ffmpeg.Executor

	for _, path := range paths {
		m, err := features.LoadManifest(path)
		if err != nil {
			return nil, err
		}

		if m.NeedsProbe() {
			if probe == nil {
				if probe, err = ffmpeg.New(log.Logger, cfg.FFmpeg); err != nil {
					return nil, err
				}
			}
			if err := probe.FillManifest(cmd.Context(), m); err != nil {
				return nil, err
			}
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// composesActions reports whether action ids are verb x noun pairs
func composesActions(params *model.Params, cfg *config.Config) bool {
	return cfg.Decoder.ComposeAction &&
		params.NumClasses(segments.Action) == 0 &&
		params.NumClasses(segments.Verb) > 0 &&
		params.NumClasses(segments.Noun) > 0
}

func printResult(cmd *cobra.Command, o pipeline.Outcome) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  (%d candidates, %d detections, %s)\n",
		o.VideoID, o.Result.Stats.Candidates, o.Result.Stats.Detections, o.Elapsed.Round(time.Millisecond))

	for _, b := range segments.Branches() {
		dets := o.Result.Detections[b]
		if len(dets) == 0 {
			continue
		}
		best := dets[0]
		fmt.Fprintf(out, "  %-6s top: class %d  %s-%s  score %.4f\n",
			b, best.ClassID, util.FormatSeconds(best.Start), util.FormatSeconds(best.End), best.Score)
	}
}

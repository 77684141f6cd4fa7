package main

import (
	"fmt"

	"github.com/hanielwang/Audio-Visual-TAD/internal/config"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"github.com/hanielwang/Audio-Visual-TAD/internal/viz"
	"github.com/spf13/cobra"
)

var (
	plotOut       string
	plotModel     string
	plotBranch    string
	plotAllLevels bool
)

var plotCmd = &cobra.Command{
	Use:   "plot [manifest.json]",
	Short: "Plot predicted centricity and detection scores for one video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.FromContext(ctx)

		branch, err := segments.ParseBranch(plotBranch)
		if err != nil {
			return err
		}

		params, _, err := loadModel(cfg, plotModel)
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
		m := manifests[0]

		seq, err := m.Sequence()
		if err != nil {
			return err
		}
		preds, err := det.Predict(ctx, m.VideoID, seq)
		if err != nil {
			return err
		}
		res, err := det.Detect(ctx, m.VideoID, seq)
		if err != nil {
			return err
		}

		if !plotAllLevels && len(preds) > 1 {
			preds = preds[:1]
		}
		title := fmt.Sprintf("%s - %s", m.VideoID, branch)
		if err := viz.Centricity(plotOut, title, preds, seq.Time, res.Detections[branch]); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), plotOut)
		return nil
	},
}

func init() {
	plotCmd.Flags().StringVarP(&plotOut, "out", "o", "centricity.png", "output image (png, svg or pdf)")
	plotCmd.Flags().StringVar(&plotModel, "model", "", "model file (default: model.path from config)")
	plotCmd.Flags().StringVar(&plotBranch, "branch", string(segments.Action), "branch whose detections are plotted")
	plotCmd.Flags().BoolVar(&plotAllLevels, "all-levels", false, "plot every pyramid level, not only the finest")
}

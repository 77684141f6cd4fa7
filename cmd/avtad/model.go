package main

import (
	"fmt"

	"github.com/hanielwang/Audio-Visual-TAD/internal/config"
	"github.com/hanielwang/Audio-Visual-TAD/internal/model"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	modelOut  string
	modelSeed uint64
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Model file commands",
}

var modelInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a randomly initialised model matching the configured architecture",
	Long: "Writes a deterministic randomly initialised model. The weights are not trained;\n" +
		"the file is meant for smoke tests and for checking feature manifests end to end.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())

		params, err := model.NewRandom(cfg.Model.Architecture, modelSeed)
		if err != nil {
			return err
		}

		out := modelOut
		if out == "" {
			out = cfg.Model.Path
		}
		if err := params.Save(out); err != nil {
			return err
		}

		log.Info().
			Str("path", out).
			Int("levels", params.Levels()).
			Uint64("seed", modelSeed).
			Msg("model written")
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	modelInitCmd.Flags().StringVarP(&modelOut, "out", "o", "", "output file (default: model.path from config)")
	modelInitCmd.Flags().Uint64Var(&modelSeed, "seed", 1, "random seed")

	modelCmd.AddCommand(modelInitCmd)
}

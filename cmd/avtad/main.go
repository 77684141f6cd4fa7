package main

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/hanielwang/Audio-Visual-TAD/internal/config"
	"github.com/hanielwang/Audio-Visual-TAD/internal/logging"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	verbose  bool
	jsonLogs bool
)

func main() {
	ctx := context.Background()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "avtad",
	Short: "avtad - audio-visual temporal action detection",
	Long: "Detects and localises actions in untrimmed videos from pre-extracted audio and visual features,\n" +
		"using a multi-scale feature pyramid, a centricity-aware head and temporal suppression.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.Options{Verbose: verbose, JSON: jsonLogs})

		// A missing .env is fine; everything it sets has a default.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Msg("ignoring unreadable .env")
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		ctx := config.WithConfig(cmd.Context(), cfg)
		cmd.SetContext(ctx)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./avtad.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "write logs as JSON lines")

	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(plotCmd)
}

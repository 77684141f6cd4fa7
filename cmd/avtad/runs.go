package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/hanielwang/Audio-Visual-TAD/internal/config"
	"github.com/hanielwang/Audio-Visual-TAD/internal/store"
	"github.com/hanielwang/Audio-Visual-TAD/pkg/util"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	runsVideo string
	runsFrom  string
	runsTo    string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect saved detection runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tVIDEOS\tDETECTIONS\tCREATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				r.ID, r.Name, r.Videos, r.Detections, r.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show the detections of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		run, err := db.GetRun(args[0])
		if err != nil {
			return err
		}
		records, err := db.GetDetections(run.ID, runsVideo)
		if err != nil {
			return err
		}
		from, to, err := parseWindow(runsFrom, runsTo)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run %s (%s), model %s, %d videos, %d detections\n",
			run.ID, run.Name, run.ModelPath, run.Videos, run.Detections)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VIDEO\tBRANCH\tRANK\tCLASS\tSTART\tEND\tSCORE")
		for _, r := range records {
			if r.End <= from || (to > 0 && r.Start >= to) {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%.4f\n",
				r.VideoID, r.Branch, r.Rank, r.ClassID,
				util.FormatSeconds(r.Start), util.FormatSeconds(r.End), r.Score)
		}
		return w.Flush()
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete [run-id]",
	Short: "Delete a run and its detections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		return db.DeleteRun(args[0])
	},
}

func init() {
	runsShowCmd.Flags().StringVar(&runsVideo, "video", "", "only show one video")
	runsShowCmd.Flags().StringVar(&runsFrom, "from", "", "only show detections ending after this time (HH:MM:SS or seconds)")
	runsShowCmd.Flags().StringVar(&runsTo, "to", "", "only show detections starting before this time")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
}

// parseWindow parses the --from/--to bounds. An empty bound is open.
func parseWindow(from, to string) (float64, float64, error) {
	var lo, hi float64
	var err error
	if from != "" {
		if lo, err = util.ParseTimestamp(from); err != nil {
			return 0, 0, err
		}
	}
	if to != "" {
		if hi, err = util.ParseTimestamp(to); err != nil {
			return 0, 0, err
		}
		if hi <= lo {
			return 0, 0, fmt.Errorf("--to %s must be after --from %s", to, from)
		}
	}
	return lo, hi, nil
}

func openStore(cmd *cobra.Command) (*store.DBClient, error) {
	cfg := config.FromContext(cmd.Context())
	return store.NewDBClient(log.Logger, cfg.Storage.Path)
}

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deeppavlov/pipesearch/internal/experiment"
	"github.com/deeppavlov/pipesearch/pkg/aggregator"
	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/store"
	"github.com/deeppavlov/pipesearch/pkg/workspace"
)

var (
	resultsRunID string
	resultsTop   int
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show the leaderboard of an experiment",
	Long: `Prints the ranked results of a finished experiment, per dataset, best first.
Reads the results store when one is configured, otherwise the aggregate log
in the experiment directory.`,
	RunE: runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.Flags().StringVar(&resultsRunID, "run", "", "run id (default: latest run of the experiment)")
	resultsCmd.Flags().IntVar(&resultsTop, "top", 10, "rows per dataset (0 = all)")
}

type leaderboard struct {
	RunID        string                `json:"run_id"`
	Experiment   string                `json:"experiment"`
	TargetMetric string                `json:"target_metric"`
	Records      []models.ResultRecord `json:"records"`
}

func runResults(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var storeCfg store.Config
	if err := viper.UnmarshalKey("store", &storeCfg); err != nil {
		return fmt.Errorf("invalid store config: %w", err)
	}
	name := viper.GetString("name")

	var board leaderboard
	st, err := store.Open(storeCfg)
	if err != nil {
		return err
	}
	if st != nil && storeCfg.Driver != "memory" {
		defer st.Close()

		var run *models.RunInfo
		if resultsRunID != "" {
			run, err = st.GetRun(ctx, resultsRunID)
		} else {
			run, err = st.LatestRun(ctx, name)
		}
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no run found for experiment %q", name)
			}
			return err
		}
		recs, err := st.ListResults(ctx, run.ID)
		if err != nil {
			return err
		}
		board = leaderboard{RunID: run.ID, Experiment: run.Experiment, TargetMetric: run.TargetMetric, Records: recs}
	} else {
		layout := workspace.New(viper.GetString("root"), logDate(viper.GetString("date"), time.Now()), name)
		log, err := aggregator.LoadLog(layout.LogPath())
		if err != nil {
			return err
		}
		board = leaderboard{RunID: log.RunID, Experiment: log.Experiment, TargetMetric: log.TargetMetric, Records: log.Records}
	}

	board.Records = rankRecords(board.Records, resultsTop)

	if IsJSONOutput() {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(board)
	}

	if len(board.Records) == 0 {
		fmt.Println("No results")
		return nil
	}

	fmt.Printf("Run %s (%s), ranked by %s\n\n", board.RunID, board.Experiment, board.TargetMetric)
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Dataset", "Rank", "Job", "Pipeline", "Components", "Score", "Split", "Time", "GPU")
	rank, prev := 0, ""
	for _, r := range board.Records {
		if r.Dataset != prev {
			rank, prev = 0, r.Dataset
		}
		rank++
		score := "-"
		if r.Score != nil {
			score = fmt.Sprintf("%.4f", *r.Score)
		}
		device := "cpu"
		if r.GPU != models.NoGPU {
			device = fmt.Sprintf("%d", r.GPU)
		}
		table.Append(
			r.Dataset,
			fmt.Sprintf("%d", rank),
			fmt.Sprintf("%d", r.JobIndex+1),
			r.Pipeline,
			strings.Join(r.Components, " > "),
			score,
			r.ScoreSplit,
			fmt.Sprintf("%.1fs", r.ElapsedSeconds),
			device,
		)
	}
	table.Render()
	return nil
}

// logDate defaults to today, the same date `run` uses when none is given
func logDate(date string, now time.Time) string {
	if date != "" {
		return date
	}
	return now.Format(experiment.DateLayout)
}

// rankRecords orders by dataset, then score descending with unscored last,
// then job index; top > 0 keeps that many rows per dataset
func rankRecords(recs []models.ResultRecord, top int) []models.ResultRecord {
	sorted := append([]models.ResultRecord(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Dataset != b.Dataset {
			return a.Dataset < b.Dataset
		}
		switch {
		case a.Score != nil && b.Score == nil:
			return true
		case a.Score == nil && b.Score != nil:
			return false
		case a.Score != nil && *a.Score != *b.Score:
			return *a.Score > *b.Score
		}
		return a.JobIndex < b.JobIndex
	})
	if top <= 0 {
		return sorted
	}

	out := sorted[:0:0]
	count := map[string]int{}
	for _, r := range sorted {
		if count[r.Dataset] < top {
			out = append(out, r)
			count[r.Dataset]++
		}
	}
	return out
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deeppavlov/pipesearch/internal/experiment"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline search experiment",
	Long: `Runs the full experiment: resource planning, preflight smoke run, scheduling,
result aggregation, the aggregate log, best-checkpoint retention and, if
configured, publishing to object storage.`,
	RunE: runExperiment,
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.String("search-space", "", "search space YAML file")
	flags.String("target-metric", "", "metric used to rank pipelines (default: first declared metric)")
	flags.Int("workers", 0, "number of parallel workers (default: derived from CPUs or GPUs)")
	flags.Bool("all-gpus", false, "use every idle GPU")
	flags.IntSlice("gpus", nil, "explicit GPU indices to use")
	flags.Float64("dispatch-rate", 0, "maximum job starts per second (0 = unlimited)")
	flags.Bool("preflight", true, "run the preflight smoke test before scheduling")
	flags.Bool("save-best", true, "keep only the best checkpoint per dataset")
	flags.Int("folds", 0, "enable k-fold cross-validation with this many folds")
	flags.String("metrics-addr", "", "serve /metrics and /progress on this address while running")

	bind := map[string]string{
		"search_space":  "search-space",
		"target_metric": "target-metric",
		"workers":       "workers",
		"gpus.all":      "all-gpus",
		"gpus.devices":  "gpus",
		"dispatch_rate": "dispatch-rate",
		"preflight":     "preflight",
		"save_best":     "save-best",
		"metrics.addr":  "metrics-addr",
	}
	for key, flag := range bind {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func runExperiment(cmd *cobra.Command, args []string) error {
	if folds, _ := cmd.Flags().GetInt("folds"); folds > 0 {
		viper.Set("cross_validation.enabled", true)
		viper.Set("cross_validation.folds", folds)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	manager, err := experiment.NewManager(cfg, experiment.Deps{})
	if err != nil {
		return err
	}

	out, runErr := manager.Run(cmd.Context())
	if out != nil {
		if err := printOutcome(out); err != nil {
			return err
		}
	}
	return runErr
}

func printOutcome(out *experiment.Outcome) error {
	if IsJSONOutput() {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	}

	fmt.Printf("\nRun %s\n", out.RunID)
	fmt.Printf("Experiment directory: %s\n", out.Layout.ExperimentDir())
	fmt.Printf("Workers: %d  GPU slots: %v\n\n", out.Plan.WorkerCount, out.Plan.GPUSlots)

	if out.Log == nil || len(out.Log.Datasets) == 0 {
		fmt.Println("No results")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Dataset", "Jobs", "Best Job", "Best "+out.Log.TargetMetric)
	for _, ds := range out.Log.Datasets {
		best, score := "-", "-"
		if ds.BestScore != nil {
			best = fmt.Sprintf("%d", ds.BestJobNumber)
			score = fmt.Sprintf("%.4f", *ds.BestScore)
		}
		table.Append(ds.Dataset, fmt.Sprintf("%d", ds.Jobs), best, score)
	}
	table.Render()

	fmt.Printf("\nTotal time: %s\n", out.Log.FullTime)
	if out.Published != nil {
		fmt.Printf("Published %d objects (%d bytes)\n", len(out.Published.Objects), out.Published.Bytes)
	}
	return nil
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deeppavlov/pipesearch/pkg/gpu"
)

var gpusCmd = &cobra.Command{
	Use:   "gpus",
	Short: "List GPUs and whether they are idle",
	Long:  `Queries nvidia-smi and shows every GPU with its memory use, utilization and idle state.`,
	RunE:  runGPUs,
}

func init() {
	rootCmd.AddCommand(gpusCmd)
}

type gpuRow struct {
	gpu.Device
	Idle bool `json:"idle"`
}

func runGPUs(cmd *cobra.Command, args []string) error {
	thresholds := gpu.DefaultThresholds()
	if err := viper.UnmarshalKey("gpus.thresholds", &thresholds); err != nil {
		return fmt.Errorf("invalid gpus.thresholds: %w", err)
	}

	probe := gpu.NewNvidiaProbe(thresholds)
	devices, err := probe.Devices(cmd.Context())
	if err != nil {
		return err
	}

	rows := make([]gpuRow, len(devices))
	for i, d := range devices {
		rows[i] = gpuRow{Device: d, Idle: thresholds.Idle(d)}
	}

	if IsJSONOutput() {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No GPUs found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Index", "Name", "Memory", "Utilization", "Idle")
	for _, r := range rows {
		idle := "No"
		if r.Idle {
			idle = "Yes"
		}
		table.Append(
			fmt.Sprintf("%d", r.Index),
			r.Name,
			fmt.Sprintf("%.0f / %.0f MiB", r.MemoryUsedMB, r.MemoryTotalMB),
			fmt.Sprintf("%.0f%%", r.UtilizationPercent),
			idle,
		)
	}
	table.Render()
	fmt.Printf("\nIdle threshold: >= %.0f%% free memory, <= %.0f%% utilization\n",
		thresholds.MinFreeMemoryFraction*100, thresholds.MaxUtilization)
	return nil
}

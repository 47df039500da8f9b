package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/deeppavlov/pipesearch/internal/experiment"
	"github.com/deeppavlov/pipesearch/pkg/generator"
	"github.com/deeppavlov/pipesearch/pkg/models"
	"github.com/deeppavlov/pipesearch/pkg/resources"
)

var planFormat string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the resource plan and job count of an experiment",
	Long: `Probes the host (CPU, memory, GPUs) and the search space and prints the
worker count and GPU slots the run would use, without starting any job.`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringVarP(&planFormat, "format", "f", "text", "Output format: text, json, yaml")
}

// PlanReport is what `pipesearch plan` prints
type PlanReport struct {
	Host      resources.Host      `json:"host" yaml:"host"`
	OS        string              `json:"os" yaml:"os"`
	Arch      string              `json:"architecture" yaml:"architecture"`
	Plan      models.ResourcePlan `json:"plan" yaml:"plan"`
	Pipelines int                 `json:"pipelines" yaml:"pipelines"`
	Folds     int                 `json:"folds,omitempty" yaml:"folds,omitempty"`
	Mode      string              `json:"search_mode" yaml:"search_mode"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	host, err := resources.DetectHost(ctx)
	if err != nil {
		return fmt.Errorf("failed to detect host: %w", err)
	}

	space, err := generator.LoadSpace(cfg.SearchSpace)
	if err != nil {
		return err
	}
	gen, err := generator.New(space)
	if err != nil {
		return err
	}

	manager, err := experiment.NewManager(cfg, experiment.Deps{})
	if err != nil {
		return err
	}
	plan, err := manager.Plan(ctx)
	if err != nil {
		return err
	}

	report := PlanReport{
		Host:      host,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Plan:      plan,
		Pipelines: gen.Len(),
		Folds:     cfg.Folds(),
		Mode:      space.Search.Mode,
	}
	return outputPlan(report, planFormat)
}

func outputPlan(rep PlanReport, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rep)

	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(rep)

	case "text":
		fmt.Println("Host:")
		fmt.Printf("  CPU:     %s (%d logical, %d physical)\n", rep.Host.CPUModel, rep.Host.LogicalCPUs, rep.Host.PhysicalCPUs)
		fmt.Printf("  Memory:  %.1f GB total, %.1f GB available\n", rep.Host.MemoryTotalGB, rep.Host.MemoryAvailGB)
		fmt.Printf("  OS/Arch: %s/%s\n", rep.OS, rep.Arch)
		fmt.Println()
		fmt.Println("Plan:")
		fmt.Printf("  Workers:   %d\n", rep.Plan.WorkerCount)
		if rep.Plan.UsesGPU() {
			fmt.Printf("  GPU slots: %v\n", rep.Plan.GPUSlots)
		} else {
			fmt.Println("  GPU slots: none (CPU only)")
		}
		fmt.Printf("  Pipelines: %d (%s search)\n", rep.Pipelines, rep.Mode)
		if rep.Folds > 0 {
			fmt.Printf("  Cross-validation: %d folds, %d trainer runs\n", rep.Folds, rep.Folds*rep.Pipelines)
		}
		return nil

	default:
		return fmt.Errorf("unsupported format: %s (use text, json, or yaml)", format)
	}
}

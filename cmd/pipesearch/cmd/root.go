package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deeppavlov/pipesearch/internal/experiment"
)

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pipesearch",
	Short: "Pipeline and hyperparameter search orchestrator",
	Long: `pipesearch enumerates candidate pipelines from a search space, trains them on a
fixed-size local worker pool (optionally pinned to GPUs), ranks the results per
dataset and keeps only the best checkpoint of each dataset.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "experiment config file (default ./pipesearch.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")

	rootCmd.PersistentFlags().String("root", "", "root directory for experiments")
	rootCmd.PersistentFlags().String("name", "", "experiment name")
	rootCmd.PersistentFlags().String("date", "", "experiment date (YYYY-MM-DD, default today)")
	viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	viper.BindPFlag("name", rootCmd.PersistentFlags().Lookup("name"))
	viper.BindPFlag("date", rootCmd.PersistentFlags().Lookup("date"))

	experiment.SetDefaults(viper.GetViper())
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.pipesearch")
		}
		viper.SetConfigName("pipesearch")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PIPESEARCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

// loadConfig decodes the merged file, env and flag configuration
func loadConfig() (experiment.Config, error) {
	return experiment.Load(viper.GetViper())
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

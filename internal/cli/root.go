// Package cli implements the local-mode ralph CLI surface: run, status,
// stop, checkpoint, and attach, dispatching into the registry.Store
// (SessionRegistry, C5) and internal/driver directly, with no daemon or
// control-plane connection required.
package cli

import (
	"fmt"
	"os"

	"github.com/ralphloop/ralph/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "ralph - autonomous iteration loops for coding agents",
	Long: `ralph drives a coding agent through repeated iterations against a task
descriptor until every user story passes, an iteration budget is exhausted,
or the loop is stopped.

Example:
  ralph run ./tasks/add-retry-logic`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .ralph.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ralph")
	}

	viper.SetEnvPrefix("RALPH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

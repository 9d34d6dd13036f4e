// Package cmd implements the gantry CLI: thin cobra commands over the
// engine service and the plan store.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gantryhq/gantry/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Git-worktree DAG plan execution engine",
	Long: `Gantry executes plans: directed acyclic graphs of nodes, each running
its work inside an isolated git worktree and merging results forward to a
target branch. Work can be a process, a shell command, or a delegated AI
coding agent.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/gantry/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/gantry")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("GANTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}

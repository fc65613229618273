package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fieldworks/skillrun/internal/logging"
)

// errGateFailed marks a clean gate rejection so main can exit 1 instead of
// the generic failure code 2.
var errGateFailed = errors.New("gate failed")

var (
	cfgFile  string
	debug    bool
	jsonLogs bool
	rootCmd  = &cobra.Command{
		Use:   "skillrun",
		Short: "skillrun is a contract-first skill orchestration runtime",
	}
)

// Execute runs the root command.
func Execute() error {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", filepath.Join(".skillrun", "config.json"), "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON instead of console output")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		return fmt.Errorf("bind config flag: %w", err)
	}
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.Init(debug, jsonLogs)
	}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(invokeCmd())
	rootCmd.AddCommand(fixloopCmd())
	rootCmd.AddCommand(contractsCmd())
	return rootCmd.Execute()
}

func initConfig() {
	path := cfgFile
	if path == "" {
		path = filepath.Join(".skillrun", "config.json")
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("json")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
}

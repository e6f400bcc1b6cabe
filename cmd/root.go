// Package cmd wires the drover command line: the scheduler daemon, the
// rpc-server worker pools, and the maintenance commands around them.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quadtile/drover/internal/config"
	"github.com/quadtile/drover/internal/log"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Distributed task scheduler for landscape-editing jobs",
	Long: `Drover schedules landscape-editing jobs over AMQP worker pools:
scenario trees dispatch generator and import steps, edit locks keep
concurrent tasks off the same map features, and every state change lands
on the event log.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/drover/config.yaml)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("amqp_url", defaults.AMQPURL)
	viper.SetDefault("scenario_db", defaults.ScenarioDB)
	viper.SetDefault("log_db", defaults.LogDB)
	viper.SetDefault("history_db", defaults.HistoryDB)
	viper.SetDefault("start_timeout", defaults.StartTimeout)
	viper.SetDefault("close_timeout", defaults.CloseTimeout)
	viper.SetDefault("terminate_timeout", defaults.TerminateTimeout)
	viper.SetDefault("heartbeat_timeout", defaults.HeartbeatTimeout)
	viper.SetDefault("restart_delay", defaults.RestartDelay)
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("log.pretty", defaults.Log.Pretty)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. ./drover.yaml (current directory)
		// 2. ~/.config/drover/config.yaml (user config)
		if _, err := os.Stat("drover.yaml"); err == nil {
			viper.SetConfigFile("drover.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "drover"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			home, homeErr := os.UserHomeDir()
			if homeErr == nil {
				defaultPath := filepath.Join(home, ".config", "drover", "config.yaml")
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
			}
			// Write failures fall through to pure defaults.
		}
	}

	_ = viper.Unmarshal(&cfg)
	log.Init(log.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
}

// configPath is the file the running configuration came from.
func configPath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "drover.yaml"
	}
	return filepath.Join(home, ".config", "drover", "config.yaml")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the drover version",
	Run: func(*cobra.Command, []string) {
		fmt.Println("drover", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

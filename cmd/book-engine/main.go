// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the book-engine CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/book-engine/internal/secrets"
	"github.com/pdiddy/book-engine/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// loadedSecrets holds API keys loaded from .secrets/ at startup.
var loadedSecrets map[string]string

// rootCmd is the base command for the book-engine CLI.
var rootCmd = &cobra.Command{
	Use:   "book-engine",
	Short: "Generate long-form books with a team of language-model agents",
	Long: `book-engine plans, researches, writes, edits and assembles a book chapter
by chapter. Every chapter is written against a memory store of the earlier
chapters and a continuity registry of the people and places they mention.

Builds are checkpointed after every chapter: a cancelled or aborted build
can be resumed, and a finished one can be assembled and exported again.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := secrets.LoadEnv(".env"); err != nil {
			return err
		}
		s, err := secrets.Load(".secrets/")
		if err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			keys := make([]string, 0, len(s))
			for k := range s {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			newLogger(cmd).Debug("loaded secrets", "keys", keys)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./book-engine.yaml or ~/.config/book-engine/book-engine.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log debug output")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("book-engine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "book-engine"))
		}
	}

	viper.SetEnvPrefix("BOOK_ENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(types.DefaultEngineConfig())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setDefaults registers the keys most often overridden from the
// environment so AutomaticEnv sees them during Unmarshal.
func setDefaults(d types.EngineConfig) {
	viper.SetDefault("provider.provider", string(d.Provider.Provider))
	viper.SetDefault("provider.model", d.Provider.Model)
	viper.SetDefault("provider.base_url", d.Provider.BaseURL)
	viper.SetDefault("memory.path", d.Memory.Path)
	viper.SetDefault("memory.embedding.provider", string(d.Memory.Embedding.Provider))
	viper.SetDefault("memory.embedding.model", d.Memory.Embedding.Model)
	viper.SetDefault("runner.requests_per_minute", d.Runner.RequestsPerMinute)
	viper.SetDefault("workflow.parallelism", d.Workflow.Parallelism)
	viper.SetDefault("workflow.failure_policy", string(d.Workflow.FailurePolicy))
	viper.SetDefault("checkpoint.backend", string(d.Checkpoint.Backend))
	viper.SetDefault("checkpoint.dir", d.Checkpoint.Dir)
	viper.SetDefault("checkpoint.redis_url", d.Checkpoint.RedisURL)
	viper.SetDefault("export.output_dir", d.Export.OutputDir)
}

// loadConfig merges the config file and environment over the defaults and
// fills API keys from the loaded secrets.
func loadConfig() (types.EngineConfig, error) {
	cfg := types.DefaultEngineConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("reading configuration: %w", err)
	}
	secrets.Apply(&cfg, loadedSecrets)
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "book-engine"})
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

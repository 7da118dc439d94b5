package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/objsync/internal/client"
	"github.com/TheMichaelB/objsync/internal/config"
	"github.com/TheMichaelB/objsync/internal/events"
)

var (
	cfgFile    string
	jsonOutput bool

	cfg    *config.Config
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:   "objsync",
	Short: "Versioned object cache kept in sync with a remote store",
	Long: `objsync keeps numbered versions of objects on local disk and
uploads them to a remote object store, resuming interrupted transfers
and surfacing version conflicts.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Close()
		}
	},
}

// skipConfig marks commands that run without a loaded config.
const skipConfig = "skip-config"

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "Config file (default: ./objsync.json, ~/.config/objsync/config.json)")
	flags.BoolVar(&jsonOutput, "json", false, "Print machine-readable output")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("data-dir", "", "Directory holding the object cache")
}

func setup(cmd *cobra.Command, args []string) error {
	if _, ok := cmd.Annotations[skipConfig]; ok {
		return nil
	}

	loader := config.NewLoader(cfgFile)
	v := loader.Viper()
	if err := v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
		return err
	}
	if err := v.BindPFlag("storage.data_dir", cmd.Flags().Lookup("data-dir")); err != nil {
		return err
	}

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)

	if path := loader.ConfigPath(); path != "" {
		logger.WithField("path", path).Debug("Loaded config")
	}
	return nil
}

func openClient(ctx context.Context) (*client.Client, error) {
	c, err := client.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open object cache: %w", err)
	}
	return c, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

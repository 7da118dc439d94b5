package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/objsync/internal/config"
	"github.com/TheMichaelB/objsync/internal/models"
)

var gcCmd = &cobra.Command{
	Use:   "gc <obj-id>...",
	Short: "Delete version files nothing refers to",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGC,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init [path]",
	Short:       "Write an example config file",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "objsync.json"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.SaveExample(path); err != nil {
			return err
		}
		printSuccess("Wrote %s", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gcCmd, configCmd)
	configCmd.AddCommand(configInitCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	results := make(map[string]interface{}, len(args))
	for _, arg := range args {
		id := models.ObjectID(arg)
		res, err := c.Collect(ctx, id)
		if err != nil {
			if jsonOutput {
				results[arg] = map[string]string{"error": err.Error()}
				continue
			}
			printError("%s: %v", id, err)
			continue
		}

		if jsonOutput {
			results[arg] = res
			continue
		}
		switch {
		case res.FolderRemoved:
			printSuccess("%s: folder removed", id)
		case len(res.Deleted) == 0:
			printInfo("%s: nothing to collect", id)
		default:
			printSuccess("%s: deleted %v", id, res.Deleted)
		}
	}

	if jsonOutput {
		printJSON(results)
	}
	return nil
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync pending changes and follow remote notifications",
	Long: `Run resumes every interrupted upload and removal found in the
object cache, then keeps running: remote change notifications are applied
as they arrive and the folder rotation runs periodically.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(c.Engine.Events())
	}()

	if !jsonOutput {
		printInfo("Syncing %s (Ctrl+C to stop)", cfg.Storage.DataDir)
	}
	err = c.Run(ctx)
	<-done
	return err
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/objsync/internal/models"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <obj-id>",
	Short: "Show the status and version files of an object",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var catCmd = &cobra.Command{
	Use:   "cat <obj-id>",
	Short: "Write an object version's segments to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runCat,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List cached objects",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var (
	catVersion   uint64
	catHeader    bool
	listUnsynced bool
)

func init() {
	rootCmd.AddCommand(inspectCmd, catCmd, listCmd)

	catCmd.Flags().Uint64Var(&catVersion, "version", 0, "Version to read (default: current)")
	catCmd.Flags().BoolVar(&catHeader, "header", false, "Print the header instead of the segments")
	listCmd.Flags().BoolVar(&listUnsynced, "unsynced", false, "Only objects with changes the remote has not seen")
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := models.ObjectID(args[0])

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Engine.FindObj(ctx, id)
	if err != nil {
		return err
	}
	files, err := c.Store.ListFolder(id)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"status": st, "files": names})
		return nil
	}

	printField("Object", id)
	printField("State", stateColor(st.SyncState).Sprint(st.SyncState))
	if st.Current != nil {
		where := "synced"
		if st.Current.IsLocal {
			where = "local"
		}
		printField("Current", fmt.Sprintf("v%d (%s)", st.Current.Version, where))
		if n, err := c.Engine.GetSegsSize(ctx, id, st.Current.Version, true); err == nil {
			printField("Size", fmt.Sprintf("%d bytes", n))
		}
	} else {
		printField("Current", "none")
	}
	printField("Latest synced", st.LatestSynced)
	if st.ConflictingRemoteVersion != 0 {
		printField("Conflicting remote", errorColor.Sprintf("v%d", st.ConflictingRemoteVersion))
	}
	if len(st.ArchivedVersions) > 0 {
		printField("Archived", st.ArchivedVersions)
	}
	printField("Files", strings.Join(names, " "))
	return nil
}

func runCat(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := models.ObjectID(args[0])

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	v := models.Version(catVersion)
	if v == 0 {
		st, err := c.Engine.FindObj(ctx, id)
		if err != nil {
			return err
		}
		if st.Current == nil {
			return fmt.Errorf("%s has no current version", id)
		}
		v = st.Current.Version
	}

	var data []byte
	if catHeader {
		data, err = c.Engine.ReadHeader(ctx, id, v)
	} else {
		var n int64
		if n, err = c.Engine.GetSegsSize(ctx, id, v, true); err == nil {
			data, err = c.Engine.ReadSegs(ctx, id, v, 0, n)
		}
	}
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var statuses []*models.ObjStatus
	if listUnsynced {
		for id, err := range c.Engine.CollectUnsyncedObjs(ctx) {
			if err != nil {
				return err
			}
			st, err := c.Engine.FindObj(ctx, id)
			if err != nil {
				return err
			}
			statuses = append(statuses, st)
		}
	} else if statuses, err = c.State.ListObjects(); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(statuses)
		return nil
	}
	if len(statuses) == 0 {
		printInfo("No objects")
		return nil
	}
	for _, st := range statuses {
		current := "-"
		if st.Current != nil {
			current = fmt.Sprintf("v%d", st.Current.Version)
		}
		fmt.Printf("%-40s %-8s %s\n", st.ObjID, current, stateColor(st.SyncState).Sprint(st.SyncState))
	}
	return nil
}

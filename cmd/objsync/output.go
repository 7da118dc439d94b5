package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/services/sync"
)

var (
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	labelColor   = color.New(color.FgCyan)
)

func printSuccess(format string, args ...interface{}) {
	successColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warnColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printField(label string, value interface{}) {
	labelColor.Fprintf(os.Stdout, "%-22s", label+":")
	fmt.Fprintln(os.Stdout, value)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		printError("encode output: %v", err)
	}
}

func stateColor(s models.SyncState) *color.Color {
	switch s {
	case models.SyncStateSynced:
		return successColor
	case models.SyncStateConflicting:
		return errorColor
	default:
		return warnColor
	}
}

// printEvents reports engine events until the channel closes.
func printEvents(ch <-chan sync.SyncEvent) {
	for ev := range ch {
		if jsonOutput {
			out := map[string]interface{}{
				"type":      ev.Type,
				"timestamp": ev.Timestamp,
				"obj_id":    ev.ObjID.String(),
			}
			if ev.LocalVersion != 0 {
				out["local_version"] = ev.LocalVersion
			}
			if ev.RemoteVersion != 0 {
				out["remote_version"] = ev.RemoteVersion
			}
			if ev.Error != nil {
				out["error"] = ev.Error.Error()
			}
			printJSON(out)
			continue
		}

		switch ev.Type {
		case sync.EventUploaded:
			printSuccess("↑ %s v%d uploaded", ev.ObjID, ev.SyncedVersion)
		case sync.EventRemoved:
			printSuccess("✗ %s removal synced", ev.ObjID)
		case sync.EventConflict:
			printWarning("! %s conflicts with remote v%d", ev.ObjID, ev.RemoteVersion)
		case sync.EventRemote:
			if ev.RemoteVersion == 0 {
				printInfo("↓ %s removed remotely", ev.ObjID)
			} else {
				printInfo("↓ %s remote v%d", ev.ObjID, ev.RemoteVersion)
			}
		case sync.EventFailed:
			printError("%s v%d failed: %v", ev.ObjID, ev.LocalVersion, ev.Error)
		}
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alexjbarnes/threadsync/cloud"
	"github.com/alexjbarnes/threadsync/internal/backup"
	"github.com/alexjbarnes/threadsync/internal/conflict"
	"github.com/alexjbarnes/threadsync/internal/models"
	"github.com/alexjbarnes/threadsync/internal/syncengine"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var (
		strategy string
		diff     bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile local data with the sync server",
		Long: `Download what changed on the server, detect conflicts with local data,
resolve them with the chosen strategy and push the merged result.

Strategies: LOCAL_WINS, REMOTE_WINS, TIMESTAMP, MERGE, MANUAL. MANUAL
stops at the first conflict and lists every conflict without applying
anything.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			e, err := a.requireEngine()
			if err != nil {
				return err
			}

			var st conflict.Strategy
			if strategy != "" {
				if st, err = conflict.ParseStrategy(strategy); err != nil {
					return err
				}
			}

			res, err := e.SyncWithConflictResolution(cmd.Context(), st)
			if err != nil {
				return syncError(err)
			}

			printResult(cmd.OutOrStdout(), res, diff)

			return nil
		}),
	}

	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "conflict strategy (default SYNC_STRATEGY)")
	cmd.Flags().BoolVar(&diff, "diff", false, "show a content diff for each conflict")

	return cmd
}

func printResult(w io.Writer, res *syncengine.Result, diff bool) {
	if res.Aborted {
		fmt.Fprintf(w, "sync aborted: %d conflict(s) need a decision\n", len(res.Conflicts))
	} else {
		fmt.Fprintf(w, "applied %d, deleted %d, skipped %d, conflicts %d\n",
			res.Applied, res.Deleted, res.Skipped, len(res.Conflicts))

		if len(res.Uploaded) > 0 {
			fmt.Fprintf(w, "uploaded: %v\n", res.Uploaded)
		}
	}

	for _, c := range res.Conflicts {
		fmt.Fprintf(w, "  %-12s %s (local %s, remote %s)\n", c.Type, c.ID(),
			formatMillis(c.Local.Timestamp), formatMillis(c.Remote.Timestamp))

		if diff {
			if d := c.ContentDiff(); d != "" {
				fmt.Fprintln(w, d)
			}
		}
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}

	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Upload the whole local store as a snapshot",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			e, err := a.requireEngine()
			if err != nil {
				return err
			}

			if err := e.SyncToCloud(cmd.Context()); err != nil {
				return syncError(err)
			}

			return reportStatus(cmd.OutOrStdout(), a, "push")
		}),
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Apply the server snapshot to the local store",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			e, err := a.requireEngine()
			if err != nil {
				return err
			}

			if err := e.SyncFromCloud(cmd.Context()); err != nil {
				return syncError(err)
			}

			return reportStatus(cmd.OutOrStdout(), a, "pull")
		}),
	}
}

// syncError points at the passphrase when a payload would not decrypt or
// verify.
func syncError(err error) error {
	if cloud.IsIntegrityError(err) {
		return fmt.Errorf("%w (check that SYNC_PASSPHRASE matches your other devices)", err)
	}

	return err
}

// reportStatus prints the outcome of a snapshot sync. Snapshot syncs are
// no-ops when sync is disabled or not configured.
func reportStatus(w io.Writer, a *app, op string) error {
	ss, err := a.engine.Status()
	if err != nil {
		return err
	}

	switch {
	case !a.engine.Enabled() || a.cfg.SyncAPIToken == "" || a.cfg.SyncPassphrase == "":
		fmt.Fprintf(w, "%s skipped: sync is disabled or not configured\n", op)
	case ss.Status == models.SyncError:
		return fmt.Errorf("%s failed: %s", op, ss.LastError)
	default:
		fmt.Fprintf(w, "%s done at %s\n", op, formatMillis(ss.LastSyncTime))
	}

	return nil
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status and watermarks",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			e, err := a.requireEngine()
			if err != nil {
				return err
			}

			ss, err := e.Status()
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(ss, "", "  ")
			if err != nil {
				return err
			}

			if !asJSON {
				if data, err = backup.ToYAML(data); err != nil {
					return err
				}
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))

			return err
		}),
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of YAML")

	return cmd
}

func newPurgeRemoteCmd() *cobra.Command {
	var dataType string

	cmd := &cobra.Command{
		Use:   "purge-remote",
		Short: "Delete this device's payloads from the sync server",
		Long: `Delete the versioned payloads stored under this passphrase's sync id,
for one data type or all of them, and reset the local watermarks.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			e, err := a.requireEngine()
			if err != nil {
				return err
			}

			if err := e.ClearRemote(cmd.Context(), dataType); err != nil {
				return err
			}

			what := dataType
			if what == "" {
				what = "all data types"
			}

			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", what)

			return nil
		}),
	}

	cmd.Flags().StringVar(&dataType, "data-type", "", "only purge this data type")

	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/threadsync/internal/auth"
	"github.com/alexjbarnes/threadsync/internal/backup"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			convs, err := a.store.Conversations(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUPDATED\tTITLE")

			for _, c := range convs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, formatMillis(c.LastUpdatedAt), c.Title)
			}

			return tw.Flush()
		}),
	}
}

func newShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print the active branch of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			conv, err := a.store.Conversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			path, err := a.store.ActivePath(cmd.Context(), conv.ID)
			if err != nil {
				return err
			}

			type turn struct {
				ID      string `json:"id"`
				Role    string `json:"role"`
				Content string `json:"content"`
				Branch  string `json:"branch,omitempty"`
				Summary bool   `json:"summary,omitempty"`
			}

			doc := struct {
				ID       string `json:"id"`
				Title    string `json:"title"`
				Messages []turn `json:"messages"`
			}{ID: conv.ID, Title: conv.Title, Messages: []turn{}}

			for _, n := range path {
				t := turn{
					ID:      n.ID,
					Role:    string(n.Role),
					Content: n.Content,
					Summary: n.IsCompressionSummary,
				}
				if n.SiblingCount > 1 {
					t.Branch = fmt.Sprintf("%d/%d", n.SiblingIndex, n.SiblingCount)
				}

				doc.Messages = append(doc.Messages, t)
			}

			data, err := json.MarshalIndent(doc, "", "  ")
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

func newExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <path|->",
		Short: "Write a full backup of the local store",
		Long: `Write every conversation, message, tombstone and setting to a backup
file. The format follows the file extension (.yaml/.yml or JSON). Use
"-" to write to stdout in the format given by --format.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if args[0] == "-" {
				_, err := backup.Export(cmd.Context(), a.store, cmd.OutOrStdout(), backup.Format(format), time.Now())
				return err
			}

			sum, err := backup.ExportFile(cmd.Context(), a.store, args[0], time.Now())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "exported %d conversations, %d messages, %d tombstones to %s\n",
				sum.Conversations, sum.Messages, sum.Tombstones, args[0])

			return nil
		}),
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(backup.FormatJSON), "stdout format: json or yaml")

	return cmd
}

func newImportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "import <path|->",
		Short: "Replace the local store with a backup",
		Long: `Replace every conversation, message, tombstone and setting with the
contents of a backup file. An invalid backup changes nothing. Use "-" to
read from stdin in the format given by --format.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			var (
				sum backup.Summary
				err error
			)

			if args[0] == "-" {
				sum, err = backup.Import(cmd.Context(), a.store, cmd.InOrStdin(), backup.Format(format))
			} else {
				sum, err = backup.ImportFile(cmd.Context(), a.store, args[0])
			}

			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported %d conversations, %d messages, %d tombstones\n",
				sum.Conversations, sum.Messages, sum.Tombstones)

			return nil
		}),
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(backup.FormatJSON), "stdin format: json or yaml")

	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen [user-id]",
		Short: "Generate an API key for SERVER_API_KEYS",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := auth.GenerateAPIKey()

			if len(args) == 1 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", args[0], key)
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), key)

			return nil
		},
	}
}

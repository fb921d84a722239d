package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/ticketchat/internal/db"
	"github.com/kubilitics/ticketchat/internal/models"
)

func newTranscriptCmd(a *app) *cobra.Command {
	var list bool
	var limit int
	cmd := &cobra.Command{
		Use:   "transcript [ticket-id]",
		Short: "Print a cached conversation transcript",
		Long:  "transcript reads conversations saved to the local cache when a chat view closes. Use --list to see which tickets are cached.",
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.loadConfig(ctx)
			if err != nil {
				return err
			}
			if !cfg.Cache.Enabled {
				return fmt.Errorf("transcript cache is disabled (cache.enabled=false)")
			}

			store, err := db.NewSQLiteStore(cfg.Cache.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if list {
				convs, err := store.ListConversations(ctx, limit)
				if err != nil {
					return err
				}
				printConversations(out, convs)
				return nil
			}

			msgs, err := store.LoadTranscript(ctx, args[0])
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("no cached transcript for ticket %s", args[0])
			}
			if err != nil {
				return err
			}
			printTranscript(out, msgs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list cached conversations")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum conversations to list")
	return cmd
}

func printTranscript(w io.Writer, msgs []models.ConversationMessage) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), name, m.Content)
	}
}

func printConversations(w io.Writer, convs []db.ConversationSummary) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No cached conversations.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKET\tMESSAGES\tLAST MESSAGE\tSAVED")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.ID, c.MessageCount, formatStamp(c.LastMessageAt), formatStamp(c.SavedAt))
	}
	_ = tw.Flush()
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/towdyouso/internal/types"
)

var parentID string

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionCreateCmd)
	sessionCreateCmd.Flags().StringVar(&parentID, "parent", "", "parent session ID")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and create sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStores(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer st.close()

		list, err := st.sessions.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPARENT\tKEY\tENTRIES\tUNRESOLVED\tCREATED")
		for _, s := range list {
			entries, err := st.entries.List(ctx, s.ID)
			if err != nil {
				return fmt.Errorf("list entries of %s: %w", s.ID, err)
			}
			unresolved := 0
			for _, e := range entries {
				if e.Kind.Executable() && !e.StatusOrEmpty().Terminal() {
					unresolved++
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				s.ID,
				orDash(string(s.ParentID)),
				orDash(string(s.Key)),
				len(entries),
				unresolved,
				s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's entry log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStores(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer st.close()

		sid := types.SessionID(args[0])
		if _, err := st.sessions.Get(ctx, sid); err != nil {
			return fmt.Errorf("session %s: %w", sid, err)
		}
		entries, err := st.entries.List(ctx, sid)
		if err != nil {
			return fmt.Errorf("list entries: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tKIND\tSTATUS\tSUMMARY")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.CreatedAt.Local().Format("15:04:05"),
				e.Kind,
				orDash(string(e.StatusOrEmpty())),
				summarize(e),
			)
		}
		return w.Flush()
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStores(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer st.close()

		sess, err := st.sessions.Create(ctx, types.SessionID(parentID))
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
		return nil
	},
}

const summaryWidth = 80

// summarize renders one line describing an entry.
func summarize(e *types.Entry) string {
	var s string
	switch e.Kind {
	case types.KindToolCall, types.KindSubAgentCall:
		var d types.ToolCallData
		if err := e.Decode(&d); err == nil {
			s = d.ToolName + " " + string(d.Arguments)
			if d.AgentName != "" {
				s = "[" + d.AgentName + "] " + s
			}
		}
	case types.KindToolResult, types.KindSubAgentResult:
		var d types.ToolResultData
		if err := e.Decode(&d); err == nil {
			s = d.CallID + " " + string(d.Result)
		}
	default:
		var d types.MessageData
		if err := e.Decode(&d); err == nil {
			s = d.Content
			if d.FileID != "" {
				s += " (file " + string(d.FileID) + ")"
			}
		}
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > summaryWidth {
		s = s[:summaryWidth-3] + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

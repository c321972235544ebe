package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"clawd/internal/ipc"
)

func newAuditCommand(ctx *commandContext) *cobra.Command {
	var hours int
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit trail entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours < 0 {
				return fmt.Errorf("--hours must not be negative")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.AuditTail(hours, limit)
				if err != nil {
					return fmt.Errorf("audit tail: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if len(resp.Entries) == 0 {
					fmt.Fprintf(out, "No audit entries since %s\n", resp.Since.Local().Format(time.DateTime))
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"Time", "Category", "Action", "Result", "Duration", "Details"},
					auditRows(resp.Entries),
					4,
				))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "Look back this many hours")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output entries as JSON")
	return cmd
}

func auditRows(entries []ipc.AuditEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		result := "ok"
		if !entry.Success {
			result = "failed"
			if entry.Error != "" {
				result += ": " + entry.Error
			}
		}
		duration := "-"
		if entry.Duration > 0 {
			duration = entry.Duration.Round(time.Millisecond).String()
		}
		rows = append(rows, []string{
			entry.Timestamp.Local().Format(time.DateTime),
			entry.Category,
			entry.Action,
			result,
			duration,
			formatDetails(entry.Details),
		})
	}
	return rows
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	parts := make([]string, 0, len(details))
	for _, key := range slices.Sorted(maps.Keys(details)) {
		parts = append(parts, fmt.Sprintf("%s=%v", key, details[key]))
	}
	return strings.Join(parts, " ")
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"clawd/internal/events"
	"clawd/internal/ipc"
)

func newEmitCommand(ctx *commandContext) *cobra.Command {
	var priority string
	var data []string
	var maxAttempts int
	var eventID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "emit <kind>",
		Short: "Queue a manual event on the daemon dispatcher",
		Long: "Queue a manual event. Kinds: " + kindList() + ".\n" +
			"Priorities: critical, high, normal, low, background.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := events.ParseKind(args[0])
			if err != nil {
				return err
			}
			if strings.TrimSpace(priority) != "" {
				if _, err := events.ParsePriority(priority); err != nil {
					return err
				}
			}
			payload, err := parsePayload(data)
			if err != nil {
				return err
			}

			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Emit(ipc.EmitRequest{
					Kind:        kind.String(),
					Priority:    priority,
					Payload:     payload,
					MaxAttempts: maxAttempts,
					ID:          eventID,
				})
				if err != nil {
					return fmt.Errorf("emit %s: %w", kind, err)
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s event %s (priority %s, queue depth %d)\n",
					resp.Kind, resp.ID, resp.Priority, resp.QueueDepth)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Event priority (default normal)")
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil, "Payload entry as key=value (repeatable)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Override the configured retry budget")
	cmd.Flags().StringVar(&eventID, "id", "", "Use this event id instead of a generated one")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the queued event as JSON")
	return cmd
}

func kindList() string {
	names := make([]string, 0, len(events.Kinds()))
	for _, kind := range events.Kinds() {
		names = append(names, kind.String())
	}
	return strings.Join(names, ", ")
}

func parsePayload(entries []string) (map[string]string, error) {
	payload := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --data %q: expected key=value", entry)
		}
		if key == "source" {
			return nil, fmt.Errorf("invalid --data %q: source is set by the daemon", entry)
		}
		payload[key] = value
	}
	return payload, nil
}

func newWakeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Record activity and wake a sleeping daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Wake()
				if err != nil {
					return fmt.Errorf("wake: %w", err)
				}
				out := cmd.OutOrStdout()
				if resp.Woke {
					fmt.Fprintf(out, "Daemon woke from sleep (now %s)\n", resp.State)
					return nil
				}
				fmt.Fprintf(out, "Daemon already awake (%s)\n", resp.State)
				return nil
			})
		},
	}
}

func newUnloadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unload <component>",
		Short: "Drop a loaded component so the next use reloads it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Unload(name)
				if err != nil {
					return fmt.Errorf("unload %s: %w", name, err)
				}
				out := cmd.OutOrStdout()
				if resp.Unloaded {
					fmt.Fprintf(out, "Unloaded %s\n", name)
					return nil
				}
				fmt.Fprintf(out, "%s was not loaded\n", name)
				return nil
			})
		},
	}
}

// Command sentinelctl drives the incident orchestrator from a terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/sentinel/internal/domain"
)

var addr string

var rootCmd = &cobra.Command{
	Use:          "sentinelctl",
	Short:        "Sentinel - incident remediation orchestrator client",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("SENTINEL_ADDR", "http://localhost:8000"), "orchestrator address")

	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newIncidentsCmd())
	rootCmd.AddCommand(newAbandonCmd())
	rootCmd.AddCommand(newInvokeCmd())
	rootCmd.AddCommand(newCallsCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newWatchCmd() *cobra.Command {
	var incidentID string
	var raw bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream orchestration events",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connecting to %s...\n", addr)
			return NewClient(addr).Watch(cmd.Context(), incidentID, func(evt domain.Event) {
				if raw {
					data, _ := json.Marshal(evt)
					fmt.Fprintln(out, string(data))
					return
				}
				fmt.Fprintln(out, formatEvent(evt))
			})
		},
	}
	cmd.Flags().StringVar(&incidentID, "incident", "", "only show events for this incident")
	cmd.Flags().BoolVar(&raw, "raw", false, "print events as JSON lines")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	var scenario int
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Create an incident from a built-in scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			inc, err := NewClient(addr).Simulate(cmd.Context(), scenario)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s [%s] %s\n", inc.ID, inc.Status, inc.Severity, inc.Title)
			return nil
		},
	}
	cmd.Flags().IntVar(&scenario, "scenario", -1, "scenario index, random when negative")
	return cmd
}

func newIncidentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "incidents",
		Short: "List incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := NewClient(addr).Incidents(cmd.Context())
			if err != nil {
				return err
			}
			printIncidents(cmd.OutOrStdout(), resp.Incidents)
			return nil
		},
	}
}

func newAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <incident-id>",
		Short: "Stop remediating an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inc, err := NewClient(addr).Abandon(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s abandoned in %s\n", inc.ID, inc.Status)
			return nil
		},
	}
}

func newInvokeCmd() *cobra.Command {
	var params, from string
	cmd := &cobra.Command{
		Use:   "invoke <tool>",
		Short: "Call an agent tool directly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.ToolInvokeRequest{FromAgent: from}
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				req.Params = json.RawMessage(params)
			}
			rec, err := NewClient(addr).Invoke(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(rec, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&params, "params", "", `tool params as a JSON object, e.g. '{"service":"api-gateway"}'`)
	cmd.Flags().StringVar(&from, "from", "", "calling agent recorded on the call")
	return cmd
}

func newCallsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Show the most recent tool calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := NewClient(addr).Calls(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CALL\tINCIDENT\tFROM\tTOOL\tSTATUS\tELAPSED")
			for _, c := range resp.Calls {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%dms\n", c.CallID, dash(c.IncidentID), c.FromAgent, c.ToolName, c.Status, c.ElapsedMs)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of calls")
	return cmd
}

func printIncidents(out io.Writer, incidents []*domain.Incident) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSEVERITY\tSERVICE\tTITLE")
	for _, inc := range incidents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", inc.ID, inc.Status, inc.Severity, inc.Service, inc.Title)
	}
	w.Flush()
}

// formatEvent renders one event as a single terminal line.
func formatEvent(evt domain.Event) string {
	var b strings.Builder
	b.WriteString(evt.Timestamp.Local().Format(time.TimeOnly))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%-17s", evt.EventType))
	if evt.IncidentID != "" {
		b.WriteString(" " + evt.IncidentID)
	}
	if evt.Agent != "" {
		b.WriteString(" " + evt.Agent)
	}

	var data map[string]any
	if json.Unmarshal(evt.Data, &data) != nil {
		return b.String()
	}
	switch evt.EventType {
	case domain.EventTypeStateTransition:
		fmt.Fprintf(&b, " %v -> %v", dashAny(data["old_status"]), data["new_status"])
	case domain.EventTypeAgentActivity:
		fmt.Fprintf(&b, " %v %v", data["status"], data["action"])
	case domain.EventTypeMCPCall:
		fmt.Fprintf(&b, " %v %v -> %v", data["call_id"], data["from_agent"], data["tool_name"])
	case domain.EventTypeMCPResponse:
		fmt.Fprintf(&b, " %v %v (%vms)", data["call_id"], data["status"], data["elapsed_ms"])
	case domain.EventTypeError:
		fmt.Fprintf(&b, " %v", data["error"])
	}
	return b.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func dashAny(v any) any {
	if s, ok := v.(string); ok {
		return dash(s)
	}
	return "-"
}

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wgmeshd/wgmeshd/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mesh status",
	Long:  `Query the running wgmeshd process and display known nodes, their variant, and the local route database version.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is wgmeshd running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "Node:            %s\n", status.WGIP)
	fmt.Fprintf(os.Stdout, "Route DB version: %d\n", status.RouteDBVersion)
	fmt.Fprintf(os.Stdout, "Routes:          %d\n", status.RouteCount)
	fmt.Fprintf(os.Stdout, "Nodes:           %d\n", len(status.Nodes))
	fmt.Println()

	if len(status.Nodes) == 0 {
		fmt.Println("No nodes known.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WG_IP\tVARIANT\tLAST SEEN\tENDPOINT")
	for _, n := range status.Nodes {
		lastSeen := "-"
		if n.Variant == "dynamic" {
			lastSeen = formatDuration(time.Since(time.Unix(n.LastSeen, 0))) + " ago"
		}
		endpoint := "-"
		if n.Endpoint != nil {
			endpoint = n.Endpoint.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.WGIP, n.Variant, lastSeen, endpoint)
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fleetllm/fleet/internal/domain"
)

func init() {
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cluster and per-node reliability statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	var stats domain.ClusterStats
	if err := getJSON("/api/cluster", &stats); err != nil {
		return err
	}

	fmt.Printf("Nodes: %d total, %d healthy (%d gpu / %d cpu)\n\n",
		stats.NodesTotal, stats.NodesHealthy, stats.GPUNodes, stats.CPUNodes)

	if len(stats.PerNode) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tHEALTHY\tIN-FLIGHT\tTOTAL\tSUCCESS\tTIMEOUTS\tRATE\tMEAN LATENCY")
	for id, s := range stats.PerNode {
		fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%d\t%d\t%.2f\t%s\n",
			id, s.Healthy, s.InFlight, s.Total, s.Successes, s.Timeouts,
			s.SuccessRate, s.LatencyMean)
	}
	return w.Flush()
}

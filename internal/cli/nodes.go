package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fleetllm/fleet/internal/domain"
)

func init() {
	rootCmd.AddCommand(nodesCmd)
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List fleet nodes and their resources",
	RunE:  runNodes,
}

func runNodes(cmd *cobra.Command, args []string) error {
	var nodes []domain.NodeResourceView
	if err := getJSON("/api/nodes", &nodes); err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Println("No nodes discovered yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCLASS\tHEALTHY\tIN-FLIGHT\tVRAM FREE\tRAM FREE\tLOADED")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%s\t%s\t%d\n",
			n.ID,
			n.Class,
			n.Healthy,
			n.InFlight,
			humanSize(n.VRAMFreeBytes),
			humanSize(n.RAMFreeBytes),
			len(n.LoadedModels),
		)
	}
	return w.Flush()
}

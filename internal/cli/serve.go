package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/fleetllm/fleet/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringSliceVar(&serveSeeds, "seed", nil, "Backend address to seed discovery (host:port, repeatable)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost  string
	servePort  int
	serveSeeds []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fleet router daemon",
	Long:  `Start discovery, health monitoring, and the routing API server.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	// Override config from flags before wiring services
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if len(serveSeeds) > 0 {
		cfg.Discovery.Seeds = append(cfg.Discovery.Seeds, serveSeeds...)
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}

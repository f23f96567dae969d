package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentrt"
)

var hostAddress string

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the host that relays messages between workers",
	Long: `Run the host. Workers connect to it, register their agent types and
exchange requests and events through it.

Examples:
  agentrt host                          # listen on the configured address
  agentrt host --listen :7000           # override the listen address
  agentrt host -c agentrt.toml`,
	Args: cobra.NoArgs,
	RunE: runHost,
}

func init() {
	hostCmd.Flags().StringVar(&hostAddress, "listen", "", "listen address (overrides host.address)")
}

func runHost(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if hostAddress != "" {
		cfg.Host.Address = hostAddress
	}

	banner("host",
		[2]string{"listen", cfg.Host.Address},
		[2]string{"metrics", orNone(cfg.Observability.MetricsAddress)},
		[2]string{"tls", onOff(cfg.Host.TLS.Enabled)},
	)
	return agentrt.RunHost(cmd.Context(), cfg, cfg.Logger(os.Stderr))
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

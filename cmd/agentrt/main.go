// Command agentrt runs an agent host or worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentrt"
	"github.com/aixgo-dev/agentrt/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "agentrt",
	Short:         "agentrt - agent messaging runtime",
	Long:          `agentrt relays messages between agents hosted by workers connected to a host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"),
		"config file (.yaml, .yml or .toml)")
	rootCmd.AddCommand(hostCmd, workerCmd, sendCmd, versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func banner(role string, lines ...[2]string) {
	cyan := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintf(os.Stderr, "agentrt %s\n", role)
	gray.Fprintf(os.Stderr, "  version: %s\n", agentrt.Version)
	for _, l := range lines {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", l[0]+":", l[1])
	}
	fmt.Fprintln(os.Stderr)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agentrt %s\n", agentrt.Version)
	},
}

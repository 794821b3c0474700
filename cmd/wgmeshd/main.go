// Command wgmeshd is the control plane of a serverless WireGuard mesh: it
// discovers, authenticates, and routes to every other node in the mesh
// without a central coordinator, delegating the tunnel itself to the host's
// WireGuard implementation.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    int
	globalLogger     *slog.Logger
)

// rootCmd is the top-level command. The positional argument names the
// WireGuard interface; only `up` takes it, as its single required
// positional argument.
var rootCmd = &cobra.Command{
	Use:   "wgmeshd [interface]",
	Short: "Control plane for a serverless WireGuard mesh",
	Long: `wgmeshd is the control plane of a peer-to-peer WireGuard mesh: every
node discovers, authenticates, and routes to every other node without a
central coordinator. The WireGuard tunnel itself is delegated to the host
operating system; wgmeshd handles peer identity exchange, route
propagation, liveness, and kernel interface/route programming around it.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		switch {
		case globalVerbose >= 2:
			level = slog.LevelDebug
		case globalVerbose == 1:
			level = slog.LevelInfo
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalConfigPath, "config", "c", "network.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().CountVarP(&globalVerbose, "verbose", "v", "increase log verbosity (repeatable)")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the wgmeshd version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

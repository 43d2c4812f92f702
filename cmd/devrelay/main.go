// Command devrelay runs the device relay server, with its operator console, or a
// simulated device that connects to one.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	drshare "github.com/sammck-go/devrelay/share"
)

var rootCmd = &cobra.Command{
	Use:   "devrelay",
	Short: "Relay operator commands to remote devices over secure websockets",
	Long: `devrelay accepts persistent secure websocket connections from devices, lets each
device register an identifier, and lets an operator address commands to a single
device by that identifier from an interactive console.

Quick Start:
  devrelay serve --cert server.crt --key server.key     # Run the relay and console
  devrelay device --server wss://localhost:4444 --id A1 --insecure
`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), drshare.BuildVersion)
	},
}

func init() {
	rootCmd.AddCommand(newServeCmd(), newDeviceCmd(), versionCmd)
}

// newRootLogger creates the process logger, optionally teeing output to a rotating
// log file. The returned closer must be closed on exit.
func newRootLogger(prefix string, level drshare.LogLevel, logCfg drshare.LoggingConfig) (drshare.Logger, io.Closer, error) {
	if logCfg.File == "" {
		return drshare.NewLogger(prefix, level), closerFunc(func() error { return nil }), nil
	}
	tee, err := drshare.NewLogTee(os.Stderr, logCfg.File, logCfg.MaxSizeKB, logCfg.MaxRolls)
	if err != nil {
		return nil, nil, err
	}
	return drshare.NewLoggerWithWriter(tee, prefix, level), tee, nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

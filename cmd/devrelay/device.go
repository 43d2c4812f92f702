package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	drshare "github.com/sammck-go/devrelay/share"
)

func newDeviceCmd() *cobra.Command {
	config := &drshare.ClientConfig{}
	var debug bool
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run a simulated device that registers with a relay and answers commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := drshare.LogLevelInfo
			if debug {
				level = drshare.LogLevelDebug
			}
			logger := drshare.NewLogger("device", level)
			client, err := drshare.NewClient(logger, config)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			err = client.Run(ctx)
			if err == context.Canceled {
				err = nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&config.Server, "server", "s", "wss://localhost:4444/", "Relay server URL")
	cmd.Flags().StringVar(&config.DeviceID, "id", "", "Device ID to register as (required)")
	cmd.Flags().BoolVar(&config.Insecure, "insecure", false, "Skip server certificate verification")
	cmd.Flags().IntVar(&config.MaxRetryCount, "max-retry-count", -1, "Maximum reconnect attempts (-1 for unlimited)")
	cmd.Flags().DurationVar(&config.MaxRetryInterval, "max-retry-interval", 5*time.Minute, "Maximum wait between reconnect attempts")
	cmd.Flags().DurationVar(&config.InfoInterval, "info-interval", 0, "Ask the server for get_info at this interval (0 disables)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

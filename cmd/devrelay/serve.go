package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	drshare "github.com/sammck-go/devrelay/share"
)

type serveFlags struct {
	configFile string
	host       string
	port       int
	certFile   string
	keyFile    string
	noTLS      bool
	debug      bool
	noConsole  bool
}

func newServeCmd() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server and operator console",
		Long: `Run the relay server. Devices connect over a secure websocket, receive a welcome
message, and register with {"type":"register","deviceId":"..."}.

Unless --no-console is given, an operator console reads commands from stdin:
  list                 List connected device IDs
  send <id> <action>   Send a command to a device (default action: wifi)
  exit                 Shut down the server

Environment variables DEVRELAY_SECTION_KEY override config file settings; flags
override both.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f)
		},
	}
	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&f.host, "host", "", "Listen address (default 0.0.0.0)")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "Listen port (default 4444)")
	cmd.Flags().StringVar(&f.certFile, "cert", "", "TLS certificate file (default server.crt)")
	cmd.Flags().StringVar(&f.keyFile, "key", "", "TLS private key file (default server.key)")
	cmd.Flags().BoolVar(&f.noTLS, "no-tls", false, "Serve plain websockets (testing only)")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "Enable debug logging")
	cmd.Flags().BoolVar(&f.noConsole, "no-console", false, "Do not read operator commands from stdin")
	return cmd
}

func runServe(cmd *cobra.Command, f *serveFlags) error {
	cfg, err := drshare.LoadConfig(f.configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = f.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = f.port
	}
	if flags.Changed("cert") {
		cfg.TLS.CertFile = f.certFile
	}
	if flags.Changed("key") {
		cfg.TLS.KeyFile = f.keyFile
	}
	if f.noTLS {
		cfg.TLS.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := drshare.StringToLogLevel(cfg.Logging.Level)
	if f.debug {
		level = drshare.LogLevelDebug
	}
	logger, logCloser, err := newRootLogger("devrelay", level, cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	server, err := drshare.NewServer(logger, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var console *drshare.Console
	if !f.noConsole {
		console = drshare.NewConsole(logger, server.Hub(), os.Stdin, os.Stdout)
		server.Hub().SetOperatorSink(console)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if console != nil {
		g.Go(func() error {
			// "exit" or end of input stops the whole process
			defer cancel()
			if server.Addr() == nil {
				return nil
			}
			return console.Run(gctx)
		})
	}
	err = g.Wait()
	if err == context.Canceled {
		err = nil
	}
	return err
}

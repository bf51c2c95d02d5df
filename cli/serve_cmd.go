package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jgoldverg/gbench/cli/output"
	"github.com/jgoldverg/gbench/internal"
	"github.com/jgoldverg/gbench/pkg/speedserver"
	"github.com/spf13/cobra"
)

type ServeOpts struct {
	configPath    string
	bindAddr      string
	tcpPort       int
	udpPort       int
	broadcastAddr string
	statsInterval time.Duration
}

// ServeCommand runs the reference speed server in the foreground.
func ServeCommand() *cobra.Command {
	var opts ServeOpts

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server", "s"},
		Short:   "Run a speed server that broadcasts offers and serves transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := internal.LoadServerConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("bind") {
				cfg.BindAddr = opts.bindAddr
			}
			if cmd.Flags().Changed("tcp-port") {
				cfg.TCPPort = opts.tcpPort
			}
			if cmd.Flags().Changed("udp-port") {
				cfg.UDPPort = opts.udpPort
			}
			if cmd.Flags().Changed("broadcast") {
				cfg.BroadcastAddr = opts.broadcastAddr
			}
			if !cmd.Flags().Changed("log-level") {
				if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
					internal.Warn("invalid log level in server config, defaulting to info", internal.Fields{
						internal.FieldError: err.Error(),
					})
				}
			}

			srv := speedserver.New(cfg)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			defer srv.Close()

			printer := output.NewPrinter()
			printer.Success("speed server started", map[string]any{
				"id":       cfg.ServerId,
				"tcp_port": srv.TCPPort(),
				"udp_port": srv.UDPPort(),
			})

			var tick <-chan time.Time
			if opts.statsInterval > 0 {
				ticker := time.NewTicker(opts.statsInterval)
				defer ticker.Stop()
				tick = ticker.C
			}
			for {
				select {
				case <-ctx.Done():
					st := srv.Stats()
					printer.Info("speed server stopped", map[string]any{
						"tcp_served":  st.TCPServed,
						"udp_served":  st.UDPServed,
						"offers_sent": st.OffersSent,
					})
					return nil
				case <-tick:
					st := srv.Stats()
					internal.Info("speed server stats", internal.Fields{
						internal.FieldKey("tcp_served"):  st.TCPServed,
						internal.FieldKey("udp_served"):  st.UDPServed,
						internal.FieldKey("offers_sent"): st.OffersSent,
					})
				}
			}
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "server-config", "", "Path to the server config file (TOML)")
	cmd.Flags().StringVar(&opts.bindAddr, "bind", "", "Address the TCP and UDP data sockets bind to")
	cmd.Flags().IntVar(&opts.tcpPort, "tcp-port", 0, "TCP data port (0 = any free port)")
	cmd.Flags().IntVar(&opts.udpPort, "udp-port", 0, "UDP data port (0 = any free port)")
	cmd.Flags().StringVar(&opts.broadcastAddr, "broadcast", "", "Destination address for offers")
	cmd.Flags().DurationVar(&opts.statsInterval, "stats-interval", 0, "Log served counts at this interval (0 = off)")
	return cmd
}

package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jgoldverg/gbench/cli/output"
	"github.com/jgoldverg/gbench/pkg/discovery"
	"github.com/spf13/cobra"
)

type DiscoverOpts struct {
	timeout           time.Duration
	port              int
	requireUnprivPort bool
}

func DiscoverCommand() *cobra.Command {
	var opts DiscoverOpts

	cmd := &cobra.Command{
		Use:     "discover",
		Aliases: []string{"d"},
		Short:   "Wait for one speed server offer and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := GetClientConfig(cmd)
			if cfg == nil {
				return fmt.Errorf("client config unavailable")
			}
			lopts := discovery.OptionsFromConfig(cfg)
			if cmd.Flags().Changed("port") {
				lopts.Port = opts.port
			}
			if cmd.Flags().Changed("require-unprivileged-ports") {
				lopts.RequireUnprivilegedPorts = opts.requireUnprivPort
			}
			timeout := cfg.DiscoveryTimeout()
			if cmd.Flags().Changed("timeout") {
				timeout = opts.timeout
			}

			info, err := discovery.NewListener(lopts).WaitForOffer(ctx, timeout)
			if err != nil {
				return err
			}
			if info == nil {
				return errors.New("no server offer received")
			}
			output.NewPrinter().Success("received offer", map[string]any{
				"server":   info.Addr.String(),
				"tcp_port": info.TCPPort,
				"udp_port": info.UDPPort,
			})
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "How long to wait for an offer")
	cmd.Flags().IntVar(&opts.port, "port", 15000, "Discovery port")
	cmd.Flags().BoolVar(&opts.requireUnprivPort, "require-unprivileged-ports", false, "Ignore offers advertising ports below 1024")
	return cmd
}

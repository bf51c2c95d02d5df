package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jgoldverg/gbench/internal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func ConfigCommand() *cobra.Command {
	var serverConfigPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or update gbench configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&serverConfigPath, "server-config", "", "Path to the speed server config file")
	cmd.AddCommand(configSetCommand(&serverConfigPath))
	return cmd
}

type clientConfigFlags struct {
	discoveryPort      int
	discoveryTimeoutMs int
	requireUnprivPorts bool
	udpIdleTimeoutMs   int
	maxTrackedSegments uint
	tcpIdleTimeoutMs   int
	tcpRateLimit       int64
	metricsListen      string
}

type serverConfigFlags struct {
	bindAddr        string
	discoveryPort   int
	broadcastAddr   string
	offerIntervalMs int
	tcpPort         int
	udpPort         int
	payloadSize     int
	maxRequestBytes uint64
}

func configSetCommand(serverConfigPath *string) *cobra.Command {
	var target string
	var logLevel string
	var client clientConfigFlags
	var server serverConfigFlags

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update the client or server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := strings.ToLower(strings.TrimSpace(target))
			if scope == "" {
				scope = "client"
			}
			switch scope {
			case "client":
				return updateClientConfig(cmd, cmd.Flags(), client, logLevel)
			case "server":
				return updateServerConfig(*serverConfigPath, cmd.Flags(), server, logLevel)
			default:
				return fmt.Errorf("--target must be either client or server")
			}
		},
	}

	cmd.Flags().StringVar(&target, "target", "client", "Which config to update: client or server")
	cmd.Flags().StringVar(&logLevel, "level", "", "Log level (trace, debug, info, ...)")

	cmd.Flags().IntVar(&client.discoveryPort, "discovery-port", 15000, "Client/server: UDP port offers are sent to")
	cmd.Flags().IntVar(&client.discoveryTimeoutMs, "discovery-timeout-ms", 10_000, "Client: how long to wait for an offer")
	cmd.Flags().BoolVar(&client.requireUnprivPorts, "require-unprivileged-ports", false, "Client: ignore offers advertising ports below 1024")
	cmd.Flags().IntVar(&client.udpIdleTimeoutMs, "udp-idle-timeout-ms", 1_000, "Client: silence that ends a UDP transfer")
	cmd.Flags().UintVar(&client.maxTrackedSegments, "max-tracked-segments", 1<<24, "Client: segment indices tracked for duplicate detection")
	cmd.Flags().IntVar(&client.tcpIdleTimeoutMs, "tcp-idle-timeout-ms", 0, "Client: abort a stalled TCP transfer after this long (0 = never)")
	cmd.Flags().Int64Var(&client.tcpRateLimit, "tcp-rate-limit", 0, "Client: cap TCP receive rate in bytes/second (0 = off)")
	cmd.Flags().StringVar(&client.metricsListen, "metrics-listen", "", "Client: default prometheus listen address")

	cmd.Flags().StringVar(&server.bindAddr, "bind", "", "Server: data socket bind address")
	cmd.Flags().StringVar(&server.broadcastAddr, "broadcast", "", "Server: offer destination address")
	cmd.Flags().IntVar(&server.offerIntervalMs, "offer-interval-ms", 1_000, "Server: offer period (0 disables offers)")
	cmd.Flags().IntVar(&server.tcpPort, "tcp-port", 0, "Server: TCP data port")
	cmd.Flags().IntVar(&server.udpPort, "udp-port", 0, "Server: UDP data port")
	cmd.Flags().IntVar(&server.payloadSize, "payload-size", 1024, "Server: data bytes per UDP segment")
	cmd.Flags().Uint64Var(&server.maxRequestBytes, "max-request-bytes", 1<<34, "Server: largest request served")
	return cmd
}

func updateClientConfig(cmd *cobra.Command, flagSet *pflag.FlagSet, f clientConfigFlags, logLevel string) error {
	cfg := GetClientConfig(cmd)
	if cfg == nil {
		return fmt.Errorf("client config unavailable")
	}

	if flagSet.Changed("discovery-port") {
		cfg.DiscoveryPort = f.discoveryPort
	}
	if flagSet.Changed("discovery-timeout-ms") {
		cfg.DiscoveryTimeoutMs = f.discoveryTimeoutMs
	}
	if flagSet.Changed("require-unprivileged-ports") {
		cfg.RequireUnprivilegedPorts = f.requireUnprivPorts
	}
	if flagSet.Changed("udp-idle-timeout-ms") {
		cfg.UDPIdleTimeoutMs = f.udpIdleTimeoutMs
	}
	if flagSet.Changed("max-tracked-segments") {
		cfg.MaxTrackedSegments = f.maxTrackedSegments
	}
	if flagSet.Changed("tcp-idle-timeout-ms") {
		cfg.TCPIdleTimeoutMs = f.tcpIdleTimeoutMs
	}
	if flagSet.Changed("tcp-rate-limit") {
		cfg.TCPRateLimit = f.tcpRateLimit
	}
	if flagSet.Changed("metrics-listen") {
		cfg.MetricsListen = f.metricsListen
	}
	if flagSet.Changed("level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	path := getClientConfigPath(cmd)
	if _, err := cfg.Save(path); err != nil {
		return fmt.Errorf("saving client config: %w", err)
	}
	internal.Info("client configuration updated", internal.Fields{
		internal.ConfigPath: path,
	})
	return nil
}

func updateServerConfig(path string, flagSet *pflag.FlagSet, f serverConfigFlags, logLevel string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultServerConfigPath()
	}

	// LoadServerConfig writes the defaults when the file does not exist yet.
	cfg, err := internal.LoadServerConfig(path)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}

	if flagSet.Changed("bind") {
		cfg.BindAddr = f.bindAddr
	}
	if flagSet.Changed("discovery-port") {
		port, _ := flagSet.GetInt("discovery-port")
		cfg.DiscoveryPort = port
	}
	if flagSet.Changed("broadcast") {
		cfg.BroadcastAddr = f.broadcastAddr
	}
	if flagSet.Changed("offer-interval-ms") {
		cfg.OfferIntervalMs = f.offerIntervalMs
	}
	if flagSet.Changed("tcp-port") {
		cfg.TCPPort = f.tcpPort
	}
	if flagSet.Changed("udp-port") {
		cfg.UDPPort = f.udpPort
	}
	if flagSet.Changed("payload-size") {
		if f.payloadSize <= 0 {
			return fmt.Errorf("payload size must be > 0")
		}
		cfg.PayloadSize = f.payloadSize
	}
	if flagSet.Changed("max-request-bytes") {
		cfg.MaxRequestBytes = f.maxRequestBytes
	}
	if flagSet.Changed("level") {
		cfg.LogLevel = logLevel
	}

	if _, err := cfg.Save(path); err != nil {
		return fmt.Errorf("saving server config: %w", err)
	}
	internal.Info("server configuration updated", internal.Fields{
		internal.ConfigPath: path,
	})
	return nil
}

func defaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "server_config.toml"
	}
	return filepath.Join(home, ".gbench", "server_config.toml")
}

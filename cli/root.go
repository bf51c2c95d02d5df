package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jgoldverg/gbench/internal"
	"github.com/spf13/cobra"
)

type ctxKey string

const clientCfgKey ctxKey = "clientConfig"
const clientConfigPathKey ctxKey = "clientConfigPath"

func NewRootCommand() *cobra.Command {
	var clientConfigPath string
	var envFile string
	var logLevel string
	var logJSON bool

	rootCmd := &cobra.Command{
		Use:   "gbench",
		Short: "gbench measures TCP and UDP throughput against a discovered speed server",
		Long: `gbench listens for speed server offers on the local network, then runs any number of
concurrent TCP and UDP transfers against the server it found and reports bit rate and delivery per connection.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := internal.LoadDotEnv(envFile); err != nil {
				return err
			}

			cfg, err := internal.LoadClientConfig(clientConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load client config: %w", err)
			}
			if logJSON {
				internal.SetLogOutput(os.Stderr, true)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
				internal.Warn("invalid log level in client config, defaulting to info", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}

			cfgPath := clientConfigPath
			if strings.TrimSpace(cfgPath) == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				cfgPath = filepath.Join(home, ".gbench", "client_config.toml")
			}

			ctx := context.WithValue(cmd.Context(), clientCfgKey, cfg)
			ctx = context.WithValue(ctx, clientConfigPathKey, cfgPath)
			cmd.SetContext(ctx)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&clientConfigPath, "client-config", "", "Path to client config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file loaded before the config (default ./.env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON lines")

	rootCmd.AddCommand(BenchCommand())
	rootCmd.AddCommand(DiscoverCommand())
	rootCmd.AddCommand(ServeCommand())
	rootCmd.AddCommand(ConfigCommand())

	return rootCmd
}

// GetClientConfig returns the config loaded by the root command.
func GetClientConfig(cmd *cobra.Command) *internal.ClientConfig {
	if v := cmd.Context().Value(clientCfgKey); v != nil {
		if cfg, ok := v.(*internal.ClientConfig); ok {
			return cfg
		}
	}
	return nil
}

func getClientConfigPath(cmd *cobra.Command) string {
	if v := cmd.Context().Value(clientConfigPathKey); v != nil {
		if path, ok := v.(string); ok {
			return path
		}
	}
	return ""
}

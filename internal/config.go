package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const configDirName = ".gbench"

type ClientConfig struct {
	DiscoveryPort            int    `mapstructure:"discovery_port"`
	DiscoveryTimeoutMs       int    `mapstructure:"discovery_timeout_ms"`
	RequireUnprivilegedPorts bool   `mapstructure:"require_unprivileged_ports"`
	UDPIdleTimeoutMs         int    `mapstructure:"udp_idle_timeout_ms"`
	UDPBufferSize            int    `mapstructure:"udp_buffer_size"`
	MaxTrackedSegments       uint   `mapstructure:"max_tracked_segments"`
	TCPChunkSize             int    `mapstructure:"tcp_chunk_size"`
	TCPIdleTimeoutMs         int    `mapstructure:"tcp_idle_timeout_ms"`
	TCPRateLimit             int64  `mapstructure:"tcp_rate_limit"`
	DialTimeoutMs            int    `mapstructure:"dial_timeout_ms"`
	MetricsListen            string `mapstructure:"metrics_listen"`
	LogLevel                 string `mapstructure:"log_level"`
}

func (cfg *ClientConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(cfg.DiscoveryTimeoutMs) * time.Millisecond
}

func (cfg *ClientConfig) UDPIdleTimeout() time.Duration {
	return time.Duration(cfg.UDPIdleTimeoutMs) * time.Millisecond
}

func (cfg *ClientConfig) TCPIdleTimeout() time.Duration {
	return time.Duration(cfg.TCPIdleTimeoutMs) * time.Millisecond
}

func (cfg *ClientConfig) DialTimeout() time.Duration {
	return time.Duration(cfg.DialTimeoutMs) * time.Millisecond
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("discovery_port", 15000)
	v.SetDefault("discovery_timeout_ms", 10_000)
	v.SetDefault("require_unprivileged_ports", false)
	v.SetDefault("udp_idle_timeout_ms", 1_000)
	v.SetDefault("udp_buffer_size", 4096)
	v.SetDefault("max_tracked_segments", 1<<24)
	v.SetDefault("tcp_chunk_size", 1024)
	v.SetDefault("tcp_idle_timeout_ms", 0)
	v.SetDefault("tcp_rate_limit", 0)
	v.SetDefault("dial_timeout_ms", 5_000)
	v.SetDefault("metrics_listen", "")
	v.SetDefault("log_level", "info")
}

// DefaultClientConfig returns the built-in client settings without touching disk.
func DefaultClientConfig() *ClientConfig {
	v := viper.New()
	setClientDefaults(v)
	var cfg ClientConfig
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func LoadClientConfig(configPath string) (*ClientConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	v, loaded, err := initViper(configPath, filepath.Join(home, configDirName), "client_config", "toml", "GBENCH_CLIENT")
	if err != nil {
		return nil, err
	}
	setClientDefaults(v)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Create-on-first-run ONLY
	if !loaded {
		writePath := configPath
		if writePath == "" {
			writePath = filepath.Join(home, configDirName, "client_config.toml")
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default client config: %w", err)
			}
			Info("client config written", Fields{
				ConfigPath: writePath,
			})
		}
	}
	return &cfg, nil
}

func (cfg *ClientConfig) Validate() error {
	if cfg.DiscoveryPort <= 0 || cfg.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery_port out of range: %d", cfg.DiscoveryPort)
	}
	if cfg.DiscoveryTimeoutMs <= 0 {
		return errors.New("discovery_timeout_ms must be > 0")
	}
	if cfg.UDPIdleTimeoutMs <= 0 {
		return errors.New("udp_idle_timeout_ms must be > 0")
	}
	if cfg.UDPBufferSize < 21 {
		return fmt.Errorf("udp_buffer_size too small: %d", cfg.UDPBufferSize)
	}
	if cfg.TCPChunkSize <= 0 {
		return errors.New("tcp_chunk_size must be > 0")
	}
	if cfg.TCPIdleTimeoutMs < 0 || cfg.TCPRateLimit < 0 || cfg.DialTimeoutMs < 0 {
		return errors.New("timeouts and rate limits must not be negative")
	}
	return nil
}

func (cfg *ClientConfig) Save(path string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "" {
		path = filepath.Join(home, configDirName, "client_config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("discovery_port", cfg.DiscoveryPort)
	v.Set("discovery_timeout_ms", cfg.DiscoveryTimeoutMs)
	v.Set("require_unprivileged_ports", cfg.RequireUnprivilegedPorts)
	v.Set("udp_idle_timeout_ms", cfg.UDPIdleTimeoutMs)
	v.Set("udp_buffer_size", cfg.UDPBufferSize)
	v.Set("max_tracked_segments", cfg.MaxTrackedSegments)
	v.Set("tcp_chunk_size", cfg.TCPChunkSize)
	v.Set("tcp_idle_timeout_ms", cfg.TCPIdleTimeoutMs)
	v.Set("tcp_rate_limit", cfg.TCPRateLimit)
	v.Set("dial_timeout_ms", cfg.DialTimeoutMs)
	v.Set("metrics_listen", cfg.MetricsListen)
	v.Set("log_level", cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write client config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

type ServerConfig struct {
	ServerId           string `mapstructure:"server_id"`
	BindAddr           string `mapstructure:"bind_addr"`
	DiscoveryPort      int    `mapstructure:"discovery_port"`
	BroadcastAddr      string `mapstructure:"broadcast_addr"`
	OfferIntervalMs    int    `mapstructure:"offer_interval_ms"`
	UDPPort            int    `mapstructure:"udp_port"`
	TCPPort            int    `mapstructure:"tcp_port"`
	PayloadSize        int    `mapstructure:"payload_size"`
	TCPWriteChunk      int    `mapstructure:"tcp_write_chunk"`
	UDPReadBufferSize  int    `mapstructure:"udp_read_buffer_size"`
	UDPWriteBufferSize int    `mapstructure:"udp_write_buffer_size"`
	MaxRequestBytes    uint64 `mapstructure:"max_request_bytes"`
	RequestReadTimeout int    `mapstructure:"request_read_timeout_ms"`
	LogLevel           string `mapstructure:"log_level"`
}

func (cfg *ServerConfig) OfferInterval() time.Duration {
	return time.Duration(cfg.OfferIntervalMs) * time.Millisecond
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("server_id", uuid.New().String())
	v.SetDefault("bind_addr", "0.0.0.0")
	v.SetDefault("discovery_port", 15000)
	v.SetDefault("broadcast_addr", "255.255.255.255")
	v.SetDefault("offer_interval_ms", 1_000)
	v.SetDefault("udp_port", 0)
	v.SetDefault("tcp_port", 0)
	v.SetDefault("payload_size", 1024)
	v.SetDefault("tcp_write_chunk", 1024)
	v.SetDefault("udp_read_buffer_size", 64*1024)
	v.SetDefault("udp_write_buffer_size", 4<<20)
	v.SetDefault("max_request_bytes", uint64(1)<<34)
	v.SetDefault("request_read_timeout_ms", 5_000)
	v.SetDefault("log_level", "info")
}

func DefaultServerConfig() *ServerConfig {
	v := viper.New()
	setServerDefaults(v)
	var cfg ServerConfig
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func LoadServerConfig(configPath string) (*ServerConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New("failed to load users home directory: " + err.Error())
	}
	v, loaded, err := initViper(configPath, filepath.Join(home, configDirName), "server_config", "toml", "GBENCH_SERVER")
	if err != nil {
		return nil, errors.New("failed to load server config: " + err.Error())
	}
	setServerDefaults(v)

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.PayloadSize <= 0 || cfg.PayloadSize+21 > 65507 {
		return nil, fmt.Errorf("payload_size out of range: %d", cfg.PayloadSize)
	}

	// Create-on-first-run ONLY (no config file was read)
	if !loaded {
		writePath := configPath
		if writePath == "" {
			writePath = filepath.Join(home, configDirName, "server_config.toml")
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default server config: %w", err)
			}
			Info("server config written", Fields{
				ConfigPath: writePath,
			})
		}
	}
	return &cfg, nil
}

func (cfg *ServerConfig) Save(path string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "" {
		path = filepath.Join(home, configDirName, "server_config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("server_id", cfg.ServerId)
	v.Set("bind_addr", cfg.BindAddr)
	v.Set("discovery_port", cfg.DiscoveryPort)
	v.Set("broadcast_addr", cfg.BroadcastAddr)
	v.Set("offer_interval_ms", cfg.OfferIntervalMs)
	v.Set("udp_port", cfg.UDPPort)
	v.Set("tcp_port", cfg.TCPPort)
	v.Set("payload_size", cfg.PayloadSize)
	v.Set("tcp_write_chunk", cfg.TCPWriteChunk)
	v.Set("udp_read_buffer_size", cfg.UDPReadBufferSize)
	v.Set("udp_write_buffer_size", cfg.UDPWriteBufferSize)
	v.Set("max_request_bytes", cfg.MaxRequestBytes)
	v.Set("request_read_timeout_ms", cfg.RequestReadTimeout)
	v.Set("log_level", cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write server config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

// LoadDotEnv pulls KEY=VALUE pairs from path (or ./.env) into the process
// environment so viper's AutomaticEnv can see them. A missing file is fine.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func initViper(configPath, defaultDir, defaultName, defaultType, envPrefix string) (*viper.Viper, bool, error) {
	v := viper.New()
	v.SetConfigType(defaultType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(expandPath(configPath))
	} else {
		v.AddConfigPath(defaultDir)
		v.AddConfigPath(".")
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return v, false, nil
		}
		Error("config file unreadable", Fields{
			ConfigPath: configPath,
			FieldError: err.Error(),
		})
		return nil, false, fmt.Errorf("read config: %w", err)
	}
	return v, true, nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

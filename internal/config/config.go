package config

import (
	"path/filepath"
	"time"

	"github.com/paularlott/cli"
)

type Config struct {
	DataDir         string
	ListenAddr      string
	LogLevel        string
	APIAuthToken    string
	DeviceAPIURL    string
	DeviceAPIKey    string
	ProxyAPIURL     string
	ProxyAPIKey     string
	ProviderTimeout time.Duration
	StatusCacheTTL  time.Duration
	HealthInterval  time.Duration
	ProbeHost       string
}

var (
	dataDir         string
	listenAddr      string
	logLevel        string
	apiAuthToken    string
	deviceAPIURL    string
	deviceAPIKey    string
	proxyAPIURL     string
	proxyAPIKey     string
	providerTimeout string
	statusCacheTTL  string
	healthInterval  string
	probeHost       string
)

func GetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:         "data-dir",
			Usage:        "Data directory path",
			EnvVars:      []string{"FLEETD_DATA_DIR"},
			DefaultValue: filepath.Join(".", "data"),
			AssignTo:     &dataDir,
		},
		&cli.StringFlag{
			Name:         "addr",
			Usage:        "Server listen address",
			EnvVars:      []string{"FLEETD_LISTEN_ADDR"},
			DefaultValue: ":8080",
			AssignTo:     &listenAddr,
		},
		&cli.StringFlag{
			Name:         "log-level",
			Usage:        "Log level (debug/info/warn/error)",
			EnvVars:      []string{"FLEETD_LOG_LEVEL"},
			DefaultValue: "info",
			AssignTo:     &logLevel,
		},
		&cli.StringFlag{
			Name:     "api-token",
			Usage:    "API bearer token",
			EnvVars:  []string{"FLEETD_API_TOKEN"},
			AssignTo: &apiAuthToken,
		},
		&cli.StringFlag{
			Name:         "device-api-url",
			Usage:        "Device provider base URL",
			EnvVars:      []string{"FLEETD_DEVICE_API_URL"},
			DefaultValue: "https://openapi.duoplus.net",
			AssignTo:     &deviceAPIURL,
		},
		&cli.StringFlag{
			Name:     "device-api-key",
			Usage:    "Device provider API key",
			EnvVars:  []string{"FLEETD_DEVICE_API_KEY"},
			AssignTo: &deviceAPIKey,
		},
		&cli.StringFlag{
			Name:     "proxy-api-url",
			Usage:    "Proxy provider base URL",
			EnvVars:  []string{"FLEETD_PROXY_API_URL"},
			AssignTo: &proxyAPIURL,
		},
		&cli.StringFlag{
			Name:     "proxy-api-key",
			Usage:    "Proxy provider API key",
			EnvVars:  []string{"FLEETD_PROXY_API_KEY"},
			AssignTo: &proxyAPIKey,
		},
		&cli.StringFlag{
			Name:         "provider-timeout",
			Usage:        "Timeout for provider API calls",
			EnvVars:      []string{"FLEETD_PROVIDER_TIMEOUT"},
			DefaultValue: "30s",
			AssignTo:     &providerTimeout,
		},
		&cli.StringFlag{
			Name:         "status-cache-ttl",
			Usage:        "TTL for cached device status snapshots",
			EnvVars:      []string{"FLEETD_STATUS_CACHE_TTL"},
			DefaultValue: "30s",
			AssignTo:     &statusCacheTTL,
		},
		&cli.StringFlag{
			Name:         "health-interval",
			Usage:        "Interval between proxy health check cycles",
			EnvVars:      []string{"FLEETD_HEALTH_INTERVAL"},
			DefaultValue: "5m",
			AssignTo:     &healthInterval,
		},
		&cli.StringFlag{
			Name:         "probe-host",
			Usage:        "External host used for connectivity probes",
			EnvVars:      []string{"FLEETD_PROBE_HOST"},
			DefaultValue: "8.8.8.8",
			AssignTo:     &probeHost,
		},
	}
}

func Load() *Config {
	addr := listenAddr
	if addr == "" {
		// Flags are only parsed for the server command; CLI verbs
		// loading config for the default server URL land here.
		addr = ":8080"
	}
	return &Config{
		DataDir:         dataDir,
		ListenAddr:      addr,
		LogLevel:        logLevel,
		APIAuthToken:    apiAuthToken,
		DeviceAPIURL:    deviceAPIURL,
		DeviceAPIKey:    deviceAPIKey,
		ProxyAPIURL:     proxyAPIURL,
		ProxyAPIKey:     proxyAPIKey,
		ProviderTimeout: parseDuration(providerTimeout, 30*time.Second),
		StatusCacheTTL:  parseDuration(statusCacheTTL, 30*time.Second),
		HealthInterval:  parseDuration(healthInterval, 5*time.Minute),
		ProbeHost:       probeHost,
	}
}

// IsAPIAuthEnabled checks if API authentication is configured
func (c *Config) IsAPIAuthEnabled() bool {
	return c.APIAuthToken != ""
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

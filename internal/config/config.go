// Package config loads the gateway process configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultMessagingPort = 3100
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "messaging"
	DefaultPGSSLMode     = "disable"
	DefaultExchange      = "messaging.invalidations"
)

// DefaultChannels is the channel allow-list used when none is configured.
var DefaultChannels = []string{"messenger", "slack", "smooch", "teams", "telegram", "twilio", "vonage"}

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Messaging MessagingConfig `toml:"messaging"`
	Broadcast BroadcastConfig `toml:"broadcast"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// MessagingConfig describes how to reach the external messaging service.
// An empty Endpoint means the service runs embedded next to this process
// and its address is rebound once the rest of the platform is ready.
type MessagingConfig struct {
	Endpoint             string   `toml:"endpoint"`
	Port                 int      `toml:"port"`
	AdminKey             string   `toml:"admin_key"`
	InternalPassword     string   `toml:"internal_password"`
	ExternalURL          string   `toml:"external_url"`
	Channels             []string `toml:"channels"`
	Bots                 []string `toml:"bots"`
	ExperimentalConverse bool     `toml:"experimental_converse"`
}

// External reports whether the messaging service is a separate deployment.
func (c MessagingConfig) External() bool {
	return c.Endpoint != ""
}

// URL returns the messaging service base URL for the current deployment mode.
func (c MessagingConfig) URL() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	port := c.Port
	if port == 0 {
		port = DefaultMessagingPort
	}
	return "http://localhost:" + fmt.Sprint(port)
}

// BroadcastConfig configures the cross-instance invalidation fan-out.
// An empty URL selects the local single-process implementation.
type BroadcastConfig struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Messaging: MessagingConfig{
			Port:        DefaultMessagingPort,
			ExternalURL: "http://localhost:8080",
			Channels:    append([]string{}, DefaultChannels...),
		},
		Broadcast: BroadcastConfig{
			Exchange: DefaultExchange,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

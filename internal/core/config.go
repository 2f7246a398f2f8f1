package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the lanchat
// server and client.
type Config struct {
	// Full path to file to which logs will be written. Blank will write to stderr.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Discovery struct {
		// Well-known UDP port shared by every responder and scanner.
		Port int `mapstructure:"port"`
		// Address the scanner sends its probe to.
		BroadcastAddress string `mapstructure:"broadcast_address"`
		// Number of ticks a scan waits for replies.
		ScanTicks int `mapstructure:"scan_ticks"`
		// Length of one scan tick.
		ScanInterval time.Duration `mapstructure:"scan_interval"`
		// Maximum number of servers collected by one scan.
		MaxServers int `mapstructure:"max_servers"`
		// Hostname advertised in probe replies. Defaults to the machine's hostname.
		AdvertisedHostname string `mapstructure:"advertised_hostname"`
	} `mapstructure:"discovery"`

	Server struct {
		// Hostname or IP address on which the session host will listen.
		Hostname string `mapstructure:"hostname"`
		// Session port. 0 lets the OS choose; clients learn it through discovery.
		Port int `mapstructure:"port"`
		// Maximum number of concurrently connected peers.
		MaxPeers int `mapstructure:"max_peers"`
		// Number of channels allocated per peer.
		Channels int `mapstructure:"channels"`
		// Pause between two ticks of the event loop.
		TickInterval time.Duration `mapstructure:"tick_interval"`
	} `mapstructure:"server"`

	Client struct {
		// host:port of a session host to connect to without scanning first.
		ConnectAddress string `mapstructure:"connect_address"`
		// How long to wait for the server to confirm a connection.
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
		// Line sent to the server as soon as the session is established.
		Greeting string `mapstructure:"greeting"`
		// Pause between two ticks of the event loop.
		TickInterval time.Duration `mapstructure:"tick_interval"`
	} `mapstructure:"client"`

	Transport struct {
		// A peer that has been silent for this long is considered lost.
		IdleTimeout time.Duration `mapstructure:"idle_timeout"`
		// How often a host pings its peers to keep sessions alive.
		PingInterval time.Duration `mapstructure:"ping_interval"`
		// How long a send waits for room in a peer's window before the peer is
		// dropped as lost.
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		// Number of consecutive failed polls an event loop tolerates before giving up.
		MaxPollErrors int `mapstructure:"max_poll_errors"`
	} `mapstructure:"transport"`

	Debugging struct {
		// Dump discovery datagrams and transport frames to stdout.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "LANCHAT"

var defaults = map[string]interface{}{
	"log_level":                        "info",
	"log_file_path":                    "",
	"discovery.port":                   34567,
	"discovery.broadcast_address":      "255.255.255.255",
	"discovery.scan_ticks":             5,
	"discovery.scan_interval":          "1s",
	"discovery.max_servers":            16,
	"discovery.advertised_hostname":    "",
	"server.hostname":                  "",
	"server.port":                      0,
	"server.max_peers":                 16,
	"server.channels":                  2,
	"server.tick_interval":             "1ms",
	"client.connect_address":           "",
	"client.connect_timeout":           "5s",
	"client.greeting":                  "Hello, my name is Inigo Montoya",
	"client.tick_interval":             "1ms",
	"transport.idle_timeout":           "10s",
	"transport.ping_interval":          "2s",
	"transport.write_timeout":          "100ms",
	"transport.max_poll_errors":        2,
	"debugging.packet_logging_enabled": false,
}

// flagKeys maps command line flag names onto config keys.
var flagKeys = map[string]string{
	"log-level":       "log_level",
	"discovery-port":  "discovery.port",
	"broadcast":       "discovery.broadcast_address",
	"port":            "server.port",
	"max-peers":       "server.max_peers",
	"connect":         "client.connect_address",
	"packet-logging":  "debugging.packet_logging_enabled",
	"advertised-name": "discovery.advertised_hostname",
}

// DefaultConfig returns a Config populated only with the built-in defaults.
func DefaultConfig() *Config {
	cfg, err := LoadConfig("", nil)
	if err != nil {
		// The defaults are static, so this only happens if they're broken.
		panic(err)
	}
	return cfg
}

// LoadConfig reads config.yaml from configPath (if there is one), applies environment
// overrides and any flags in flags that were set on the command line.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if configPath != "" {
		v.AddConfigPath(configPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	// This allows us to set nested yaml config options through environment
	// variables. For example, discovery.port can be set using: <envVarPrefix>_DISCOVERY_PORT
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag --%s: %w", name, err)
				}
			}
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, nil
}

// SessionAddress returns the address the server's session host binds to.
func (c *Config) SessionAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Hostname, c.Server.Port)
}

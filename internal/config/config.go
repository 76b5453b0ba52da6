package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"depthfeed/internal/exchange"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Feed    FeedConfig    `yaml:"feed"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// FeedConfig holds depth feed connection settings. Token and ClientID are opaque.
type FeedConfig struct {
	URL              string                `yaml:"url"`
	Token            string                `yaml:"token"`
	ClientID         string                `yaml:"client_id"`
	AuthType         string                `yaml:"auth_type"`
	Instruments      []exchange.Instrument `yaml:"instruments"`
	HandshakeTimeout time.Duration         `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration         `yaml:"read_timeout"`
	WriteTimeout     time.Duration         `yaml:"write_timeout"`
	Backoff          BackoffConfig         `yaml:"backoff"`
}

// BackoffConfig bounds the reconnect delay
type BackoffConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter bool          `yaml:"jitter"`
}

// ServerConfig holds query surface settings
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	PushInterval      time.Duration `yaml:"push_interval"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the default configuration: one NSE_EQ instrument and empty credentials
func Default() Config {
	return Config{
		Feed: FeedConfig{
			URL:      "wss://depth-api-feed.dhan.co/twentydepth",
			AuthType: "2",
			Instruments: []exchange.Instrument{
				{ExchangeSegment: "NSE_EQ", SecurityID: "2885"},
			},
			HandshakeTimeout: 10 * time.Second,
			ReadTimeout:      40 * time.Second,
			WriteTimeout:     5 * time.Second,
			Backoff: BackoffConfig{
				Min:    time.Second,
				Max:    30 * time.Second,
				Factor: 2,
				Jitter: true,
			},
		},
		Server: ServerConfig{
			Addr:              ":5000",
			PushInterval:      500 * time.Millisecond,
			ReadHeaderTimeout: 2 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by DEPTH_CONFIG,
// a .env file in the working directory and the environment, in that order.
// Nothing here fails: unreadable or invalid input leaves the earlier value in place.
func Load() Config {
	c := Default()

	if path := os.Getenv("DEPTH_CONFIG"); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			fromFile := c
			if err := yaml.Unmarshal(b, &fromFile); err == nil {
				c = fromFile
			}
		}
	}

	// existing environment wins over .env
	_ = godotenv.Load()

	c.applyEnv()
	return c
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DHAN_TOKEN"); v != "" {
		c.Feed.Token = v
	}
	if v := os.Getenv("DHAN_CLIENT_ID"); v != "" {
		c.Feed.ClientID = v
	}
	if v := os.Getenv("DEPTH_FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("DEPTH_INSTRUMENTS"); v != "" {
		if instruments, err := ParseInstruments(v); err == nil && len(instruments) > 0 {
			c.Feed.Instruments = instruments
		}
	}
	if v := os.Getenv("DEPTH_BACKOFF_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Feed.Backoff.Max = d
		}
	}
	if v := os.Getenv("DEPTH_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DEPTH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DEPTH_LOG_PRETTY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Pretty = b
		}
	}
}

// ParseInstruments reads a comma separated list of SEGMENT:SECURITY_ID pairs
func ParseInstruments(raw string) ([]exchange.Instrument, error) {
	var out []exchange.Instrument
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		segment, securityID, ok := strings.Cut(part, ":")
		segment = strings.TrimSpace(segment)
		securityID = strings.TrimSpace(securityID)
		if !ok || segment == "" || securityID == "" {
			return nil, fmt.Errorf("invalid instrument %q, want SEGMENT:SECURITY_ID", part)
		}
		out = append(out, exchange.Instrument{
			ExchangeSegment: segment,
			SecurityID:      securityID,
		})
	}
	return out, nil
}

// SetInstruments replaces the subscribed instrument list
func (c *Config) SetInstruments(instruments []exchange.Instrument) {
	c.Feed.Instruments = instruments
}

// SetCredentials updates the opaque feed credentials; an empty value keeps the current one
func (c *Config) SetCredentials(token, clientID string) {
	if token != "" {
		c.Feed.Token = token
	}
	if clientID != "" {
		c.Feed.ClientID = clientID
	}
}

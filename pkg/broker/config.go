package broker

import (
	"os"
	"path/filepath"
	"time"

	"github.com/imkiwa/landscape-client/pkg/exchange"
	"github.com/imkiwa/landscape-client/pkg/pinger"
	"github.com/imkiwa/landscape-client/pkg/transport"
	"github.com/imkiwa/landscape-client/pkg/wireformat"
	"github.com/pion/logging"
)

// SnapshotFilename is the name of the persistence snapshot inside
// Config.DataPath when MessageStorePath is not set.
const SnapshotFilename = "broker.bpickle"

// Config holds all configuration for a broker Service, covering the
// recognized options of the daemon's configuration file plus the injection
// points tests use to substitute deterministic collaborators.
type Config struct {
	// URL is the exchange endpoint the broker POSTs to. Required.
	URL string
	// PingURL is the liveness endpoint the pinger GETs. Optional; an
	// empty value disables the pinger.
	PingURL string
	// SSLPublicKey is a PEM file whose public key the server's TLS
	// certificate must match. Optional.
	SSLPublicKey string
	// DataPath is the directory holding the persistence snapshot.
	// Required unless MessageStorePath is set.
	DataPath string
	// MessageStorePath overrides the snapshot file location. Defaults to
	// <DataPath>/broker.bpickle.
	MessageStorePath string

	ExchangeInterval       time.Duration
	UrgentExchangeInterval time.Duration
	PingInterval           time.Duration

	ComputerTitle        string
	AccountName          string
	RegistrationPassword string

	// HTTPProxy/HTTPSProxy are exported into the process environment
	// before the first exchange so the HTTP client picks them up.
	HTTPProxy  string
	HTTPSProxy string

	// Codec serializes the snapshot and the wire payloads. Defaults to
	// wireformat.Default().
	Codec wireformat.Codec
	// LoggerFactory builds each component's named logger. Optional.
	LoggerFactory logging.LoggerFactory

	// Transport and Fetcher override the HTTPS collaborators, mainly so
	// tests can run rounds against an in-memory server.
	Transport transport.Exchanger
	Fetcher   transport.Fetcher
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.URL == "" && c.Transport == nil {
		return ErrNoServerURL
	}
	if c.DataPath == "" && c.MessageStorePath == "" {
		return ErrNoDataPath
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MessageStorePath == "" {
		c.MessageStorePath = filepath.Join(c.DataPath, SnapshotFilename)
	}
	if c.Codec == nil {
		c.Codec = wireformat.Default()
	}
	if c.ExchangeInterval <= 0 {
		c.ExchangeInterval = exchange.DefaultExchangeInterval
	}
	if c.UrgentExchangeInterval <= 0 {
		c.UrgentExchangeInterval = exchange.DefaultUrgentExchangeInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = pinger.DefaultInterval
	}
}

// fileConfig is the on-disk shape of the daemon's configuration file,
// serialized with the same pluggable codec as the snapshot and the wire.
// Intervals are in seconds.
type fileConfig struct {
	URL                    string `codec:"url"`
	PingURL                string `codec:"ping-url"`
	SSLPublicKey           string `codec:"ssl-public-key"`
	DataPath               string `codec:"data-path"`
	MessageStorePath       string `codec:"message-store-path"`
	ExchangeInterval       int64  `codec:"exchange-interval"`
	UrgentExchangeInterval int64  `codec:"urgent-exchange-interval"`
	PingInterval           int64  `codec:"ping-interval"`
	ComputerTitle          string `codec:"computer-title"`
	AccountName            string `codec:"account-name"`
	RegistrationPassword   string `codec:"registration-password"`
	HTTPProxy              string `codec:"http-proxy"`
	HTTPSProxy             string `codec:"https-proxy"`
}

// LoadConfigFile reads a configuration file serialized with c (or the
// default codec when c is nil) and returns the corresponding Config.
func LoadConfigFile(path string, c wireformat.Codec) (Config, error) {
	if c == nil {
		c = wireformat.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var fc fileConfig
	if err := c.Decode(data, &fc); err != nil {
		return Config{}, err
	}
	return Config{
		URL:                    fc.URL,
		PingURL:                fc.PingURL,
		SSLPublicKey:           fc.SSLPublicKey,
		DataPath:               fc.DataPath,
		MessageStorePath:       fc.MessageStorePath,
		ExchangeInterval:       time.Duration(fc.ExchangeInterval) * time.Second,
		UrgentExchangeInterval: time.Duration(fc.UrgentExchangeInterval) * time.Second,
		PingInterval:           time.Duration(fc.PingInterval) * time.Second,
		ComputerTitle:          fc.ComputerTitle,
		AccountName:            fc.AccountName,
		RegistrationPassword:   fc.RegistrationPassword,
		HTTPProxy:              fc.HTTPProxy,
		HTTPSProxy:             fc.HTTPSProxy,
		Codec:                  c,
	}, nil
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"jxta/datamodel/address"
	"jxta/oid"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

const (
	RoleAdhoc  = "adhoc"
	RoleClient = "client"
	RoleServer = "server"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config represents the configuration of a jxta peer
type Config struct {
	// Default config file location
	configFile string

	// Identity of the peer and of the group it joins
	Node struct {
		PeerID  *oid.Oid `json:"peer_id"`
		GroupID *oid.Oid `json:"group_id"`
		Name    string   `json:"name"`
	} `json:"node"`

	Network struct {
		TCPListen     string `json:"tcp_listen"`
		TCPAdvertised string `json:"tcp_advertised,omitempty"` // Overrides interface discovery
		Multicast     string `json:"multicast"`                // Empty disables multicast
	} `json:"network"`

	Rendezvous struct {
		Role             string   `json:"role"`
		Seeds            []string `json:"seeds"`
		MaxClients       int      `json:"max_clients"`
		LeaseDurationMs  int64    `json:"lease_duration_ms"`
		MinConnectedRdvs int      `json:"min_connected_rdvs"`
		MaxTTL           int      `json:"max_ttl"`
	} `json:"rendezvous"`

	DataStore struct {
		Advertisements string `json:"advertisements"`
	} `json:"datastore"`

	Metrics struct {
		Listen string `json:"listen"` // Empty disables the metrics endpoint
	} `json:"metrics"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.GroupID = oid.FromName(oid.OidTypeGroup, "jxta-netpeergroup")

	cfg.Network.TCPListen = ":9701"
	cfg.Network.Multicast = "224.0.1.85:1234"

	cfg.Rendezvous.Role = RoleClient
	cfg.Rendezvous.MaxClients = 200
	cfg.Rendezvous.LeaseDurationMs = (20 * time.Minute).Milliseconds()
	cfg.Rendezvous.MinConnectedRdvs = 1
	cfg.Rendezvous.MaxTTL = 2

	cfg.DataStore.Advertisements = "/tmp/jxta/advertisements"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Rendezvous.LeaseDurationMs) * time.Millisecond
}

// SeedAddresses parses the configured seeds.
func (c *Config) SeedAddresses() ([]*address.Address, error) {
	out := make([]*address.Address, 0, len(c.Rendezvous.Seeds))
	for _, s := range c.Rendezvous.Seeds {
		a, err := address.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", s, ErrInvalidConfig)
		}
		out = append(out, a)
	}
	return out, nil
}

func (c *Config) Validate() error {
	switch c.Rendezvous.Role {
	case RoleAdhoc, RoleClient, RoleServer:
	default:
		return fmt.Errorf("unknown role %q: %w", c.Rendezvous.Role, ErrInvalidConfig)
	}
	if c.Node.PeerID.IsZero() {
		return fmt.Errorf("missing peer id, run init: %w", ErrInvalidConfig)
	}
	if c.Node.GroupID.IsZero() {
		return fmt.Errorf("missing group id: %w", ErrInvalidConfig)
	}
	if c.Rendezvous.LeaseDurationMs <= 0 {
		return fmt.Errorf("lease duration must be positive: %w", ErrInvalidConfig)
	}
	if c.Rendezvous.MaxClients <= 0 || c.Rendezvous.MinConnectedRdvs <= 0 || c.Rendezvous.MaxTTL <= 0 {
		return fmt.Errorf("rendezvous limits must be positive: %w", ErrInvalidConfig)
	}
	if _, err := c.SeedAddresses(); err != nil {
		return err
	}
	return nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}

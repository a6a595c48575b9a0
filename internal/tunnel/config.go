package tunnel

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/die-net/sshforward/internal/store"
	"github.com/die-net/sshforward/internal/tunnelerr"
)

const (
	// ConfigKey is the settings key holding the JSON config record.
	ConfigKey = "sshTunnelConfig"

	DefaultSSHPort    = 22
	DefaultRemotePort = 18080
	DefaultLocalPort  = 4096
)

// Config is the persisted tunnel configuration. The JSON field names are
// shared with existing installs and must not change.
type Config struct {
	Enabled    bool   `json:"isEnabled"`
	Host       string `json:"host"`
	SSHPort    int    `json:"port"`
	Username   string `json:"username"`
	RemotePort int    `json:"remotePort"`
}

// DefaultConfig is used when nothing has been saved yet.
func DefaultConfig() Config {
	return Config{
		SSHPort:    DefaultSSHPort,
		RemotePort: DefaultRemotePort,
	}
}

// IsValid reports whether c has enough to attempt a connection.
func (c Config) IsValid() bool {
	return c.Validate() == nil
}

// Validate returns a tunnelerr.InvalidConfiguration error naming the first
// problem found.
func (c Config) Validate() error {
	var reason string
	switch {
	case c.Host == "":
		reason = "missing host"
	case c.Username == "":
		reason = "missing username"
	case !validPort(c.SSHPort):
		reason = "ssh port out of range"
	case !validPort(c.RemotePort):
		reason = "remote port out of range"
	default:
		return nil
	}
	return tunnelerr.New(tunnelerr.InvalidConfiguration, reason, nil)
}

// SSHAddr returns host:port for the SSH server.
func (c Config) SSHAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.SSHPort))
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// LoadConfig reads the config record from settings. A missing record yields
// DefaultConfig. Fields absent from a stored record keep their defaults.
func LoadConfig(settings store.Settings) (Config, error) {
	cfg := DefaultConfig()
	raw, ok := settings.Get(ConfigKey)
	if !ok || strings.TrimSpace(raw) == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("decoding %s: %w", ConfigKey, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to settings.
func SaveConfig(settings store.Settings, cfg Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := settings.Set(ConfigKey, string(data)); err != nil {
		return fmt.Errorf("saving %s: %w", ConfigKey, err)
	}
	return nil
}

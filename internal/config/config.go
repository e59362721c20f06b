// Package config loads and validates the JSON configuration files for the
// redirector and the starter. Both peers must agree on auth and separator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/Ar7hurz1nh0/reverse-proxy/internal/proto"
)

// Endpoint is a dialable or target address.
type Endpoint struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

func (e Endpoint) String() string {
	return e.Address + ":" + strconv.Itoa(int(e.Port))
}

// Redirector is the public-side configuration.
type Redirector struct {
	Auth      string `json:"auth"`
	Separator string `json:"separator"`
	Listen    uint16 `json:"listen"`

	// Optional tuning.
	MaxPacketSize      int `json:"max_packet_size,omitempty"`
	IdleTimeoutSeconds int `json:"idle_timeout_seconds,omitempty"`
	AcceptRate         int `json:"accept_rate,omitempty"`
	AcceptBurst        int `json:"accept_burst,omitempty"`
}

// Starter is the private-side configuration.
type Starter struct {
	Auth       string     `json:"auth"`
	Separator  string     `json:"separator"`
	RedirectTo Endpoint   `json:"redirect_to"`
	Targets    []Endpoint `json:"targets"`

	// Optional tuning. Reconnect delay is fixed at 5 s unless overridden;
	// setting reconnect_max_seconds above the delay enables exponential
	// backoff between the two.
	MaxPacketSize         int `json:"max_packet_size,omitempty"`
	ReconnectDelaySeconds int `json:"reconnect_delay_seconds,omitempty"`
	ReconnectMaxSeconds   int `json:"reconnect_max_seconds,omitempty"`
}

// TargetFor returns the backend address for an advertised port. Ports
// without an explicit target default to localhost.
func (s *Starter) TargetFor(port uint16) string {
	for _, t := range s.Targets {
		if t.Port == port {
			addr := t.Address
			if addr == "" {
				addr = "127.0.0.1"
			}
			return addr + ":" + strconv.Itoa(int(port))
		}
	}
	return "127.0.0.1:" + strconv.Itoa(int(port))
}

// Ports returns the public ports the starter advertises in its AUTH frame,
// in configuration order.
func (s *Starter) Ports() []uint16 {
	ports := make([]uint16, 0, len(s.Targets))
	seen := make(map[uint16]bool, len(s.Targets))
	for _, t := range s.Targets {
		if t.Port == 0 || seen[t.Port] {
			continue
		}
		seen[t.Port] = true
		ports = append(ports, t.Port)
	}
	return ports
}

// ValidateSeparator rejects separators that could collide with header
// tokens. Header tokens are space-separated and contain decimal digits,
// lowercase hex and hyphens (ids, digests, ports, lengths), so none of
// those bytes may appear in the separator.
func ValidateSeparator(sep string) error {
	if sep == "" {
		return fmt.Errorf("separator must not be empty")
	}
	for _, c := range []byte(sep) {
		switch {
		case c == ' ':
			return fmt.Errorf("separator must not contain spaces")
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c == '-', c == ';':
			return fmt.Errorf("separator byte %q can occur inside header tokens", c)
		}
	}
	return nil
}

// LoadRedirector reads and validates a redirector configuration file.
func LoadRedirector(path string) (*Redirector, error) {
	var cfg Redirector
	if err := loadJSON(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Auth == "" {
		return nil, fmt.Errorf("config %s: auth must be set", path)
	}
	if err := ValidateSeparator(cfg.Separator); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.Listen == 0 {
		return nil, fmt.Errorf("config %s: listen port must be set", path)
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = proto.DefaultMaxPacketSize
	}
	return &cfg, nil
}

// LoadStarter reads and validates a starter configuration file.
func LoadStarter(path string) (*Starter, error) {
	var cfg Starter
	if err := loadJSON(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Auth == "" {
		return nil, fmt.Errorf("config %s: auth must be set", path)
	}
	if err := ValidateSeparator(cfg.Separator); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.RedirectTo.Address == "" || cfg.RedirectTo.Port == 0 {
		return nil, fmt.Errorf("config %s: redirect_to address and port must be set", path)
	}
	if len(cfg.Ports()) == 0 {
		return nil, fmt.Errorf("config %s: at least one target port must be set", path)
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = proto.DefaultMaxPacketSize
	}
	if cfg.ReconnectDelaySeconds <= 0 {
		cfg.ReconnectDelaySeconds = 5
	}
	if cfg.ReconnectMaxSeconds < cfg.ReconnectDelaySeconds {
		cfg.ReconnectMaxSeconds = cfg.ReconnectDelaySeconds
	}
	return &cfg, nil
}

func loadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

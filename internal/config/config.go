// Package config defines the proxy's external configuration surface and
// loads it from a YAML file. The core packages never touch the
// filesystem themselves; they consume an already-populated Settings.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Settings is every option from the proxy's configuration surface. The
// fee rate has an RWMutex-guarded setter/getter pair; the fee scheduler
// copies the rate once at construction and does not read it again.
type Settings struct {
	mu sync.RWMutex

	Name string `yaml:"name"`

	// Share selects the proxy mode: 0 pure-proxy, 1 fee-injection,
	// 2 unified-wallet.
	Share        int      `yaml:"share"`
	ShareName    string   `yaml:"share_name"`
	ShareAddress []string `yaml:"share_address"`
	PoolAddress  []string `yaml:"pool_address"`
	FeeRate      float64  `yaml:"fee_rate"`

	DevelopFeeRate      float64  `yaml:"develop_fee_rate"`
	DevelopShareName    string   `yaml:"develop_share_name"`
	DevelopShareAddress []string `yaml:"develop_share_address"`

	PemPath string `yaml:"pem_path"`
	KeyPath string `yaml:"key_path"`

	TCPPort     int `yaml:"tcp_port"`
	TLSPort     int `yaml:"tls_port"`
	EncryptPort int `yaml:"encrypt_port"`

	EncryptKey string `yaml:"encrypt_key"`

	MetricsListen string `yaml:"metrics_listen"`
	LogDir        string `yaml:"log_dir"`
	LogLevel      string `yaml:"log_level"`

	path string
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	s := Defaults()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	s.path = path
	return s, nil
}

// Defaults returns a Settings with every ambient default populated; the
// fee siphons are inert (rate 0) and the TLS and encrypted acceptors are
// disabled (port 0) until explicitly configured.
func Defaults() *Settings {
	return &Settings{
		Share:    0,
		TCPPort:  3333,
		LogDir:   "logs",
		LogLevel: "info",
	}
}

// Save writes the current Settings back to its source file.
func (s *Settings) Save() error {
	s.mu.RLock()
	data, err := yaml.Marshal(s)
	path := s.path
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if path == "" {
		return fmt.Errorf("config has no backing file")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Validate checks the configuration against the invariants the core
// requires before it can start.
func (s *Settings) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Share < 0 || s.Share > 2 {
		return fmt.Errorf("share must be 0, 1, or 2")
	}
	if len(s.PoolAddress) == 0 {
		return fmt.Errorf("pool_address requires at least one endpoint")
	}
	if s.Share != 0 {
		if s.ShareName == "" {
			return fmt.Errorf("share_name is required when share != 0")
		}
		if len(s.ShareAddress) == 0 {
			return fmt.Errorf("share_address requires at least one endpoint when share != 0")
		}
		if s.FeeRate < 0 || s.FeeRate >= 1 {
			return fmt.Errorf("fee_rate must be in [0,1)")
		}
	}
	if s.DevelopFeeRate < 0 || s.DevelopFeeRate >= 1 {
		return fmt.Errorf("develop_fee_rate must be in [0,1)")
	}
	if s.DevelopFeeRate > 0 && len(s.DevelopShareAddress) == 0 {
		return fmt.Errorf("develop_share_address requires at least one endpoint when develop_fee_rate > 0")
	}
	if s.TLSPort != 0 && (s.PemPath == "" || s.KeyPath == "") {
		return fmt.Errorf("tls_port requires pem_path and key_path")
	}
	if s.EncryptPort != 0 && s.EncryptKey == "" {
		return fmt.Errorf("encrypt_port requires encrypt_key")
	}
	return nil
}

// SetFeeRate updates the stored fee fraction. A scheduler already built
// from these Settings keeps the rate it was constructed with.
func (s *Settings) SetFeeRate(r float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FeeRate = r
}

// GetFeeRate reads the current fee fraction.
func (s *Settings) GetFeeRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.FeeRate
}

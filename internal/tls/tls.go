// Package tls builds the API server's TLS settings, optionally generating a
// self-signed certificate on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	caCrtFile = "ca.crt"
	crtFile   = "tls.crt"
	keyFile   = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

func parseVersion(v string) (uint16, error) {
	switch strings.ToLower(v) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", v)
}

// Paths returns the certificate and key files the config resolves to.
func (c Config) Paths() (cert, key string) {
	if c.CertFile != "" && c.KeyFile != "" {
		return c.CertFile, c.KeyFile
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, crtFile), filepath.Join(c.Dir, keyFile)
	}
	return "", ""
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over
// Dir; a Dir without certificates is populated when AutoGenerate is set.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	cert, key := c.Paths()
	if cert == "" {
		return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}
	if c.CertFile == "" && c.AutoGenerate && !exists(cert, key) {
		if err := generate(c); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	if !exists(cert, key) {
		return nil, fmt.Errorf("certificate %s or key %s not found", cert, key)
	}
	// #nosec G402 min version is configurable down to 1.2 only
	return &tls.Config{
		GetCertificate: reloading(cert, key),
		MinVersion:     minVer,
	}, nil
}

// reloading reads the pair on every handshake so rotated files are picked up.
func reloading(cert, key string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		pair, err := tls.LoadX509KeyPair(filepath.Clean(cert), filepath.Clean(key))
		if err != nil {
			return nil, err
		}
		return &pair, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

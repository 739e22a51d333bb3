// Package tls builds the server-side TLS configuration of the ops API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

// Config selects certificates either as explicit files or as tls.crt and
// tls.key inside Dir, optionally generated on first start.
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	MinVersion   string `mapstructure:"min_version"`
}

// Paths returns the certificate and key locations.
func (c Config) Paths() (cert, key string) {
	if c.CertFile != "" && c.KeyFile != "" {
		return c.CertFile, c.KeyFile
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, tlsCrt), filepath.Join(c.Dir, tlsKey)
	}
	return "", ""
}

func parseTLSVersion(ver string) (uint16, error) {
	switch ver {
	case "", "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported tls version %q", ver)
	}
}

// Setup returns nil when TLS is disabled.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := c.Paths()
	if certPath == "" {
		return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}
	if c.AutoGenerate && c.CertFile == "" && !exists(certPath, keyPath) {
		if err := os.MkdirAll(c.Dir, 0o700); err != nil {
			return nil, err
		}
		host, _ := os.Hostname()
		err := GenerateSelfSignedCert(CertConfig{
			CommonName:  "roomwatch",
			DNSNames:    []string{"localhost", host},
			IPAddresses: []string{"127.0.0.1", "::1"},
			NotAfter:    time.Now().AddDate(1, 0, 0),
			CertPath:    certPath,
			KeyPath:     keyPath,
		})
		if err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	// Fail at startup rather than on the first handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:     minVer,
		GetCertificate: reloading(certPath, keyPath),
	}, nil
}

// reloading re-reads the pair on every handshake so rotated files apply
// without a restart.
func reloading(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
		if err != nil {
			return nil, err
		}
		return &cert, nil
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

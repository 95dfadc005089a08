// Package tls builds the server TLS configuration of the status API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/mt5prov/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"

	defaultValidDays = 365
)

// parseTLSVersion maps "1.2"/"1.3" (optionally prefixed with "tls") to a constant.
func parseTLSVersion(ver string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ver)), "tls") {
	case "", "1.3":
		return tls.VersionTLS13, nil
	case "1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", ver)
	}
}

// Setup returns the server TLS config, or nil when TLS is not configured.
// Explicit cert and key files win over a certificate directory; in a directory
// missing files are generated when auto_generate is set.
func Setup(c config.TLSConfig) (*tls.Config, error) {
	certPath, keyPath := c.CertFile, c.KeyFile
	switch {
	case certPath != "" || keyPath != "":
		if certPath == "" || keyPath == "" {
			return nil, errors.New("tls: cert_file and key_file must be set together")
		}
	case c.Dir != "":
		certPath, keyPath = filepath.Join(c.Dir, tlsCrt), filepath.Join(c.Dir, tlsKey)
		if !certificatesExist(certPath, keyPath) {
			if !c.AutoGenerate {
				return nil, fmt.Errorf("tls: no certificate in %s and auto_generate is off", c.Dir)
			}
			if err := generateCertificate(c.Dir, c.Hosts); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, nil
	}

	minVer, err := parseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   minVer,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

// generateCertificate writes a self-signed pair valid for hosts into dir.
func generateCertificate(dir string, hosts []string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   hosts[0],
		Organization: "mt5prov",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, defaultValidDays),
		CertPath:     filepath.Join(dir, tlsCrt),
		KeyPath:      filepath.Join(dir, tlsKey),
		CACertPath:   filepath.Join(dir, tlsCaCrt),
	})
}

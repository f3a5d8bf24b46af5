package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config is the [server.tls] section. Explicit cert/key files win over Dir;
// with Dir and AutoGenerate a self-signed pair is created on first use.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
	Dir          string        `mapstructure:"dir"`
	AutoGenerate bool          `mapstructure:"auto_generate"`
	MinVersion   string        `mapstructure:"min_version"`
	MaxVersion   string        `mapstructure:"max_version"`
	AutoGen      AutoGenConfig `mapstructure:"auto_gen"`
}

type AutoGenConfig struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Validate checks the section without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	for _, v := range []string{c.MinVersion, c.MaxVersion} {
		if _, ok := parseVersion(v); !ok && v != "" && v != "default" {
			errs = append(errs, fmt.Errorf("server.tls: unknown TLS version %q", v))
		}
	}
	minV, maxV := c.versions()
	if minV > maxV {
		errs = append(errs, errors.New("server.tls: min_version is above max_version"))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: cert_file and key_file must be set together"))
	}
	if c.CertFile == "" && c.Dir == "" {
		errs = append(errs, errors.New("server.tls: enabled but neither cert_file nor dir is set"))
	}
	return errors.Join(errs...)
}

func (c Config) versions() (minV, maxV uint16) {
	minV, maxV = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseVersion(c.MinVersion); ok {
		minV = v
	}
	if v, ok := parseVersion(c.MaxVersion); ok {
		maxV = v
	}
	return minV, maxV
}

// Setup returns the server TLS config, or nil when TLS is disabled.
// Certificates are re-read on every handshake so a rotated pair is picked up
// without a restart.
func (c Config) Setup() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		certPath, keyPath = filepath.Join(c.Dir, tlsCrt), filepath.Join(c.Dir, tlsKey)
		if c.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := c.generate(); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	minV, maxV := c.versions()
	// #nosec G402 TLS 1.2 may be enabled explicitly
	return &tls.Config{
		GetCertificate: certificateLoader(certPath, keyPath),
		MinVersion:     minV,
		MaxVersion:     maxV,
	}, nil
}

// safeReadFile reads p only if it lies inside baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	absBase, _ := filepath.Abs(baseDir)
	absFile, _ := filepath.Abs(clean)
	if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
		return nil, errors.New("file path outside of allowed directory")
	}
	return os.ReadFile(clean)
}

func certificateLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := safeReadFile(filepath.Dir(certFile), certFile)
		if err != nil {
			return nil, err
		}
		key, err := safeReadFile(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(cert, key)
		return &pair, err
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func (c Config) generate() error {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	g := c.AutoGen
	days := g.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   valOr(g.CommonName, "localhost"),
		Organization: valOr(g.Organization, "procwarden"),
		DNSNames:     sliceOr(g.DNSNames, []string{"localhost"}),
		IPAddresses:  sliceOr(g.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(c.Dir, tlsCrt),
		KeyPath:      filepath.Join(c.Dir, tlsKey),
		CACertPath:   filepath.Join(c.Dir, tlsCaCrt),
	})
}

func valOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func sliceOr(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

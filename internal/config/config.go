package config

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/pshima/interlope/pkg/certificates"
	"github.com/pshima/interlope/pkg/proxy"
)

// Config holds all application configuration
type Config struct {
	Port int    `json:"port" yaml:"port"`
	Host string `json:"host" yaml:"host"`

	LogFile       string `json:"log_file" yaml:"log_file"`
	LogFormat     string `json:"log_format" yaml:"log_format"`
	LogMaxSizeMB  int    `json:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `json:"log_max_backups" yaml:"log_max_backups"`
	LogMaxAgeDays int    `json:"log_max_age_days" yaml:"log_max_age_days"`
	LogCompress   bool   `json:"log_compress" yaml:"log_compress"`
	Verbose       bool   `json:"verbose" yaml:"verbose"`

	// Certificate authority and leaf generation.
	CACert           string `json:"ca_cert" yaml:"ca_cert"`
	CAKey            string `json:"ca_key" yaml:"ca_key"`
	AutoGenerateCA   bool   `json:"auto_generate_ca" yaml:"auto_generate_ca"`
	CertStoreDir     string `json:"cert_store_dir" yaml:"cert_store_dir"`
	PersistLeaves    bool   `json:"persist_leaves" yaml:"persist_leaves"`
	KeyAlgorithm     string `json:"key_algorithm" yaml:"key_algorithm"`
	CertKeySize      int    `json:"cert_key_size" yaml:"cert_key_size"`
	CertValidityDays int    `json:"cert_validity_days" yaml:"cert_validity_days"`
	SharedLeafKey    bool   `json:"shared_leaf_key" yaml:"shared_leaf_key"`

	// Interception.
	HTTPSInterception          bool     `json:"https_interception" yaml:"https_interception"`
	HTTPSBypassDomains         []string `json:"https_bypass_domains" yaml:"https_bypass_domains"`
	HTTPSOnlyDomains           []string `json:"https_only_domains" yaml:"https_only_domains"`
	HTTPSRejectNonTLS          bool     `json:"https_reject_non_tls" yaml:"https_reject_non_tls"`
	UpstreamInsecureSkipVerify bool     `json:"upstream_insecure_skip_verify" yaml:"upstream_insecure_skip_verify"`
	HTTP2                      bool     `json:"http2" yaml:"http2"`
	PreserveHeaderCase         bool     `json:"preserve_header_case" yaml:"preserve_header_case"`

	ReadHeaderTimeout Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
	IdleTimeout       Duration `json:"idle_timeout" yaml:"idle_timeout"`
	HandshakeTimeout  Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	UpstreamTimeout   Duration `json:"upstream_timeout" yaml:"upstream_timeout"`
	DrainTimeout      Duration `json:"drain_timeout" yaml:"drain_timeout"`

	// WebSocketCloseTimeout bounds the wait for the second half of a
	// WebSocket close handshake.
	WebSocketCloseTimeout Duration `json:"websocket_close_timeout" yaml:"websocket_close_timeout"`

	// AdminAddr serves health, metrics and the CA certificate. Empty disables.
	AdminAddr  string `json:"admin_addr" yaml:"admin_addr"`
	BufferSize int    `json:"buffer_size" yaml:"buffer_size"`
}

// CLIOptions represents command-line options. Zero values leave the file or
// default setting alone; the *Set flags mark booleans given explicitly.
type CLIOptions struct {
	Port      int
	Host      string
	LogFile   string
	CACert    string
	CAKey     string
	AdminAddr string

	Verbose    bool
	VerboseSet bool

	HTTPSInterception    bool
	HTTPSInterceptionSet bool

	HTTPSBypassDomains []string
	DrainTimeout       time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Port:               8080,
		LogFile:            "interlope.log",
		LogFormat:          "text",
		LogMaxSizeMB:       100,
		LogMaxBackups:      3,
		LogMaxAgeDays:      28,
		AutoGenerateCA:     true,
		CertStoreDir:       "./certs",
		KeyAlgorithm:       string(certificates.KeyAlgorithmRSA),
		CertKeySize:        2048,
		CertValidityDays:   365,
		HTTPSInterception:  true,
		HTTP2:              true,
		PreserveHeaderCase: true,
		ReadHeaderTimeout:  Duration{30 * time.Second},
		IdleTimeout:        Duration{120 * time.Second},
		HandshakeTimeout:   Duration{10 * time.Second},
		UpstreamTimeout:    Duration{30 * time.Second},
		DrainTimeout:       Duration{10 * time.Second},
		BufferSize:         32 * 1024,

		WebSocketCloseTimeout: Duration{5 * time.Second},
	}
}

// Load loads configuration from file and merges with CLI options. Files
// ending in .yaml or .yml are parsed as YAML, anything else as JSON.
func Load(configFile string, cliOpts CLIOptions) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, xerrors.Errorf("failed to read config file: %w", err)
		}

		if isYAML(configFile) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, xerrors.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.apply(cliOpts)

	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) apply(cliOpts CLIOptions) {
	if cliOpts.Port != 0 {
		c.Port = cliOpts.Port
	}
	if cliOpts.Host != "" {
		c.Host = cliOpts.Host
	}
	if cliOpts.LogFile != "" {
		c.LogFile = cliOpts.LogFile
	}
	if cliOpts.CACert != "" {
		c.CACert = cliOpts.CACert
	}
	if cliOpts.CAKey != "" {
		c.CAKey = cliOpts.CAKey
	}
	if cliOpts.AdminAddr != "" {
		c.AdminAddr = cliOpts.AdminAddr
	}
	if cliOpts.VerboseSet {
		c.Verbose = cliOpts.Verbose
	}
	if cliOpts.HTTPSInterceptionSet {
		c.HTTPSInterception = cliOpts.HTTPSInterception
	}
	if len(cliOpts.HTTPSBypassDomains) > 0 {
		c.HTTPSBypassDomains = append(c.HTTPSBypassDomains, cliOpts.HTTPSBypassDomains...)
	}
	if cliOpts.DrainTimeout > 0 {
		c.DrainTimeout = Duration{cliOpts.DrainTimeout}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return xerrors.Errorf("invalid port number: %d", c.Port)
	}

	if (c.CACert == "") != (c.CAKey == "") {
		return xerrors.New("ca_cert and ca_key must be set together")
	}
	if c.HTTPSInterception && c.CACert == "" && !c.AutoGenerateCA {
		return xerrors.New("HTTPS interception requires ca_cert/ca_key or auto_generate_ca")
	}
	if (c.AutoGenerateCA || c.PersistLeaves) && c.CertStoreDir == "" {
		return xerrors.New("cert_store_dir must be set")
	}

	alg := certificates.KeyAlgorithm(c.KeyAlgorithm)
	if err := alg.Validate(); err != nil {
		return err
	}
	if alg == certificates.KeyAlgorithmRSA && c.CertKeySize < 1024 {
		return xerrors.New("cert_key_size must be at least 1024 bits")
	}
	if c.CertValidityDays < 1 {
		return xerrors.New("cert_validity_days must be positive")
	}

	for _, pattern := range append(append([]string{}, c.HTTPSBypassDomains...), c.HTTPSOnlyDomains...) {
		if err := proxy.ValidateDomainPattern(pattern); err != nil {
			return err
		}
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		return xerrors.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}

	for name, d := range map[string]Duration{
		"read_header_timeout":     c.ReadHeaderTimeout,
		"idle_timeout":            c.IdleTimeout,
		"handshake_timeout":       c.HandshakeTimeout,
		"upstream_timeout":        c.UpstreamTimeout,
		"drain_timeout":           c.DrainTimeout,
		"websocket_close_timeout": c.WebSocketCloseTimeout,
	} {
		if d.Duration < 0 {
			return xerrors.Errorf("%s must not be negative", name)
		}
	}

	if c.BufferSize < 4096 {
		return xerrors.New("buffer_size must be at least 4096 bytes")
	}

	return nil
}

// CAPaths returns the CA certificate and key paths, defaulting to files in
// CertStoreDir.
func (c *Config) CAPaths() (certPath, keyPath string) {
	if c.CACert != "" {
		return c.CACert, c.CAKey
	}
	return filepath.Join(c.CertStoreDir, "ca.crt"), filepath.Join(c.CertStoreDir, "ca.key")
}

// TunnelPolicy returns the CONNECT interception policy.
func (c *Config) TunnelPolicy() proxy.TunnelPolicy {
	return proxy.TunnelPolicy{
		Intercept:     c.HTTPSInterception,
		BypassDomains: c.HTTPSBypassDomains,
		OnlyDomains:   c.HTTPSOnlyDomains,
		RejectNonTLS:  c.HTTPSRejectNonTLS,
	}
}

// ServerOptions returns the client-facing connection settings.
func (c *Config) ServerOptions() proxy.ServerOptions {
	return proxy.ServerOptions{
		DisableHeaderCase:     !c.PreserveHeaderCase,
		DisableHTTP2:          !c.HTTP2,
		ReadHeaderTimeout:     c.ReadHeaderTimeout.Duration,
		IdleTimeout:           c.IdleTimeout.Duration,
		HandshakeTimeout:      c.HandshakeTimeout.Duration,
		BufferSize:            c.BufferSize,
		CloseHandshakeTimeout: c.WebSocketCloseTimeout.Duration,
	}
}

// ListenAddr is the proxy bind address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Save writes the configuration to a file, as YAML when the name ends in
// .yaml or .yml.
func (c *Config) Save(filename string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return xerrors.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return xerrors.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func isYAML(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

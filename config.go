package wsbridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/logger"
	"github.com/outofforest/wsbridge/encoding"
	"github.com/outofforest/wsbridge/transport"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportStream    = "stream"
)

// SecurityNone disables encryption.
const SecurityNone = "none"

const (
	defaultHost           = "localhost"
	defaultMaxMessageSize = 64 * 1024 * 1024
	homeConfigDir         = ".wsbridge"
)

// ErrInvalidConfig is returned when configuration is rejected.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the configuration of an endpoint.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Security set to "none" selects plain transport, anything else selects encrypted one.
	Security string `yaml:"security"`

	Encoding  string `yaml:"encoding"`
	Transport string `yaml:"transport"`

	Authentication Authentication `yaml:"authentication"`

	// CertAuthorities are extra trust anchors loaded on top of the system ones.
	CertAuthorities []string `yaml:"cert_authorities"`

	MaxMessageSize uint64 `yaml:"max_message_size"`

	// Dir is the directory certificate files are searched in first.
	Dir string `yaml:"-"`
}

// Authentication configures authentication of the connection.
type Authentication struct {
	// Token is attached to every connection attempt as a subprotocol.
	Token string `yaml:"token"`
}

type rawConfig struct {
	Host            string         `yaml:"host"`
	Port            *string        `yaml:"port"`
	Security        string         `yaml:"security"`
	Encoding        string         `yaml:"encoding"`
	Transport       string         `yaml:"transport"`
	Authentication  Authentication `yaml:"authentication"`
	CertAuthorities []string       `yaml:"cert_authorities"`
	MaxMessageSize  uint64         `yaml:"max_message_size"`
}

// LoadConfig loads configuration from YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.WithStack(err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Config{}, errors.WithStack(err)
	}

	return ParseConfig(data, dir)
}

// ParseConfig parses YAML configuration. Dir is the directory relative certificate paths are resolved in.
func ParseConfig(data []byte, dir string) (Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "parsing yaml: %s", err)
	}

	if raw.Port == nil {
		return Config{}, errors.Wrap(ErrInvalidConfig, "port is required")
	}
	port, err := strconv.ParseUint(strings.TrimSpace(*raw.Port), 10, 16)
	if err != nil {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "port %q is not a valid port number", *raw.Port)
	}

	config := Config{
		Host:            raw.Host,
		Port:            int(port),
		Security:        raw.Security,
		Encoding:        raw.Encoding,
		Transport:       raw.Transport,
		Authentication:  raw.Authentication,
		CertAuthorities: raw.CertAuthorities,
		MaxMessageSize:  raw.MaxMessageSize,
		Dir:             dir,
	}
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate verifies the configuration. All the detected problems are reported.
func (c Config) Validate() error {
	var err error
	if c.Port < 0 || c.Port > 65535 {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidConfig, "port %d is out of range", c.Port))
	}
	if _, encErr := encoding.New(c.Encoding); encErr != nil {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidConfig, "%s", encErr))
	}

	switch strings.ToLower(c.Transport) {
	case "", TransportWebSocket:
	case TransportStream:
		if c.Secure() {
			err = multierr.Append(err, errors.Wrap(ErrInvalidConfig,
				"stream transport does not support encryption, set security to none"))
		}
		if c.Authentication.Token != "" {
			err = multierr.Append(err, errors.Wrap(ErrInvalidConfig,
				"stream transport does not support authentication token"))
		}
	default:
		err = multierr.Append(err, errors.Wrapf(ErrInvalidConfig, "unknown transport %q", c.Transport))
	}

	return err
}

// Secure tells if encrypted transport is selected.
func (c Config) Secure() bool {
	return !strings.EqualFold(c.Security, SecurityNone)
}

// Address returns the host:port address of the peer.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URI returns the URI connections are dialed to.
func (c Config) URI() string {
	if strings.EqualFold(c.Transport, TransportStream) {
		return transport.StreamScheme + c.Address()
	}
	if c.Secure() {
		return "wss://" + c.Address()
	}
	return "ws://" + c.Address()
}

// ResolveCertificate returns the path of certificate file. Absolute path is used as is, relative one is
// searched in the configuration directory and then in the home directory.
func (c Config) ResolveCertificate(name string) (string, error) {
	var candidates []string
	if filepath.IsAbs(name) {
		candidates = append(candidates, name)
	} else {
		if c.Dir != "" {
			candidates = append(candidates, filepath.Join(c.Dir, name))
		}
		if home, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, filepath.Join(home, homeConfigDir, name))
		}
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", errors.Wrapf(ErrInvalidConfig, "certificate %q not found, checked paths: %s",
		name, strings.Join(candidates, ", "))
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Encoding == "" {
		c.Encoding = encoding.JSON
	}
	if c.Transport == "" {
		c.Transport = TransportWebSocket
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
}

func (c Config) tlsConfig() (*tls.Config, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}

	for _, name := range c.CertAuthorities {
		path, err := c.ResolveCertificate(name)
		if err != nil {
			return nil, err
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Wrapf(ErrInvalidConfig, "no certificates found in %s", path)
		}
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
		ServerName: c.Host,
	}, nil
}

// build creates encoding and transport selected by the configuration.
func (c Config) build(ctx context.Context, client bool) (encoding.Encoding, Transport, error) {
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	enc, err := encoding.New(c.Encoding)
	if err != nil {
		return nil, nil, err
	}

	log := logger.Get(ctx)

	if strings.EqualFold(c.Transport, TransportStream) {
		log.Info("Security disabled", zap.String("transport", TransportStream))
		return enc, transport.NewStream(transport.StreamConfig{
			MaxMessageSize: c.MaxMessageSize,
		}), nil
	}

	wsConfig := transport.WebSocketConfig{
		MaxMessageSize: int64(c.MaxMessageSize),
	}
	if c.Authentication.Token != "" {
		wsConfig.Subprotocols = []string{c.Authentication.Token}
	}

	if client && c.Secure() {
		tlsConfig, err := c.tlsConfig()
		if err != nil {
			return nil, nil, err
		}
		wsConfig.TLS = tlsConfig
		log.Info("Security enabled", zap.Strings("certAuthorities", c.CertAuthorities))
	} else {
		log.Info("Security disabled")
	}

	return enc, transport.NewWebSocket(wsConfig), nil
}

func (c Config) String() string {
	return fmt.Sprintf("%s (encoding: %s)", c.URI(), c.Encoding)
}

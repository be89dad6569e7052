// Package config holds the validated configuration record consumed by the
// client, the persisted device identifier and the TLS/proxy policy derived
// from it.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/wrlabs/devicecloud/status"
)

const (
	// DefaultThreadCount is the worker pool size.
	DefaultThreadCount = 3
	// DefaultLoopTime is the driver loop tick in seconds.
	DefaultLoopTime = 1
	// DefaultKeepAlive of 0 retries reconnection forever.
	DefaultKeepAlive = 0

	// DeviceIDFile is the name of the persisted identifier file in the
	// config directory.
	DeviceIDFile = "device_id"

	// MaxThingKeyLen is the broker's limit on the MQTT username.
	MaxThingKeyLen = 64
)

// SecurePorts require a TLS context.
var SecurePorts = []int{443, 8883}

// Cloud describes the broker endpoint.
type Cloud struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

// Proxy is an optional proxy descriptor for all cloud-bound sockets.
type Proxy struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// URL renders the descriptor for net/http proxy selection.
func (p *Proxy) URL() (*url.URL, error) {
	scheme := ""
	switch strings.ToUpper(p.Type) {
	case "SOCKS5":
		scheme = "socks5"
	case "HTTP":
		scheme = "http"
	default:
		return nil, status.Errorf(status.NotSupported,
			"unsupported proxy type %q", p.Type)
	}
	u := &url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", p.Host, p.Port)}
	if p.Username != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u, nil
}

// Config is the client configuration. It is immutable after Initialize.
type Config struct {
	AppID      string `yaml:"app_id"`
	ConfigDir  string `yaml:"config_dir"`
	ConfigFile string `yaml:"config_file"`
	DeviceID   string `yaml:"device_id"`

	Cloud Cloud `yaml:"cloud"`

	// ValidateCloudCert defaults to true when absent.
	ValidateCloudCert *bool  `yaml:"validate_cloud_cert"`
	CABundleFile      string `yaml:"ca_bundle_file"`

	Proxy Proxy `yaml:"proxy"`

	KeepAlive   int `yaml:"keep_alive"` // seconds, 0 = retry forever
	LoopTime    int `yaml:"loop_time"`  // seconds
	ThreadCount int `yaml:"thread_count"`

	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	// ThingKey is derived by Initialize as "<device-id>-<app-id>".
	ThingKey string `yaml:"-"`

	initialized bool
}

// Initialize loads the optional configuration file, applies defaults,
// loads or generates the persisted device identifier and derives the
// thing key. It must be called once before the configuration is used and
// fails without side effects on bad input.
func (c *Config) Initialize() error {
	if c.ConfigDir == "" {
		c.ConfigDir = "."
	}
	if c.ConfigFile != "" {
		path := c.ConfigFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.ConfigDir, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return status.Errorf(status.NotFound, "config file %s not found", path)
			}
			return status.Errorf(status.IOError, "config file %s: %v", path, err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return status.Errorf(status.ParseError, "config file %s: %v", path, err)
		}
	}

	if c.LoopTime <= 0 {
		c.LoopTime = DefaultLoopTime
	}
	if c.ThreadCount <= 0 {
		c.ThreadCount = DefaultThreadCount
	}
	if c.KeepAlive < 0 {
		c.KeepAlive = DefaultKeepAlive
	}

	if c.AppID == "" {
		return status.Errorf(status.BadParameter, "missing app id from configuration")
	}
	if c.Cloud.Token == "" {
		return status.Errorf(status.BadParameter, "missing cloud token from configuration")
	}

	if c.Proxy.Host != "" {
		switch strings.ToUpper(c.Proxy.Type) {
		case "SOCKS5", "HTTP":
			if c.Proxy.Port == 0 {
				return status.Errorf(status.BadParameter, "missing proxy port from configuration")
			}
		case "SOCKS4":
			return status.Errorf(status.NotSupported, "SOCKS4 proxies are not supported")
		default:
			return status.Errorf(status.BadParameter,
				"invalid proxy type %q, supported types are SOCKS5/HTTP", c.Proxy.Type)
		}
	}

	if c.DeviceID == "" {
		id, err := loadOrCreateDeviceID(filepath.Join(c.ConfigDir, DeviceIDFile))
		if err != nil {
			return err
		}
		c.DeviceID = id
	}

	key := c.DeviceID + "-" + c.AppID
	if len(key) > MaxThingKeyLen {
		return status.Errorf(status.BadParameter,
			"thing key %q exceeds %d bytes", key, MaxThingKeyLen)
	}
	c.ThingKey = key
	c.initialized = true
	return nil
}

// Initialized reports whether Initialize completed.
func (c *Config) Initialized() bool {
	return c.initialized
}

// ValidateCert reports whether cloud certificates must be verified.
func (c *Config) ValidateCert() bool {
	return c.ValidateCloudCert == nil || *c.ValidateCloudCert
}

// SecurePort reports whether the configured broker port requires TLS.
func (c *Config) SecurePort() bool {
	for _, p := range SecurePorts {
		if c.Cloud.Port == p {
			return true
		}
	}
	return false
}

// LoopTick is the driver loop tick as a duration.
func (c *Config) LoopTick() time.Duration {
	return time.Duration(c.LoopTime) * time.Second
}

// KeepAliveBudget is the reconnection budget, 0 meaning unbounded.
func (c *Config) KeepAliveBudget() time.Duration {
	return time.Duration(c.KeepAlive) * time.Second
}

// HasProxy reports whether a proxy descriptor is configured.
func (c *Config) HasProxy() bool {
	return c.Proxy.Host != ""
}

// TLSClientConfig builds the TLS policy shared by the MQTT transport and
// the HTTP file client: no verification when validation is disabled,
// otherwise the configured trust bundle with hostname checking.
func (c *Config) TLSClientConfig() (*tls.Config, error) {
	if !c.ValidateCert() {
		return &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}, nil
	}
	if c.CABundleFile == "" {
		return nil, status.Errorf(status.BadParameter,
			"missing certificate bundle from configuration")
	}
	pem, err := os.ReadFile(c.CABundleFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(status.NotFound, "certificate bundle not found")
		}
		return nil, status.Errorf(status.IOError, "certificate bundle: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, status.Errorf(status.ParseError,
			"certificate bundle %s contains no certificates", c.CABundleFile)
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
		ServerName: c.Cloud.Host,
	}, nil
}

func loadOrCreateDeviceID(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(b))
		if id == "" {
			return "", status.Errorf(status.ParseError, "device id file %s is empty", path)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", status.Errorf(status.IOError, "device id file %s: %v", path, err)
	}
	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", status.Errorf(status.IOError, "device id file %s: %v", path, err)
	}
	return id, nil
}

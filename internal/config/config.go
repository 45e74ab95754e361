package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	yaml "github.com/goccy/go-yaml"

	"github.com/avhub/avhub/internal/logging"
)

// ErrConfigPathEmpty is returned by Save when the configuration has no
// backing file, e.g. when the daemon runs on built-in defaults.
var ErrConfigPathEmpty = errors.New("config path is empty")

var (
	errLogLevelInvalid          = errors.New("log.level must be one of trace|debug|info|warn|error|fatal|panic")
	errLogFormatInvalid         = errors.New("log.format must be json or console")
	errAddressMustBeHostPort    = errors.New("address must be host:port or :port")
	errMQTTBrokerRequired       = errors.New("mqtt.broker is required when mqtt is enabled")
	errMQTTQoSInvalid           = errors.New("mqtt.qos must be 0, 1 or 2")
	errMQTTPrefixInvalid        = errors.New("mqtt.prefix must not contain spaces or wildcard characters")
	errStorePathRequired        = errors.New("store.path is required when store is enabled")
	errScanIntervalInvalid      = errors.New("scan_interval must be positive")
	errProbeIntervalInvalid     = errors.New("probe_interval must be positive")
	errProbeThresholdInvalid    = errors.New("probe_failure_threshold must be positive")
	errRemovalGraceInvalid      = errors.New("removal_grace_cycles must be positive")
	errNoDiscoveryMethods       = errors.New("at least one discovery method is required")
	errUnknownDiscoveryMethod   = errors.New("unknown discovery method")
	errDuplicateDiscoveryMethod = errors.New("duplicate discovery method")
	errMDNSServiceEmpty         = errors.New("mdns service name cannot be empty")
)

const (
	defaultScanInterval   = 60
	defaultProbeInterval  = 30
	defaultProbeThreshold = 3
	defaultRemovalGrace   = 3
	defaultStopGrace      = 5
	defaultProbeTimeout   = 5
	defaultScannerTimeout = 5
	defaultFilePerm       = 0o600

	defaultHTTPListen  = ":8080"
	defaultStorePath   = "/var/lib/avhub/devices.db"
	defaultMQTTPrefix  = "avhub"
	defaultVideoGlob   = "/dev/video*"
	defaultUPnPTarget  = "upnp:rootdevice"
	defaultMDNSService = "_rtsp._tcp.local."
)

// LogConfig defines logging configuration.
type LogConfig struct {
	Level  string `json:"level,omitempty"  yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// HTTPConfig defines the ops HTTP server settings.
// Enabled is a pointer so an absent key defaults to true while an
// explicit false still disables the server.
type HTTPConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"  yaml:"listen,omitempty"`
}

// IsEnabled reports whether the ops HTTP server should run.
func (h *HTTPConfig) IsEnabled() bool { return h.Enabled == nil || *h.Enabled }

// MQTTConfig defines the optional MQTT bridge settings.
// Username and Password are credentials and must never reach log output.
type MQTTConfig struct {
	Enabled  bool   `json:"enabled,omitempty"   yaml:"enabled,omitempty"`
	Broker   string `json:"broker,omitempty"    yaml:"broker,omitempty"`
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username string `json:"-"                   yaml:"username,omitempty"`
	Password string `json:"-"                   yaml:"password,omitempty"`
	Prefix   string `json:"prefix,omitempty"    yaml:"prefix,omitempty"`
	QoS      int    `json:"qos,omitempty"       yaml:"qos,omitempty"`
}

// StoreConfig defines the persistence settings.
type StoreConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `json:"path,omitempty"    yaml:"path,omitempty"`
}

// IsEnabled reports whether the device store should run.
func (s *StoreConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// ONVIFConfig tunes the WS-Discovery scanner.
type ONVIFConfig struct {
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Deadline returns the per-scan timeout.
func (c *ONVIFConfig) Deadline() time.Duration { return secondsOr(c.Timeout, defaultScannerTimeout) }

// UPnPConfig tunes the SSDP scanner.
type UPnPConfig struct {
	Timeout      int    `json:"timeout,omitempty"       yaml:"timeout,omitempty"`
	SearchTarget string `json:"search_target,omitempty" yaml:"search_target,omitempty"`
}

// Deadline returns the per-scan timeout.
func (c *UPnPConfig) Deadline() time.Duration { return secondsOr(c.Timeout, defaultScannerTimeout) }

// MDNSConfig tunes the mDNS/DNS-SD scanner.
type MDNSConfig struct {
	Timeout  int      `json:"timeout,omitempty"  yaml:"timeout,omitempty"`
	Services []string `json:"services,omitempty" yaml:"services,omitempty"`
}

// Deadline returns the per-scan timeout.
func (c *MDNSConfig) Deadline() time.Duration { return secondsOr(c.Timeout, defaultScannerTimeout) }

// V4L2Config tunes the video4linux scanner.
type V4L2Config struct {
	Timeout int    `json:"timeout,omitempty"  yaml:"timeout,omitempty"`
	DevGlob string `json:"dev_glob,omitempty" yaml:"dev_glob,omitempty"`
}

// Deadline returns the per-scan timeout.
func (c *V4L2Config) Deadline() time.Duration { return secondsOr(c.Timeout, defaultScannerTimeout) }

// Glob returns the device node pattern to enumerate.
func (c *V4L2Config) Glob() string {
	if c.DevGlob == "" {
		return defaultVideoGlob
	}

	return c.DevGlob
}

// ALSAConfig tunes the ALSA scanner.
type ALSAConfig struct {
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Deadline returns the per-scan timeout.
func (c *ALSAConfig) Deadline() time.Duration { return secondsOr(c.Timeout, defaultScannerTimeout) }

// DomainConfig holds the lifecycle settings shared by both device domains.
// Interval fields are plain seconds in YAML; use the accessor methods for
// time.Duration values.
type DomainConfig struct {
	ScanInterval          int      `json:"scan_interval,omitempty"           yaml:"scan_interval,omitempty"`
	DiscoveryMethods      []string `json:"discovery_methods,omitempty"       yaml:"discovery_methods,omitempty"`
	ProbeInterval         int      `json:"probe_interval,omitempty"          yaml:"probe_interval,omitempty"`
	ProbeFailureThreshold int      `json:"probe_failure_threshold,omitempty" yaml:"probe_failure_threshold,omitempty"`
	RemovalGraceCycles    int      `json:"removal_grace_cycles,omitempty"    yaml:"removal_grace_cycles,omitempty"`
	StopGrace             int      `json:"stop_grace,omitempty"              yaml:"stop_grace,omitempty"`
	ProbeTimeout          int      `json:"probe_timeout,omitempty"           yaml:"probe_timeout,omitempty"`
}

// ScanEvery returns the discovery cycle period.
func (d *DomainConfig) ScanEvery() time.Duration {
	return secondsOr(d.ScanInterval, defaultScanInterval)
}

// ProbeEvery returns the health probe period.
func (d *DomainConfig) ProbeEvery() time.Duration {
	return secondsOr(d.ProbeInterval, defaultProbeInterval)
}

// ProbeDeadline returns the per-probe timeout.
func (d *DomainConfig) ProbeDeadline() time.Duration {
	return secondsOr(d.ProbeTimeout, defaultProbeTimeout)
}

// StopTimeout returns how long Stop waits for workers to drain.
func (d *DomainConfig) StopTimeout() time.Duration {
	return secondsOr(d.StopGrace, defaultStopGrace)
}

// FailureThreshold returns the consecutive probe failures needed for offline.
func (d *DomainConfig) FailureThreshold() int {
	if d.ProbeFailureThreshold <= 0 {
		return defaultProbeThreshold
	}

	return d.ProbeFailureThreshold
}

// GraceCycles returns how many consecutive missed cycles precede removal.
func (d *DomainConfig) GraceCycles() int {
	if d.RemovalGraceCycles <= 0 {
		return defaultRemovalGrace
	}

	return d.RemovalGraceCycles
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}

	return time.Duration(v) * time.Second
}

// LocalDevicesConfig configures the local capture device domain.
type LocalDevicesConfig struct {
	DomainConfig `yaml:",inline"`

	V4L2 V4L2Config `json:"v4l2,omitempty" yaml:"v4l2,omitempty"`
	ALSA ALSAConfig `json:"alsa,omitempty" yaml:"alsa,omitempty"`
}

// NetworkDevicesConfig configures the network camera domain.
type NetworkDevicesConfig struct {
	DomainConfig `yaml:",inline"`

	ONVIF ONVIFConfig `json:"onvif,omitempty" yaml:"onvif,omitempty"`
	UPnP  UPnPConfig  `json:"upnp,omitempty"  yaml:"upnp,omitempty"`
	MDNS  MDNSConfig  `json:"mdns,omitempty"  yaml:"mdns,omitempty"`
}

// Config is the main application configuration.
type Config struct {
	AppName        string               `yaml:"app_name,omitempty"`
	Log            LogConfig            `yaml:"log,omitempty"`
	HTTP           HTTPConfig           `yaml:"http,omitempty"`
	MQTT           MQTTConfig           `yaml:"mqtt,omitempty"`
	Store          StoreConfig          `yaml:"store,omitempty"`
	LocalDevices   LocalDevicesConfig   `yaml:"local_devices,omitempty"`
	NetworkDevices NetworkDevicesConfig `yaml:"network_devices,omitempty"`
	Path           string               `yaml:"-"`
}

// global mutex to serialize YAML writes.
var saveMu sync.Mutex //nolint:gochecknoglobals // global mutex for config writes

// knownLocalMethods and knownNetworkMethods list valid discovery_methods
// entries per domain; order in config defines merge precedence.
var (
	knownLocalMethods   = []string{"v4l2", "alsa"}          //nolint:gochecknoglobals // static method set
	knownNetworkMethods = []string{"onvif", "upnp", "mdns"} //nolint:gochecknoglobals // static method set
)

// SafeMQTTConfig is the MQTT section with credentials stripped.
type SafeMQTTConfig struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	QoS      int    `json:"qos"`
}

// SafeHTTPConfig is the HTTP section with the enabled default resolved.
type SafeHTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"`
}

// SafeStoreConfig is the store section with the enabled default resolved.
type SafeStoreConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SafeConfig represents a configuration without sensitive data for API responses.
type SafeConfig struct {
	AppName        string               `json:"app_name,omitempty"`
	Log            LogConfig            `json:"log,omitzero"`
	HTTP           SafeHTTPConfig       `json:"http,omitzero"`
	MQTT           SafeMQTTConfig       `json:"mqtt,omitzero"`
	Store          SafeStoreConfig      `json:"store,omitzero"`
	LocalDevices   LocalDevicesConfig   `json:"local_devices,omitzero"`
	NetworkDevices NetworkDevicesConfig `json:"network_devices,omitzero"`
}

// ToSafeConfig converts Config to SafeConfig (without sensitive data).
// The broker URL is redacted because it may embed credentials.
func (c *Config) ToSafeConfig() SafeConfig {
	return SafeConfig{
		AppName: c.AppName,
		Log:     c.Log,
		HTTP: SafeHTTPConfig{
			Enabled: c.HTTP.IsEnabled(),
			Listen:  c.HTTP.Listen,
		},
		MQTT: SafeMQTTConfig{
			Enabled:  c.MQTT.Enabled,
			Broker:   logging.RedactURL(c.MQTT.Broker),
			ClientID: c.MQTT.ClientID,
			Prefix:   c.MQTT.Prefix,
			QoS:      c.MQTT.QoS,
		},
		Store: SafeStoreConfig{
			Enabled: c.Store.IsEnabled(),
			Path:    c.Store.Path,
		},
		LocalDevices:   c.LocalDevices,
		NetworkDevices: c.NetworkDevices,
	}
}

// Default returns a configuration with every default applied and no file
// backing it. Used by one-shot commands and tests.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)

	return cfg
}

// Load reads a YAML config file, applies defaults and environment
// overrides, validates and returns it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path) //nolint:gosec // config file path is validated
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

//nolint:cyclop,funlen // flat list of per-field defaults
func applyDefaults(cfg *Config) {
	if cfg.AppName == "" {
		cfg.AppName = "avhub"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "avhub"
	}

	if cfg.MQTT.Prefix == "" {
		cfg.MQTT.Prefix = defaultMQTTPrefix
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath
	}

	applyDomainDefaults(&cfg.LocalDevices.DomainConfig)
	applyDomainDefaults(&cfg.NetworkDevices.DomainConfig)

	if len(cfg.LocalDevices.DiscoveryMethods) == 0 {
		cfg.LocalDevices.DiscoveryMethods = []string{"v4l2", "alsa"}
	}

	if len(cfg.NetworkDevices.DiscoveryMethods) == 0 {
		cfg.NetworkDevices.DiscoveryMethods = []string{"onvif", "upnp", "mdns"}
	}

	if cfg.LocalDevices.V4L2.DevGlob == "" {
		cfg.LocalDevices.V4L2.DevGlob = defaultVideoGlob
	}

	if cfg.NetworkDevices.UPnP.SearchTarget == "" {
		cfg.NetworkDevices.UPnP.SearchTarget = defaultUPnPTarget
	}

	if len(cfg.NetworkDevices.MDNS.Services) == 0 {
		cfg.NetworkDevices.MDNS.Services = []string{defaultMDNSService}
	}
}

func applyDomainDefaults(d *DomainConfig) {
	if d.ScanInterval <= 0 {
		d.ScanInterval = defaultScanInterval
	}

	if d.ProbeInterval <= 0 {
		d.ProbeInterval = defaultProbeInterval
	}

	if d.ProbeFailureThreshold <= 0 {
		d.ProbeFailureThreshold = defaultProbeThreshold
	}

	if d.RemovalGraceCycles <= 0 {
		d.RemovalGraceCycles = defaultRemovalGrace
	}

	if d.StopGrace <= 0 {
		d.StopGrace = defaultStopGrace
	}

	if d.ProbeTimeout <= 0 {
		d.ProbeTimeout = defaultProbeTimeout
	}
}

// applyEnvOverrides lets deployment environments override file values
// without editing YAML.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AVHUB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if v := os.Getenv("AVHUB_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	if v := os.Getenv("AVHUB_HTTP_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}

	if v := os.Getenv("AVHUB_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}

	if v := os.Getenv("AVHUB_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}

	if v := os.Getenv("AVHUB_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	if v := os.Getenv("AVHUB_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}

// Save writes the configuration back to the original file path.
func (c *Config) Save() error {
	saveMu.Lock()
	defer saveMu.Unlock()

	if c.Path == "" {
		return ErrConfigPathEmpty
	}

	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(c.Path, out, defaultFilePerm); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", c.Path, err)
	}

	return nil
}

// Update carries the sections a runtime reconfiguration may replace.
// Broker credentials, listen addresses and the store path stay file- or
// environment-managed and are deliberately absent.
type Update struct {
	Log            *LogConfig            `json:"log,omitempty"`
	LocalDevices   *LocalDevicesConfig   `json:"local_devices,omitempty"`
	NetworkDevices *NetworkDevicesConfig `json:"network_devices,omitempty"`
}

// IsZero reports whether the update replaces nothing.
func (u Update) IsZero() bool {
	return u.Log == nil && u.LocalDevices == nil && u.NetworkDevices == nil
}

// Apply replaces the sections the update carries, re-applies defaults
// and validates. The receiver is untouched when validation fails.
func (c *Config) Apply(u Update) error {
	next := *c

	if u.Log != nil {
		next.Log = *u.Log
	}

	if u.LocalDevices != nil {
		next.LocalDevices = *u.LocalDevices
	}

	if u.NetworkDevices != nil {
		next.NetworkDevices = *u.NetworkDevices
	}

	applyDefaults(&next)

	if err := next.Validate(); err != nil {
		return err
	}

	*c = next

	return nil
}

func (c *Config) Validate() error { //nolint:cyclop
	if !validLogLevel(c.Log.Level) {
		return fmt.Errorf("%w: %q", errLogLevelInvalid, c.Log.Level)
	}

	if f := strings.ToLower(c.Log.Format); f != "" && f != "json" && f != "console" {
		return fmt.Errorf("%w: %q", errLogFormatInvalid, c.Log.Format)
	}

	if c.HTTP.IsEnabled() {
		if err := validateAddr(c.HTTP.Listen); err != nil {
			return fmt.Errorf("invalid http.listen: %w", err)
		}
	}

	if c.MQTT.Enabled {
		if strings.TrimSpace(c.MQTT.Broker) == "" {
			return errMQTTBrokerRequired
		}

		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("%w: %d", errMQTTQoSInvalid, c.MQTT.QoS)
		}

		if strings.ContainsAny(c.MQTT.Prefix, " +#") {
			return fmt.Errorf("%w: %q", errMQTTPrefixInvalid, c.MQTT.Prefix)
		}
	}

	if c.Store.IsEnabled() && strings.TrimSpace(c.Store.Path) == "" {
		return errStorePathRequired
	}

	if err := validateDomain(&c.LocalDevices.DomainConfig, knownLocalMethods); err != nil {
		return fmt.Errorf("local_devices: %w", err)
	}

	if err := validateDomain(&c.NetworkDevices.DomainConfig, knownNetworkMethods); err != nil {
		return fmt.Errorf("network_devices: %w", err)
	}

	for _, svc := range c.NetworkDevices.MDNS.Services {
		if strings.TrimSpace(svc) == "" {
			return errMDNSServiceEmpty
		}
	}

	return nil
}

func validateDomain(d *DomainConfig, known []string) error { //nolint:cyclop
	if d.ScanInterval < 0 {
		return errScanIntervalInvalid
	}

	if d.ProbeInterval < 0 {
		return errProbeIntervalInvalid
	}

	if d.ProbeFailureThreshold < 0 {
		return errProbeThresholdInvalid
	}

	if d.RemovalGraceCycles < 0 {
		return errRemovalGraceInvalid
	}

	if len(d.DiscoveryMethods) == 0 {
		return errNoDiscoveryMethods
	}

	seen := map[string]struct{}{}

	for _, m := range d.DiscoveryMethods {
		if !slices.Contains(known, m) {
			return fmt.Errorf("%w: %q", errUnknownDiscoveryMethod, m)
		}

		if _, ok := seen[m]; ok {
			return fmt.Errorf("%w: %q", errDuplicateDiscoveryMethod, m)
		}

		seen[m] = struct{}{}
	}

	return nil
}

func validLogLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trace", "debug", "info", "warn", "error", "fatal", "panic":
		return true
	default:
		return false
	}
}

func validateAddr(addr string) error {
	if !strings.HasPrefix(addr, ":") && !strings.Contains(addr, ":") {
		return errAddressMustBeHostPort
	}

	_, _, err := net.SplitHostPort(addr)

	return err
}

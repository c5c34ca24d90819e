package tunneld

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ameshkov/dnsstamps"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// SetConfigName set the config name that tunneld will look for.
func SetConfigName(v *viper.Viper, name string) {
	v.SetConfigName(name)

	configPath := "$HOME"
	// viper has its own way to get user home directory:  https://github.com/spf13/viper/blob/v1.14.0/util.go#L134
	// To be consistent, we prefer os.UserHomeDir instead.
	if homeDir, err := os.UserHomeDir(); err == nil {
		configPath = homeDir
	}
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
}

// InitConfig initializes default config values for given *viper.Viper instance.
func InitConfig(v *viper.Viper, name string) {
	SetConfigName(v, name)

	// Nested maps rather than structs, so viper merges them key by key
	// with whatever the config file sets.
	v.SetDefault("service", map[string]any{
		"name":         "tunneld",
		"listen":       "127.0.0.1:5354",
		"cache_enable": true,
		"cache_size":   4096,
	})
	v.SetDefault("watchdog", map[string]any{
		"enabled":                true,
		"latency_threshold_ms":   750,
		"loss_threshold_percent": 30,
		"interval_seconds":       30,
		"debounce_seconds":       600,
	})
	v.SetDefault("upstream", map[string]*UpstreamConfig{
		"0": {
			BootstrapIP: "76.76.2.11",
			Name:        "Control D - Anti-Malware",
			Type:        ResolverTypeDOH,
			Endpoint:    "https://freedns.controld.com/p1",
			Timeout:     5000,
		},
		"1": {
			BootstrapIP: "76.76.2.11",
			Name:        "Control D - No Ads",
			Type:        ResolverTypeDOQ,
			Endpoint:    "p2.freedns.controld.com",
			Timeout:     3000,
		},
	})
}

// Config represents tunneld supported configuration.
type Config struct {
	Service  ServiceConfig              `mapstructure:"service" toml:"service,omitempty"`
	Watchdog WatchdogConfig             `mapstructure:"watchdog" toml:"watchdog,omitempty"`
	Upstream map[string]*UpstreamConfig `mapstructure:"upstream" toml:"upstream" validate:"min=1,dive"`
	// Rule maps a domain or wildcard pattern to a local action, "block" or "allow".
	Rule map[string]string `mapstructure:"rule" toml:"rule,omitempty" validate:"dive,keys,required,endkeys,oneof=block allow"`
}

// ServiceConfig specifies the general tunneld config.
type ServiceConfig struct {
	Name                   string `mapstructure:"name" toml:"name,omitempty"`
	LogLevel               string `mapstructure:"log_level" toml:"log_level,omitempty"`
	LogPath                string `mapstructure:"log_path" toml:"log_path,omitempty"`
	ListenAddress          string `mapstructure:"listen" toml:"listen,omitempty" validate:"omitempty,hostname_port"`
	MetricsListener        string `mapstructure:"metrics_listener" toml:"metrics_listener,omitempty" validate:"omitempty,hostname_port"`
	CacheEnable            bool   `mapstructure:"cache_enable" toml:"cache_enable,omitempty"`
	CacheSize              int    `mapstructure:"cache_size" toml:"cache_size,omitempty" validate:"gte=0"`
	Primary                string `mapstructure:"primary" toml:"primary,omitempty" validate:"omitempty,oneof=doh dot doq"`
	RestartOnNetworkChange bool   `mapstructure:"restart_on_network_change" toml:"restart_on_network_change,omitempty"`
	// CACertFile is a PEM bundle trusted in addition to the system roots.
	CACertFile string `mapstructure:"ca_cert_file" toml:"ca_cert_file,omitempty"`
}

// WatchdogConfig specifies the connection health watchdog thresholds.
type WatchdogConfig struct {
	Enabled              bool `mapstructure:"enabled" toml:"enabled"`
	LatencyThresholdMs   int  `mapstructure:"latency_threshold_ms" toml:"latency_threshold_ms,omitempty" validate:"gte=0"`
	LossThresholdPercent int  `mapstructure:"loss_threshold_percent" toml:"loss_threshold_percent,omitempty" validate:"gte=0,lte=100"`
	IntervalSeconds      int  `mapstructure:"interval_seconds" toml:"interval_seconds,omitempty" validate:"gte=0"`
	DebounceSeconds      int  `mapstructure:"debounce_seconds" toml:"debounce_seconds,omitempty" validate:"gte=0"`
}

// UpstreamConfig specifies configuration for upstreams that tunneld will forward requests to.
type UpstreamConfig struct {
	Name        string `mapstructure:"name" toml:"name,omitempty"`
	Type        string `mapstructure:"type" toml:"type,omitempty" validate:"oneof=doh doh3 dot doq sdns"`
	Endpoint    string `mapstructure:"endpoint" toml:"endpoint,omitempty" validate:"required"`
	BootstrapIP string `mapstructure:"bootstrap_ip" toml:"bootstrap_ip,omitempty" validate:"omitempty,ip"`
	Timeout     int    `mapstructure:"timeout" toml:"timeout,omitempty" validate:"gte=0"`

	// Domain is the host part of the endpoint, Port its port.
	Domain string `mapstructure:"-" toml:"-"`
	Port   uint16 `mapstructure:"-" toml:"-"`
	// Path is the DoH request path, including query if any.
	Path string `mapstructure:"-" toml:"-"`

	certPool *x509.CertPool
}

// SetCertPool sets the root CAs used to verify the upstream certificate,
// nil means the system roots.
func (uc *UpstreamConfig) SetCertPool(cp *x509.CertPool) {
	uc.certPool = cp
}

var errNoCertificates = errors.New("no certificates found")

// RootCAs returns the system roots extended with the configured CA file,
// or nil if no CA file is configured.
func (cfg *Config) RootCAs() (*x509.CertPool, error) {
	if cfg.Service.CACertFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(cfg.Service.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("reading ca file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: %s", errNoCertificates, cfg.Service.CACertFile)
	}
	return pool, nil
}

var errInvalidEndpoint = errors.New("invalid upstream endpoint")

// Init initialized necessary values for an UpstreamConfig.
//
// DNS stamps are decoded into their concrete type first, so callers
// never observe ResolverTypeSDNS after a successful Init.
func (uc *UpstreamConfig) Init() error {
	if uc.Type == ResolverTypeSDNS {
		if err := uc.initDnsStamps(); err != nil {
			return err
		}
	}
	if uc.Type == ResolverTypeDOH || uc.Type == ResolverTypeDOH3 {
		u, err := url.Parse(uc.Endpoint)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: %q", errInvalidEndpoint, uc.Endpoint)
		}
		uc.Domain = u.Hostname()
		uc.Path = u.RequestURI()
		port := u.Port()
		if port == "" {
			port = defaultPortFor(uc.Type)
		}
		return uc.setPort(port)
	}

	endpoint := uc.Endpoint
	if !strings.Contains(endpoint, ":") || strings.HasSuffix(endpoint, "]") {
		endpoint = net.JoinHostPort(strings.Trim(endpoint, "[]"), defaultPortFor(uc.Type))
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil || host == "" {
		return fmt.Errorf("%w: %q", errInvalidEndpoint, uc.Endpoint)
	}
	uc.Domain = host
	uc.Endpoint = endpoint
	if net.ParseIP(host) != nil && uc.BootstrapIP == "" {
		uc.BootstrapIP = host
	}
	return uc.setPort(port)
}

func (uc *UpstreamConfig) setPort(port string) error {
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("%w: bad port %q", errInvalidEndpoint, port)
	}
	uc.Port = uint16(n)
	return nil
}

// initDnsStamps rewrites a sdns:// endpoint into the equivalent doh, dot or doq endpoint.
func (uc *UpstreamConfig) initDnsStamps() error {
	stamp, err := dnsstamps.NewServerStampFromString(uc.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidEndpoint, err)
	}
	switch stamp.Proto {
	case dnsstamps.StampProtoTypeDoH:
		uc.Type = ResolverTypeDOH
		uc.Endpoint = "https://" + stamp.ProviderName + stamp.Path
	case dnsstamps.StampProtoTypeTLS:
		uc.Type = ResolverTypeDOT
		uc.Endpoint = stamp.ProviderName
	case dnsstamps.StampProtoTypeDoQ:
		uc.Type = ResolverTypeDOQ
		uc.Endpoint = stamp.ProviderName
	default:
		return fmt.Errorf("%w: unsupported stamp protocol %d", errInvalidEndpoint, stamp.Proto)
	}
	if uc.BootstrapIP == "" && stamp.ServerAddrStr != "" {
		host := stamp.ServerAddrStr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if net.ParseIP(strings.Trim(host, "[]")) != nil {
			uc.BootstrapIP = strings.Trim(host, "[]")
		}
	}
	return nil
}

// UpstreamNames returns the upstream keys of cfg in a stable order.
func (cfg *Config) UpstreamNames() []string {
	names := make([]string, 0, len(cfg.Upstream))
	for n := range cfg.Upstream {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		ni, erri := strconv.Atoi(names[i])
		nj, errj := strconv.Atoi(names[j])
		if erri == nil && errj == nil {
			return ni < nj
		}
		return names[i] < names[j]
	})
	return names
}

// ValidateConfig validates the given config.
func ValidateConfig(validate *validator.Validate, cfg *Config) error {
	return validate.Struct(cfg)
}

func defaultPortFor(typ string) string {
	switch typ {
	case ResolverTypeDOH, ResolverTypeDOH3:
		return "443"
	case ResolverTypeDOQ, ResolverTypeDOT:
		return "853"
	}
	return "53"
}

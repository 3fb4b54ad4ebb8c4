package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. OUTPOST_AWS_REGION
const EnvPrefix = "OUTPOST"

// Config is the whole configuration file
type Config struct {
	Log            LogConfig                 `yaml:"log"`
	AWS            AWSConfig                 `yaml:"aws"`
	Relay          RelayConfig               `yaml:"relay"`
	Readiness      ReadinessConfig           `yaml:"readiness"`
	Tunnel         TunnelConfig              `yaml:"tunnel"`
	Reconcile      ReconcileConfig           `yaml:"reconcile"`
	Deploy         DeployConfig              `yaml:"deploy"`
	Watchdog       WatchdogConfig            `yaml:"watchdog"`
	Status         StatusConfig              `yaml:"status"`
	Origin         OriginConfig              `yaml:"origin"`
	CDN            CDNConfig                 `yaml:"cdn"`
	TeardownOnExit bool                      `yaml:"teardown_on_exit"`
	Exposures      map[string]ExposureConfig `yaml:"exposures"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type AWSConfig struct {
	Region       string `yaml:"region"`
	HostedZoneID string `yaml:"hosted_zone_id"`
	InstanceType string `yaml:"instance_type"`

	// ServiceRoleARN is the role CloudFormation acts as for relay stacks.
	// When empty the outpost-service-role stack is created and used.
	ServiceRoleARN string `yaml:"service_role_arn"`
}

// RelayConfig is handed to the agent running on each relay
type RelayConfig struct {
	AgentURL          string        `yaml:"agent_url"`
	AgentSHA256       string        `yaml:"agent_sha256"`
	WatchdogInterval  time.Duration `yaml:"watchdog_interval"`
	WatchdogThreshold int           `yaml:"watchdog_threshold"`
	VerifyDNS         bool          `yaml:"verify_dns"`
	DNSTimeout        time.Duration `yaml:"dns_timeout"`
}

// ReadinessConfig bounds the wait for a relay's boot signal. Requests per
// second and burst cap the DescribeStackResource polls of all waiters together.
type ReadinessConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type TunnelConfig struct {
	Interface   string        `yaml:"interface"`
	ListenPort  int           `yaml:"listen_port"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	MaxAttempts int           `yaml:"max_attempts"`

	// Zero means unlimited
	UploadLimitMbps   int `yaml:"upload_limit_mbps"`
	DownloadLimitMbps int `yaml:"download_limit_mbps"`
}

type ReconcileConfig struct {
	Interval              time.Duration `yaml:"interval"`
	DegradedRedeployAfter time.Duration `yaml:"degraded_redeploy_after"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
}

type DeployConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

type WatchdogConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Threshold int           `yaml:"threshold"`
}

type StatusConfig struct {
	Listen string `yaml:"listen"`
}

type OriginConfig struct {
	// ID marks the stacks this host owns. It defaults to the public IP.
	ID string `yaml:"id"`

	// PublicIP is detected through IPEchoURL when empty
	PublicIP  string `yaml:"public_ip"`
	IPEchoURL string `yaml:"ip_echo_url"`
}

type CDNConfig struct {
	Binary    string `yaml:"binary"`
	ConfigDir string `yaml:"config_dir"`
}

// ExposureConfig is one entry of the exposures map, keyed by domain
type ExposureConfig struct {
	Service    string            `yaml:"service"`
	Provider   string            `yaml:"provider"`
	Ports      []PortConfig      `yaml:"ports"`
	Cloudflare *CloudflareConfig `yaml:"cloudflare"`
}

type PortConfig struct {
	External int    `yaml:"external"`
	Internal int    `yaml:"internal"`
	Protocol string `yaml:"protocol"`
}

type CloudflareConfig struct {
	Tunnel          string `yaml:"tunnel"`
	CredentialsFile string `yaml:"credentials_file"`
	OriginCert      string `yaml:"origin_cert"`
	MetricsAddr     string `yaml:"metrics_addr"`
}

// Default returns the configuration used for everything the file omits
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		AWS: AWSConfig{
			Region:       "us-east-2",
			InstanceType: "t4g.nano",
		},
		Relay: RelayConfig{
			WatchdogInterval:  5 * time.Second,
			WatchdogThreshold: 60,
			DNSTimeout:        5 * time.Minute,
		},
		Readiness: ReadinessConfig{
			Timeout:           10 * time.Minute,
			RequestsPerSecond: 2,
			Burst:             5,
		},
		Tunnel: TunnelConfig{
			Interface:   "wg-outpost",
			ListenPort:  51820,
			StaleAfter:  3 * time.Minute,
			MaxAttempts: 3,
		},
		Reconcile: ReconcileConfig{
			Interval:        30 * time.Second,
			ShutdownTimeout: 5 * time.Minute,
		},
		Deploy: DeployConfig{
			MaxAttempts:     5,
			InitialInterval: 2 * time.Second,
			MaxInterval:     30 * time.Second,
			PollInterval:    5 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval:  15 * time.Second,
			Threshold: 4,
		},
		Status: StatusConfig{Listen: "127.0.0.1:3000"},
		Origin: OriginConfig{IPEchoURL: "https://api.ipify.org"},
		CDN: CDNConfig{
			Binary:    "cloudflared",
			ConfigDir: "/var/lib/outpost/cloudflared",
		},
		TeardownOnExit: true,
	}
}

// Load reads path, applies environment and flag overrides from v and
// validates the result. v may be nil.
func Load(path string, v *viper.Viper) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, v)
}

// Parse decodes and validates a configuration document. Unknown keys are
// rejected.
func Parse(data []byte, v *viper.Viper) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Problems: []string{err.Error()}}
	}

	if v != nil {
		applyOverrides(cfg, v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewViper returns a viper instance reading OUTPOST_* environment variables
// for every overridable setting. Command flags are bound onto the same keys.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for _, o := range overrides {
		_ = v.BindEnv(o.key)
	}
	return v
}

// BindFlags binds each flag of fs named in flags onto its config key in v.
// A flag only overrides the file when it is set on the command line.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, flags map[string]string) error {
	for name, key := range flags {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag --%s", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// overrides lists the settings that may come from the environment or flags.
// Exposures are keyed by domain, whose dots viper would read as nesting, so
// they only come from the file.
var overrides = []struct {
	key   string
	apply func(*Config, *viper.Viper, string)
}{
	{"log.level", func(c *Config, v *viper.Viper, k string) { c.Log.Level = v.GetString(k) }},
	{"log.json", func(c *Config, v *viper.Viper, k string) { c.Log.JSON = v.GetBool(k) }},
	{"aws.region", func(c *Config, v *viper.Viper, k string) { c.AWS.Region = v.GetString(k) }},
	{"aws.hosted_zone_id", func(c *Config, v *viper.Viper, k string) { c.AWS.HostedZoneID = v.GetString(k) }},
	{"aws.instance_type", func(c *Config, v *viper.Viper, k string) { c.AWS.InstanceType = v.GetString(k) }},
	{"aws.service_role_arn", func(c *Config, v *viper.Viper, k string) { c.AWS.ServiceRoleARN = v.GetString(k) }},
	{"relay.agent_url", func(c *Config, v *viper.Viper, k string) { c.Relay.AgentURL = v.GetString(k) }},
	{"relay.agent_sha256", func(c *Config, v *viper.Viper, k string) { c.Relay.AgentSHA256 = v.GetString(k) }},
	{"readiness.timeout", func(c *Config, v *viper.Viper, k string) { c.Readiness.Timeout = v.GetDuration(k) }},
	{"tunnel.listen_port", func(c *Config, v *viper.Viper, k string) { c.Tunnel.ListenPort = v.GetInt(k) }},
	{"tunnel.upload_limit_mbps", func(c *Config, v *viper.Viper, k string) { c.Tunnel.UploadLimitMbps = v.GetInt(k) }},
	{"tunnel.download_limit_mbps", func(c *Config, v *viper.Viper, k string) { c.Tunnel.DownloadLimitMbps = v.GetInt(k) }},
	{"reconcile.interval", func(c *Config, v *viper.Viper, k string) { c.Reconcile.Interval = v.GetDuration(k) }},
	{"reconcile.degraded_redeploy_after", func(c *Config, v *viper.Viper, k string) {
		c.Reconcile.DegradedRedeployAfter = v.GetDuration(k)
	}},
	{"status.listen", func(c *Config, v *viper.Viper, k string) { c.Status.Listen = v.GetString(k) }},
	{"origin.id", func(c *Config, v *viper.Viper, k string) { c.Origin.ID = v.GetString(k) }},
	{"origin.public_ip", func(c *Config, v *viper.Viper, k string) { c.Origin.PublicIP = v.GetString(k) }},
	{"teardown_on_exit", func(c *Config, v *viper.Viper, k string) { c.TeardownOnExit = v.GetBool(k) }},
}

// OverrideKeys returns the keys that NewViper binds
func OverrideKeys() []string {
	keys := make([]string, 0, len(overrides))
	for _, o := range overrides {
		keys = append(keys, o.key)
	}
	return keys
}

func applyOverrides(cfg *Config, v *viper.Viper) {
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.apply(cfg, v, o.key)
		}
	}
}

// Desired builds the exposures in domain order. Entries that fail validation
// are skipped.
func (c *Config) Desired() []*types.Exposure {
	out := make([]*types.Exposure, 0, len(c.Exposures))
	for _, d := range sortedKeys(c.Exposures) {
		exp, problems := c.Exposures[d].build(d)
		if len(problems) > 0 {
			continue
		}
		out = append(out, exp)
	}
	return out
}

// LogSettings returns the logger settings
func (c *Config) LogSettings() log.Config {
	return log.Config{Level: log.ParseLevel(c.Log.Level), JSONOutput: c.Log.JSON}
}

// HasProvider reports whether any exposure uses p
func (c *Config) HasProvider(p types.Provider) bool {
	for _, e := range c.Exposures {
		if types.Provider(e.Provider) == p {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

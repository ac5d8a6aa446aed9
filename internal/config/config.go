// Package config assembles runtime configuration from flags, an optional
// YAML file and PROC_ENROLLER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mrzor/proc-enroller/internal/cgroup"
	"github.com/mrzor/proc-enroller/internal/netlink"
	"github.com/mrzor/proc-enroller/internal/policy"
	"github.com/mrzor/proc-enroller/internal/procstatus"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PROC_ENROLLER_CGROUP_ROOT.
const EnvPrefix = "PROC_ENROLLER"

// Flag and config keys.
const (
	KeyConfig       = "config"
	KeyRule         = "rule"
	KeyRules        = "rules"
	KeyCgroupRoot   = "cgroup-root"
	KeyCgroupFile   = "cgroup-file"
	KeyProcRoot     = "proc-root"
	KeyScanExisting = "scan-existing"
	KeyLogLevel     = "log-level"
	KeyLogFormat    = "log-format"
	KeyMetricsAddr  = "metrics-addr"
	KeyPollInterval = "poll-interval"
)

// ErrNoRules is returned when neither the config file nor flags define a rule.
var ErrNoRules = errors.New("no policy rules configured")

// ErrInvalidPollInterval is returned for a non-positive --poll-interval.
// Without a receive timeout the loop could not observe shutdown.
var ErrInvalidPollInterval = errors.New("poll interval must be positive")

// Config holds the resolved configuration.
type Config struct {
	// Rules map process names to cgroups, evaluated in order
	Rules []policy.Rule
	// CgroupRoot is the mount point of the cgroup hierarchy
	CgroupRoot string
	// CgroupFile is the membership file inside each group
	CgroupFile string
	// ProcRoot is the procfs mount point
	ProcRoot string
	// ScanExisting enrolls matching processes that were running at startup
	ScanExisting bool
	// LogLevel is a zap level name
	LogLevel string
	// LogFormat is "json" or "console"
	LogFormat string
	// MetricsAddr serves Prometheus metrics when non-empty
	MetricsAddr string
	// PollInterval bounds how long a socket read blocks before shutdown is checked
	PollInterval time.Duration
}

// BindFlags registers all flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.StringP(KeyConfig, "c", "", "YAML config file with a rules list")
	fs.StringArrayP(KeyRule, "r", nil, "policy rule kind:pattern=group (kind is exact, prefix or expr); repeatable")
	fs.String(KeyCgroupRoot, cgroup.DefaultRoot, "cgroup hierarchy mount point")
	fs.String(KeyCgroupFile, cgroup.DefaultFile, "membership file inside each group (cgroup.procs, or tasks for v1)")
	fs.String(KeyProcRoot, procstatus.DefaultRoot, "procfs mount point")
	fs.Bool(KeyScanExisting, false, "enroll matching processes already running at startup")
	fs.String(KeyLogLevel, "info", "log level (debug, info, warn, error)")
	fs.String(KeyLogFormat, "console", "log format (console or json)")
	fs.String(KeyMetricsAddr, "", "address to serve Prometheus metrics on, e.g. :9464")
	fs.Duration(KeyPollInterval, netlink.DefaultPollInterval, "socket read timeout used to observe shutdown")
}

// NewViper creates a viper instance bound to fs and the environment.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Load resolves the configuration. Rules from the config file come first,
// followed by rules given with --rule. Rule flags are read from fs directly
// because viper splits list values on whitespace.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	if file := v.GetString(KeyConfig); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	var rules []policy.Rule
	if err := v.UnmarshalKey(KeyRules, &rules); err != nil {
		return nil, fmt.Errorf("parsing rules from config: %w", err)
	}

	flagRules, err := fs.GetStringArray(KeyRule)
	if err != nil {
		return nil, fmt.Errorf("reading --%s: %w", KeyRule, err)
	}
	for _, raw := range flagRules {
		r, err := policy.ParseRule(raw)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	if len(rules) == 0 {
		return nil, ErrNoRules
	}

	cfg := &Config{
		Rules:        rules,
		CgroupRoot:   v.GetString(KeyCgroupRoot),
		CgroupFile:   v.GetString(KeyCgroupFile),
		ProcRoot:     v.GetString(KeyProcRoot),
		ScanExisting: v.GetBool(KeyScanExisting),
		LogLevel:     v.GetString(KeyLogLevel),
		LogFormat:    v.GetString(KeyLogFormat),
		MetricsAddr:  v.GetString(KeyMetricsAddr),
		PollInterval: v.GetDuration(KeyPollInterval),
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPollInterval, cfg.PollInterval)
	}

	switch cfg.LogFormat {
	case "console", "json":
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}

	return cfg, nil
}

// Package config provides configuration management for pkgcacherd.
//
// Configuration is loaded in four layers, lowest to highest precedence:
//
//  1. Defaults
//  2. Config file (TOML/INI, read with spf13/viper)
//  3. Environment variables, prefixed PKG_CACHER_
//  4. Command-line flags (spf13/pflag, bound through viper)
//
// Example:
//
//	cfg, err := config.Load(fs, "/etc/pkg-cacher/pkg-cacher.conf")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/greeneg/pkg-cacher/pkg/acl"
)

const envPrefix = "PKG_CACHER"

var limitPattern = regexp.MustCompile(`^\d+[km]?$`)

// Upstream is one entry of the path_map: a logical vhost name mapped to
// an ordered list of candidate base URLs/hosts.
type Upstream struct {
	Vhost      string
	Candidates []string
}

// Config holds the full set of runtime options for pkgcacherd. Structural
// fields (CacheDir, DaemonAddr, DaemonPort) are immutable after startup;
// the fields named in hotReloadable may be swapped by a SIGHUP reload via
// Reloader.Swap.
type Config struct {
	// Filesystem roots.
	CacheDir string
	LogDir   string

	// Listener binding.
	DaemonAddr  string
	DaemonPort  int
	MetricsAddr string

	// Ordered upstream candidates per vhost.
	PathMap []Upstream

	// Access control, as raw config strings (parsed by pkg/acl at use).
	AllowedHosts  string
	DeniedHosts   string
	AllowedHosts6 string
	DeniedHosts6  string

	// Freshness policy.
	OfflineMode                 bool
	ExpireHours                 int
	UseETags                    bool
	RevalidateNoHeaderIsExpired bool

	// Parent proxy.
	HTTPProxy       string
	HTTPSProxy      string
	UseProxy        bool
	HTTPProxyAuth   string
	HTTPSProxyAuth  string
	UseProxyAuth    bool
	RequireValidSSL bool

	// Fetch behaviour.
	Limit        string // egress bandwidth, "N", "Nk", "Nm"
	FetchTimeout time.Duration
	UseInterface string

	// Diagnostics / mode flags.
	Debug           bool
	GenerateReports bool
	CleanCache      bool
	CGIAdviseToUse  bool

	// Logging.
	LogLevel  string
	LogFormat string

	// Daemon lifecycle fields are recognised (for config-file
	// compatibility with pkg-cacher's historical layout) but not acted
	// on: no fork/chroot/setuid/pidfile daemonisation is implemented.
	// The binary runs in the foreground under a supervisor.
	User    string
	Group   string
	Chroot  string
	Pidfile string
	Fork    bool
	Retry   int
}

// Defaults returns a Config populated with pkgcacherd's built-in defaults,
// the first (lowest-precedence) layer of the loader.
func Defaults() *Config {
	return &Config{
		CacheDir:        "/var/cache/pkg-cacher",
		LogDir:          "/var/log/pkg-cacher",
		DaemonAddr:      "0.0.0.0",
		DaemonPort:      8080,
		MetricsAddr:     "127.0.0.1:9091",
		ExpireHours:     24,
		UseETags:        true,
		Limit:           "0",
		FetchTimeout:    30 * time.Second,
		RequireValidSSL: true,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load builds the layered configuration: defaults, then an optional
// config file, then PKG_CACHER_-prefixed environment variables, then
// flags bound against fs (flags win). configPath may be empty, in which
// case only the default/env/flag layers apply.
func Load(fs *pflag.FlagSet, configPath string) (*Config, error) {
	v := viper.New()
	applyDefaults(v, Defaults())

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	cfg := &Config{
		CacheDir:                    v.GetString("cache_dir"),
		LogDir:                      v.GetString("logdir"),
		DaemonAddr:                  v.GetString("daemon_addr"),
		DaemonPort:                  v.GetInt("daemon_port"),
		MetricsAddr:                 v.GetString("metrics_addr"),
		AllowedHosts:                v.GetString("allowed_hosts"),
		DeniedHosts:                 v.GetString("denied_hosts"),
		AllowedHosts6:               v.GetString("allowed_hosts_6"),
		DeniedHosts6:                v.GetString("denied_hosts_6"),
		OfflineMode:                 v.GetBool("offline_mode"),
		ExpireHours:                 v.GetInt("expire_hours"),
		UseETags:                    v.GetBool("use_etags"),
		RevalidateNoHeaderIsExpired: v.GetBool("revalidate_no_header_is_expired"),
		HTTPProxy:                   v.GetString("http_proxy"),
		HTTPSProxy:                  v.GetString("https_proxy"),
		UseProxy:                    v.GetBool("use_proxy"),
		HTTPProxyAuth:               v.GetString("http_proxy_auth"),
		HTTPSProxyAuth:              v.GetString("https_proxy_auth"),
		UseProxyAuth:                v.GetBool("use_proxy_auth"),
		RequireValidSSL:             v.GetBool("require_valid_ssl"),
		Limit:                       v.GetString("limit"),
		FetchTimeout:                v.GetDuration("fetch_timeout"),
		UseInterface:                v.GetString("use_interface"),
		Debug:                       v.GetBool("debug"),
		GenerateReports:             v.GetBool("generate_reports"),
		CleanCache:                  v.GetBool("clean_cache"),
		CGIAdviseToUse:              v.GetBool("cgi_advise_to_use"),
		LogLevel:                    v.GetString("log_level"),
		LogFormat:                   v.GetString("log_format"),
		User:                        v.GetString("user"),
		Group:                       v.GetString("group"),
		Chroot:                      v.GetString("chroot"),
		Pidfile:                     v.GetString("pidfile"),
		Fork:                        v.GetBool("fork"),
		Retry:                       v.GetInt("retry"),
	}

	// A bare integer fetch_timeout (as a config file or environment
	// variable usually gives it) is a number of seconds.
	if secs, err := strconv.Atoi(strings.TrimSpace(v.GetString("fetch_timeout"))); err == nil {
		cfg.FetchTimeout = time.Duration(secs) * time.Second
	}

	pathMap, err := ParsePathMap(v.GetString("path_map"))
	if err != nil {
		return nil, err
	}
	cfg.PathMap = pathMap

	return cfg, nil
}

func applyDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("logdir", d.LogDir)
	v.SetDefault("daemon_addr", d.DaemonAddr)
	v.SetDefault("daemon_port", d.DaemonPort)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("expire_hours", d.ExpireHours)
	v.SetDefault("use_etags", d.UseETags)
	v.SetDefault("limit", d.Limit)
	v.SetDefault("fetch_timeout", d.FetchTimeout)
	v.SetDefault("require_valid_ssl", d.RequireValidSSL)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

// ParsePathMap parses the path_map configuration value, a list of
// "vhost host1 host2 ..." entries separated by semicolons or commas, into
// ordered Upstream entries.
func ParsePathMap(raw string) ([]Upstream, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var ups []Upstream
	for _, entry := range strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' }) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Fields(entry)
		if len(fields) < 2 {
			return nil, fmt.Errorf("config: malformed path_map entry %q: need vhost and at least one host", entry)
		}
		ups = append(ups, Upstream{Vhost: fields[0], Candidates: fields[1:]})
	}
	return ups, nil
}

// Validate checks the fields one by one and returns the first
// configuration error found, following the same field-by-field checklist
// shape as the rest of the pack's config validators.
func (c *Config) Validate() error {
	if c.DaemonPort < 1 || c.DaemonPort > 65535 {
		return fmt.Errorf("invalid daemon_port: %d", c.DaemonPort)
	}

	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir must not be empty")
	}

	if c.ExpireHours < 0 {
		return fmt.Errorf("expire_hours must not be negative: %d", c.ExpireHours)
	}

	for _, list := range []struct{ key, raw string }{
		{"allowed_hosts", c.AllowedHosts},
		{"denied_hosts", c.DeniedHosts},
		{"allowed_hosts_6", c.AllowedHosts6},
		{"denied_hosts_6", c.DeniedHosts6},
	} {
		if _, err := acl.ParseList(list.raw); err != nil {
			return fmt.Errorf("invalid %s: %w", list.key, err)
		}
	}

	if c.Limit != "" && !limitPattern.MatchString(c.Limit) {
		return fmt.Errorf("invalid limit: %q (want digits optionally suffixed with k or m)", c.Limit)
	}

	if c.HTTPProxy != "" {
		if _, err := url.Parse(c.HTTPProxy); err != nil {
			return fmt.Errorf("invalid http_proxy: %w", err)
		}
	}
	if c.HTTPSProxy != "" {
		if _, err := url.Parse(c.HTTPSProxy); err != nil {
			return fmt.Errorf("invalid https_proxy: %w", err)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("invalid log_format: %s", c.LogFormat)
	}

	for _, up := range c.PathMap {
		if up.Vhost == "" {
			return fmt.Errorf("path_map entry has empty vhost")
		}
		if len(up.Candidates) == 0 {
			return fmt.Errorf("path_map entry %q has no candidates", up.Vhost)
		}
	}

	return nil
}

// EgressBytesPerSec parses Limit ("N", "Nk", "Nm") into a bytes/sec
// integer, 0 meaning unlimited.
func (c *Config) EgressBytesPerSec() (int64, error) {
	s := strings.TrimSpace(c.Limit)
	if s == "" || s == "0" {
		return 0, nil
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid limit %q: %w", c.Limit, err)
	}
	return n * mult, nil
}

// hotReloadable lists the field names that Reloader.Swap allows a reload
// to change. Structural fields (CacheDir, DaemonAddr, DaemonPort, ...) are
// copied from the original startup config and never overwritten.
var hotReloadable = map[string]bool{
	"AllowedHosts": true, "DeniedHosts": true, "AllowedHosts6": true, "DeniedHosts6": true,
	"OfflineMode": true, "ExpireHours": true, "UseETags": true, "RevalidateNoHeaderIsExpired": true,
	"HTTPProxy": true, "HTTPSProxy": true, "UseProxy": true, "HTTPProxyAuth": true,
	"HTTPSProxyAuth": true, "UseProxyAuth": true, "RequireValidSSL": true,
	"Limit": true, "Debug": true, "PathMap": true,
}

// Reloader holds the live configuration behind an atomic pointer so
// readers never observe a torn update; only a SIGHUP-driven reload calls
// Swap.
type Reloader struct {
	ptr atomic.Pointer[Config]
}

// NewReloader creates a Reloader seeded with the startup configuration.
func NewReloader(initial *Config) *Reloader {
	r := &Reloader{}
	r.ptr.Store(initial)
	return r
}

// Current returns the currently active configuration snapshot.
func (r *Reloader) Current() *Config {
	return r.ptr.Load()
}

// Swap replaces only the hot-reloadable fields of the current config with
// those from next, leaving structural fields untouched, and validates the
// result before publishing it.
func (r *Reloader) Swap(next *Config) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("config: reload rejected: %w", err)
	}

	cur := r.ptr.Load()
	merged := *cur
	merged.AllowedHosts = next.AllowedHosts
	merged.DeniedHosts = next.DeniedHosts
	merged.AllowedHosts6 = next.AllowedHosts6
	merged.DeniedHosts6 = next.DeniedHosts6
	merged.OfflineMode = next.OfflineMode
	merged.ExpireHours = next.ExpireHours
	merged.UseETags = next.UseETags
	merged.RevalidateNoHeaderIsExpired = next.RevalidateNoHeaderIsExpired
	merged.HTTPProxy = next.HTTPProxy
	merged.HTTPSProxy = next.HTTPSProxy
	merged.UseProxy = next.UseProxy
	merged.HTTPProxyAuth = next.HTTPProxyAuth
	merged.HTTPSProxyAuth = next.HTTPSProxyAuth
	merged.UseProxyAuth = next.UseProxyAuth
	merged.RequireValidSSL = next.RequireValidSSL
	merged.Limit = next.Limit
	merged.Debug = next.Debug
	merged.PathMap = next.PathMap

	r.ptr.Store(&merged)
	return nil
}

// ToggleDebug atomically flips the Debug flag, for the SIGUSR1 handler.
func (r *Reloader) ToggleDebug() {
	cur := r.ptr.Load()
	merged := *cur
	merged.Debug = !cur.Debug
	r.ptr.Store(&merged)
}

// HotReloadableFields reports, for tests, which field names Swap honours.
func HotReloadableFields() map[string]bool {
	out := make(map[string]bool, len(hotReloadable))
	for k, v := range hotReloadable {
		out[k] = v
	}
	return out
}

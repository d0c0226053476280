package main

import (
	"github.com/spf13/pflag"

	"github.com/greeneg/pkg-cacher/pkg/config"
)

// newConfigFlagSet declares every recognised configuration key as a flag,
// seeded from Defaults(), so viper.BindPFlags can bind flags as the
// highest-precedence layer over file and environment configuration.
func newConfigFlagSet() *pflag.FlagSet {
	d := config.Defaults()
	fs := pflag.NewFlagSet("pkgcacherd", pflag.ContinueOnError)

	fs.String("cache_dir", d.CacheDir, "cache root directory")
	fs.String("logdir", d.LogDir, "log directory")
	fs.String("daemon_addr", d.DaemonAddr, "listener bind address (repeat-free; comma-separate for multiple)")
	fs.Int("daemon_port", d.DaemonPort, "listener port")
	fs.String("metrics_addr", d.MetricsAddr, "Prometheus /metrics bind address")
	fs.String("path_map", "", "vhost -> upstream candidates, \"vhost host1 host2; vhost2 host3\"")
	fs.String("allowed_hosts", d.AllowedHosts, "IPv4 allow list")
	fs.String("denied_hosts", d.DeniedHosts, "IPv4 deny list")
	fs.String("allowed_hosts_6", d.AllowedHosts6, "IPv6 allow list")
	fs.String("denied_hosts_6", d.DeniedHosts6, "IPv6 deny list")
	fs.Bool("offline_mode", d.OfflineMode, "never issue upstream requests")
	fs.Int("expire_hours", d.ExpireHours, "index max-age in hours; 0 = always revalidate")
	fs.Bool("use_etags", d.UseETags, "prefer ETag over Last-Modified for index revalidation")
	fs.Bool("revalidate_no_header_is_expired", d.RevalidateNoHeaderIsExpired, "treat a headerless successful HEAD revalidation as EXPIRED")
	fs.String("http_proxy", d.HTTPProxy, "parent HTTP proxy URL")
	fs.String("https_proxy", d.HTTPSProxy, "parent HTTPS proxy URL")
	fs.Bool("use_proxy", d.UseProxy, "route upstream requests through the parent proxy")
	fs.String("http_proxy_auth", d.HTTPProxyAuth, "parent HTTP proxy credentials")
	fs.String("https_proxy_auth", d.HTTPSProxyAuth, "parent HTTPS proxy credentials")
	fs.Bool("use_proxy_auth", d.UseProxyAuth, "send parent proxy credentials")
	fs.Bool("require_valid_ssl", d.RequireValidSSL, "verify upstream TLS certificates")
	fs.String("limit", d.Limit, "egress bandwidth cap: bytes, or N suffixed with k/m")
	fs.Duration("fetch_timeout", d.FetchTimeout, "upstream stall timeout")
	fs.String("use_interface", d.UseInterface, "local address (IP or hostname) to bind outbound connections to; interface names such as eth0 are not looked up")
	fs.Bool("debug", d.Debug, "enable debug-level logging")
	fs.Bool("generate_reports", d.GenerateReports, "generate usage reports (unimplemented, recognised for config compatibility)")
	fs.Bool("clean_cache", d.CleanCache, "recognised for config compatibility; the daemon does not prune the cache")
	fs.Bool("cgi_advise_to_use", d.CGIAdviseToUse, "recognised for config compatibility; has no effect")
	fs.String("log_level", d.LogLevel, "debug, info, warn, or error")
	fs.String("log_format", d.LogFormat, "text or json")
	fs.String("user", d.User, "recognised for config-file compatibility; daemonisation is not implemented")
	fs.String("group", d.Group, "recognised for config-file compatibility; daemonisation is not implemented")
	fs.String("chroot", d.Chroot, "recognised for config-file compatibility; daemonisation is not implemented")
	fs.String("pidfile", d.Pidfile, "recognised for config-file compatibility; daemonisation is not implemented")
	fs.Bool("fork", d.Fork, "recognised for config-file compatibility; daemonisation is not implemented")
	fs.Int("retry", d.Retry, "recognised for config-file compatibility; daemonisation is not implemented")

	fs.String("mode", "standalone", "standalone, inetd, or cgi")
	fs.Int("listen_retries", 5, "bind retry attempts per listener address")

	return fs
}

// Command pkg-cacher caches Debian/Ubuntu (.deb, Packages.gz, Release) and
// Red Hat/Fedora (.rpm, repomd.xml) package repository traffic for a LAN of
// machines that would otherwise each fetch the same files from the
// internet independently.
//
// It serves requests over three transports that share one request
// pipeline: a standalone TCP listener, a single pre-connected socket handed
// over by inetd, and CGI.
//
// # Quick Start
//
//	import "github.com/greeneg/pkg-cacher/internal/handler"
//	import "github.com/greeneg/pkg-cacher/internal/listener"
//	import "github.com/greeneg/pkg-cacher/pkg/config"
//
//	cfg := config.Defaults()
//	reloader := config.NewReloader(cfg)
//	h := &handler.Handler{Reloader: reloader, Store: st, Coordinator: co, Classifier: cl}
//	log.Fatal(listener.Standalone(ctx, h, strings.Split(cfg.DaemonAddr, ","), cfg.DaemonPort, 5))
//
// Run `pkgcacherd serve --config /etc/pkg-cacher/pkg-cacher.conf` to start
// the daemon, or `pkgcacherd config-check` to validate a configuration file
// without starting it.
//
// # Request Lifecycle
//
// Every request passes through the same pipeline regardless of transport:
//
//	READ_REQUEST -> AUTHORISE -> CLASSIFY -> COORDINATE -> STREAM
//
// Static artifacts (.deb, .rpm, and similar opaque blobs) are cached once
// and served from disk on every subsequent request. Index files
// (Packages.gz, Release, repomd.xml, and their kin) are revalidated against
// the upstream mirror on each request, since they describe what package
// versions are currently available and go stale quickly.
//
// # Package Structure
//
//   - pkg/config: layered configuration (defaults, file, environment, flags)
//   - pkg/store: on-disk content-addressed cache storage
//   - pkg/coordinator: cache hit/miss/expired decisions, single-fetcher
//     coordination across concurrent requests for the same artifact
//   - pkg/fetcher: upstream HTTP fetch with candidate mirror failover
//   - pkg/streamreader: follow-the-writer response streaming with range
//     support
//   - pkg/acl: client IP allow/deny evaluation
//   - pkg/classify: path classification into static/index/forbidden
//   - pkg/accesslog: access log writer
//   - pkg/logging: structured, context-threaded logging
//   - pkg/metrics: Prometheus instrumentation
//   - internal/httpwire: hand-rolled HTTP/1.x request parsing
//   - internal/handler: the shared request state machine
//   - internal/listener: standalone, inetd, and CGI transport entry points
//   - cmd/pkgcacherd: the daemon's command-line entrypoint
package main

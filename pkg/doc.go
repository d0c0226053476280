// Package pkgcacher collects the library packages that make up pkg-cacher,
// a caching HTTP proxy for Debian/Ubuntu and Red Hat/Fedora package
// repositories. It exists only to hold this overview; callers import the
// individual subpackages (pkg/config, pkg/store, pkg/coordinator, and so
// on) directly.
//
// # Overview
//
// pkg-cacher sits between a LAN of machines running apt/dnf/yum and the
// public package mirrors those tools point at. It caches static package
// artifacts (.deb, .rpm) after their first download and revalidates index
// files (Packages.gz, Release, repomd.xml) on every request, since those
// describe what versions are currently available upstream.
//
// # Architecture Components
//
// Configuration (pkg/config):
//   - Layered precedence: built-in defaults, config file, environment
//     variables, command-line flags
//   - Hot-reloadable subset of keys via SIGHUP, applied through Reloader
//
// Storage (pkg/store):
//   - Content-addressed on-disk store: a scratch-then-rename header
//     publication path plus a content pool keyed by digest
//   - Crash-safe: a killed fetcher leaves a detectable incomplete entry
//     rather than a corrupt one
//
// Coordination (pkg/coordinator):
//   - Decides HIT, MISS, EXPIRED, or OFFLINE for an incoming request
//   - Ensures at most one in-flight upstream fetch per cache key, with an
//     in-process fast path via singleflight and a cross-process guard via
//     pkg/lock
//
// Fetching (pkg/fetcher):
//   - Upstream HTTP retrieval with ordered candidate mirror failover,
//     redirect and retry budgets, and per-host rate limiting
//
// Streaming (pkg/streamreader):
//   - Serves a response by following a file as another request's fetcher
//     writes it, so the first and later concurrent requests for the same
//     artifact share one download
//   - Range and conditional-request support
//
// Access control (pkg/acl) and classification (pkg/classify):
//   - IP allow/deny evaluation (CIDR, dotted mask, ranges, wildcards)
//   - Path classification into static, index, or forbidden, which drives
//     both the cache policy and the open-relay protections
//
// Observability (pkg/logging, pkg/metrics, pkg/accesslog):
//   - Structured, context-threaded logging with a dynamically adjustable
//     level
//   - Prometheus collectors for cache status, bytes served, fetch latency,
//     and lock wait time
//   - A line-atomic access log in pkg-cacher's traditional format
//
// # Usage
//
// Most callers only need cmd/pkgcacherd, the daemon binary. Embedding the
// pieces directly looks like:
//
//	cfg := config.Defaults()
//	st, err := store.New(cfg.CacheDir)
//	locks, err := lock.NewManager(st.GlobalLockPath())
//	co := coordinator.New(st, locks, fetcher.New(0), nil)
//	cl, err := classify.New(nil, nil)
//	h := &handler.Handler{Reloader: config.NewReloader(cfg), Store: st, Coordinator: co, Classifier: cl}
//	err = listener.Standalone(ctx, h, strings.Split(cfg.DaemonAddr, ","), cfg.DaemonPort, 5)
package pkgcacher

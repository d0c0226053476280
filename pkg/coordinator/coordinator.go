// Package coordinator implements the cache coordinator: for a given
// request it decides HIT/MISS/EXPIRED/OFFLINE, arranges at-most-one
// upstream fetch per object across both goroutines and OS processes, and
// hands the caller a body file that may still be actively written by a
// sibling fetcher.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/greeneg/pkg-cacher/pkg/config"
	"github.com/greeneg/pkg-cacher/pkg/fetcher"
	"github.com/greeneg/pkg-cacher/pkg/headerwire"
	"github.com/greeneg/pkg-cacher/pkg/lock"
	"github.com/greeneg/pkg-cacher/pkg/metrics"
	"github.com/greeneg/pkg-cacher/pkg/store"
)

// Status is the resolved cache status for a request.
type Status int

const (
	Hit Status = iota
	Expired
	Miss
	Offline
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Expired:
		return "expired"
	case Miss:
		return "miss"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Decide: the resolved status, an open body
// file handle (owned by the caller; always non-nil on success), and
// whether the calling goroutine itself must run the fetch.
type Decision struct {
	Status     Status
	Body       *os.File
	NeedsFetch bool
}

// Coordinator ties together the lock manager, the content store, the
// fetcher, and metrics to implement the decision and fetch-orchestration
// algorithm.
type Coordinator struct {
	store   *store.Store
	locks   *lock.Manager
	fetch   *fetcher.Fetcher
	metrics *metrics.Metrics

	sf singleflight.Group
}

// New builds a Coordinator over the given collaborators.
func New(st *store.Store, locks *lock.Manager, f *fetcher.Fetcher, m *metrics.Metrics) *Coordinator {
	return &Coordinator{store: st, locks: locks, fetch: f, metrics: m}
}

// Decide resolves the cache status for k and returns a Decision. If
// NeedsFetch is true, the caller (and only the caller) must invoke
// RunFetch for k before streaming the response; every other caller gets a
// body file it can safely follow while the fetch is in progress, per the
// follow-the-writer streaming design.
func (c *Coordinator) Decide(ctx context.Context, cfg *config.Config, candidates []string, k store.Key, isIndex, clientNoCache bool) (*Decision, error) {
	status, err := c.resolveStatus(ctx, cfg, candidates, k, isIndex, clientNoCache)
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.ObserveStatus(status.String())
	}

	// The singleflight key collapses concurrent in-process decisions for
	// the same object so only one goroutine performs the create+claim
	// step; everyone else waits for that result and becomes a follower.
	// This is a fast path layered above the OS-level lock below, which
	// remains the cross-process source of truth.
	sfKey := k.Vhost + "\x00" + k.URI

	type actResult struct {
		needsFetch bool
	}

	// Only the leader's own closure runs, so only the leader sees this set.
	leader := false
	v, err, _ := c.sf.Do(sfKey, func() (interface{}, error) {
		leader = true
		needsFetch, actErr := c.actOnStatus(status, k)
		return actResult{needsFetch: needsFetch}, actErr
	})
	if err != nil {
		return nil, err
	}

	body, err := c.store.OpenBodyForRead(k)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open body for read: %w", err)
	}

	return &Decision{
		Status:     status,
		Body:       body,
		NeedsFetch: leader && v.(actResult).needsFetch,
	}, nil
}

// resolveStatus runs the freshness algorithm without holding any lock, so
// the (possibly slow) upstream HEAD never blocks other requests.
func (c *Coordinator) resolveStatus(ctx context.Context, cfg *config.Config, candidates []string, k store.Key, isIndex, clientNoCache bool) (Status, error) {
	if clientNoCache && !cfg.OfflineMode {
		return Expired, nil
	}

	complete := c.store.CompleteExists(k) && c.store.HeaderExists(k)
	if !complete {
		return Miss, nil
	}

	if !isIndex {
		return Hit, nil
	}

	if cfg.OfflineMode {
		return Hit, nil
	}

	if cfg.ExpireHours > 0 {
		info, err := c.store.ModTime(k)
		if err == nil {
			age := time.Since(info.ModTime())
			if age > time.Duration(cfg.ExpireHours)*time.Hour {
				return Expired, nil
			}
		}
	}

	return c.revalidate(ctx, cfg, candidates, k)
}

// revalidate issues the upstream HEAD the freshness algorithm requires
// for index files once age-based expiry hasn't already settled the
// question.
func (c *Coordinator) revalidate(ctx context.Context, cfg *config.Config, candidates []string, k store.Key) (Status, error) {
	oldData, err := c.store.ReadHeader(k)
	if err != nil {
		return Miss, nil
	}
	oldParsed, err := headerwire.Parse(oldData)
	if err != nil {
		return Miss, nil
	}

	egress, err := cfg.EgressBytesPerSec()
	if err != nil {
		return 0, err
	}
	httpProxy, httpsProxy := proxyURLs(cfg)
	fcfg := fetcher.Config{
		HTTPProxyURL:      httpProxy,
		HTTPSProxyURL:     httpsProxy,
		RequireValidSSL:   cfg.RequireValidSSL,
		EgressBytesPerSec: egress,
		StallTimeout:      cfg.FetchTimeout,
		BindInterface:     cfg.UseInterface,
	}

	start := time.Now()
	result, err := c.fetch.Fetch(ctx, fcfg, candidates, k.URI, fetcher.Head, nil)
	if c.metrics != nil {
		c.metrics.ObserveFetchDuration(fetchOutcome(err, result), time.Since(start))
	}
	if err != nil {
		return Offline, nil
	}
	if result.StatusCode/100 != 2 {
		return Offline, nil
	}

	if cfg.UseETags {
		oldETag := oldParsed.Header.Get("ETag")
		newETag := result.Header.Get("ETag")
		if oldETag != "" && newETag != "" {
			if oldETag == newETag {
				return Hit, nil
			}
			return Expired, nil
		}
	}

	oldLM := oldParsed.Header.Get("Last-Modified")
	newLM := result.Header.Get("Last-Modified")
	if oldLM != "" && newLM != "" {
		oldT, errOld := http.ParseTime(oldLM)
		newT, errNew := http.ParseTime(newLM)
		if errOld == nil && errNew == nil {
			if oldT.Before(newT) {
				return Expired, nil
			}
			return Hit, nil
		}
	}

	// Neither ETag nor Last-Modified present on a successful HEAD: the
	// default per the resolved open question is to trust the cached
	// copy, unless the operator has opted into stricter behaviour.
	if cfg.RevalidateNoHeaderIsExpired {
		return Expired, nil
	}
	return Hit, nil
}

// actOnStatus performs the brief multi-path state transition under the
// global lock and reports whether the calling goroutine must itself run
// the fetch.
func (c *Coordinator) actOnStatus(status Status, k store.Key) (needsFetch bool, err error) {
	lockStart := time.Now()
	err = c.locks.WithGlobalLock(func() error {
		if c.metrics != nil {
			c.metrics.ObserveLockWait(time.Since(lockStart))
		}
		switch status {
		case Hit, Offline:
			return nil
		case Expired:
			if unlinkErr := c.store.Unlink(k); unlinkErr != nil {
				return fmt.Errorf("coordinator: unlink expired entry: %w", unlinkErr)
			}
			fallthrough
		case Miss:
			if c.store.CompleteExists(k) {
				return nil
			}
			bodyLockPath := c.store.BodyPath(k)
			held, heldErr := lock.IsHeld(bodyLockPath)
			if heldErr == nil && held {
				// A sibling fetcher (in this process or another) is
				// already downloading this entry; we become a follower.
				return nil
			}
			if createErr := c.store.CreateEmpty(k); createErr != nil {
				if createErr == store.ErrAlreadyExists {
					// Lost a race with another creator; follow it.
					return nil
				}
				return fmt.Errorf("coordinator: create entry: %w", createErr)
			}
			needsFetch = true
			return nil
		}
		return fmt.Errorf("coordinator: unknown status %v", status)
	})
	return needsFetch, err
}

// ErrLostFetchRace is returned by RunFetch when another process won the
// race for the per-entry body lock between Decide's global-lock section
// and this call. The caller should fall back to follower behaviour
// (stream the body that sibling fetcher is writing) instead of treating
// this as a hard failure.
var ErrLostFetchRace = fmt.Errorf("coordinator: lost the race for the body lock")

// RunFetch performs the actual upstream fetch and commit for k, after
// Decide has designated the caller as the fetcher. It acquires the
// per-entry body lock for the duration of the download so readers (and
// other processes) can distinguish "fetch in progress" from "fetch
// crashed" via lock.IsHeld.
func (c *Coordinator) RunFetch(ctx context.Context, cfg *config.Config, candidates []string, k store.Key, clientNoCache bool) error {
	bodyLock, err := lock.BodyLock(c.store.BodyPath(k))
	if err != nil {
		return fmt.Errorf("coordinator: open body lock: %w", err)
	}
	defer bodyLock.Close()

	if err := bodyLock.TryLock(); err != nil {
		if err == lock.ErrWouldBlock {
			return ErrLostFetchRace
		}
		return fmt.Errorf("coordinator: acquire body lock: %w", err)
	}
	defer bodyLock.Unlock()

	egress, err := cfg.EgressBytesPerSec()
	if err != nil {
		return err
	}
	httpProxy, httpsProxy := proxyURLs(cfg)
	fcfg := fetcher.Config{
		HTTPProxyURL:      httpProxy,
		HTTPSProxyURL:     httpsProxy,
		RequireValidSSL:   cfg.RequireValidSSL,
		EgressBytesPerSec: egress,
		StallTimeout:      cfg.FetchTimeout,
		BindInterface:     cfg.UseInterface,
		ForwardNoCache:    clientNoCache,
	}

	sink := &storeSink{store: c.store, key: k}
	defer sink.closeCurrent()

	fetchStart := time.Now()
	result, err := c.fetch.Fetch(ctx, fcfg, candidates, k.URI, fetcher.Get, sink)
	if c.metrics != nil {
		c.metrics.ObserveFetchDuration(fetchOutcome(err, result), time.Since(fetchStart))
	}
	if err != nil {
		_ = c.store.Unlink(k)
		return fmt.Errorf("coordinator: fetch: %w", err)
	}

	if result.StatusCode/100 == 4 {
		_ = c.store.Unlink(k)
		if publishErr := c.publishErrorHeader(k, result); publishErr != nil {
			return publishErr
		}
		return nil
	}
	if result.StatusCode/100 != 2 {
		if publishErr := c.publishErrorHeader(k, result); publishErr != nil {
			return publishErr
		}
		return nil
	}

	lockStart := time.Now()
	return c.locks.WithGlobalLock(func() error {
		if c.metrics != nil {
			c.metrics.ObserveLockWait(time.Since(lockStart))
		}
		finalLength, commitErr := c.store.Commit(k, result.ContentLength, result.SourceURL)
		if commitErr != nil {
			return commitErr
		}
		if result.Header.Get("Content-Length") == "" {
			// A chunked upstream response carries no Content-Length;
			// republish the header with the committed body size.
			result.Header.Set("Content-Length", strconv.FormatInt(finalLength, 10))
			return c.publishErrorHeader(k, result)
		}
		return nil
	})
}

func (c *Coordinator) publishErrorHeader(k store.Key, result *fetcher.Result) error {
	data := headerwire.Format(result.StatusLine, result.Header)
	if err := c.store.WriteHeaderScratch(k, data); err != nil {
		return err
	}
	return c.store.PublishHeader(k)
}

// storeSink adapts the content store to the fetcher.Sink interface: it
// truncates the body file to zero at the top of every attempt, and
// publishes the terminal header atomically once it's known.
type storeSink struct {
	store   *store.Store
	key     store.Key
	current *os.File
}

func (s *storeSink) ResetBody() (io.Writer, error) {
	s.closeCurrent()
	f, err := s.store.OpenBodyForWrite(s.key)
	if err != nil {
		return nil, err
	}
	s.current = f
	return f, nil
}

func (s *storeSink) Finalize(statusLine string, header http.Header) error {
	data := headerwire.Format(statusLine, header)
	if err := s.store.WriteHeaderScratch(s.key, data); err != nil {
		return err
	}
	return s.store.PublishHeader(s.key)
}

func (s *storeSink) closeCurrent() {
	if s.current != nil {
		_ = s.current.Close()
		s.current = nil
	}
}

// fetchOutcome labels a completed fetch for the fetch-duration histogram.
func fetchOutcome(err error, result *fetcher.Result) string {
	if err != nil || result == nil {
		return "error"
	}
	switch result.StatusCode / 100 {
	case 2:
		return "success"
	case 4:
		return "client_error"
	default:
		return "server_error"
	}
}

// proxyURLs resolves cfg's parent-proxy settings into the fetcher's
// scheme-keyed proxy URLs, or (nil, nil) if proxying is disabled.
func proxyURLs(cfg *config.Config) (httpProxy, httpsProxy *url.URL) {
	if !cfg.UseProxy {
		return nil, nil
	}
	return parseProxyURL(cfg.HTTPProxy, cfg.HTTPProxyAuth, cfg.UseProxyAuth),
		parseProxyURL(cfg.HTTPSProxy, cfg.HTTPSProxyAuth, cfg.UseProxyAuth)
}

// parseProxyURL parses raw into a proxy URL, embedding auth (a "user:pass"
// string) as basic-auth userinfo when useAuth is set. Returns nil if raw is
// empty or unparseable.
func parseProxyURL(raw, auth string, useAuth bool) *url.URL {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	if useAuth && auth != "" {
		if user, pass, ok := strings.Cut(auth, ":"); ok {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(auth)
		}
	}
	return u
}

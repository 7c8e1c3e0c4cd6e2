package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// Manager mediates between the network and the cache storage so the manifest
// stays available offline while cached copies refresh from the network.
type Manager struct {
	cfg     Config
	storage cache.Storage
	fetcher cache.Fetcher
	logger  *logrus.Logger

	// pending 跟踪后台缓存写入，只供 Wait 使用，不参与响应路径。
	pending sync.WaitGroup
}

// InstallReport describes the outcome of the manifest pre-cache. Err is set
// when the batch failed; install still counts as complete.
type InstallReport struct {
	Version   string
	Precached int
	Err       error
}

// ActivateReport lists the stale generations removed on activation.
type ActivateReport struct {
	Deleted []string
	Err     error
}

// NewManager 校验策略并组装 Manager。
func NewManager(cfg Config, storage cache.Storage, fetcher cache.Fetcher, logger *logrus.Logger) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	cfg.Manifest = append([]string(nil), cfg.Manifest...)
	return &Manager{
		cfg:     cfg,
		storage: storage,
		fetcher: fetcher,
		logger:  logger,
	}, nil
}

// Config returns a copy of the policy.
func (m *Manager) Config() Config {
	cfg := m.cfg
	cfg.Manifest = append([]string(nil), m.cfg.Manifest...)
	return cfg
}

// Storage exposes the backing store for diagnostics.
func (m *Manager) Storage() cache.Storage {
	return m.storage
}

// Install opens the current generation and pre-caches the manifest as one
// batch. Failures are logged and reported, never returned as errors.
func (m *Manager) Install(ctx context.Context) InstallReport {
	report := InstallReport{Version: m.cfg.Version}
	fields := logging.LifecycleFields("install", m.cfg.Version, StateInstalling.String())

	gen, err := m.storage.Open(ctx, m.cfg.Version)
	if err != nil {
		report.Err = fmt.Errorf("open generation: %w", err)
		fields["error"] = report.Err.Error()
		m.logger.WithFields(fields).Warn("cache_install_failed")
		return report
	}
	m.logger.WithFields(fields).Debug("cache_opened")

	urls, err := m.cfg.manifestURLs()
	if err == nil {
		err = cache.AddAll(ctx, gen, m.fetcher, urls)
	}
	if err != nil {
		report.Err = err
		fields["error"] = err.Error()
		fields["manifest"] = len(m.cfg.Manifest)
		m.logger.WithFields(fields).Warn("cache_install_failed")
		return report
	}

	report.Precached = len(urls)
	fields["precached"] = report.Precached
	m.logger.WithFields(fields).Info("cache_install_complete")
	return report
}

// Activate deletes every generation other than the current version. All
// deletions run concurrently and are awaited before returning.
func (m *Manager) Activate(ctx context.Context) ActivateReport {
	fields := logging.LifecycleFields("activate", m.cfg.Version, StateActivating.String())

	names, err := m.storage.Keys(ctx)
	if err != nil {
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Warn("cache_cleanup_failed")
		return ActivateReport{Err: fmt.Errorf("list generations: %w", err)}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if name == m.cfg.Version {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			ok, err := m.storage.Delete(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
				return
			}
			if ok {
				deleted = append(deleted, name)
			}
		}(name)
	}
	wg.Wait()

	report := ActivateReport{Deleted: deleted, Err: errors.Join(errs...)}
	fields["deleted"] = deleted
	if report.Err != nil {
		fields["error"] = report.Err.Error()
		m.logger.WithFields(fields).Warn("cache_cleanup_failed")
		return report
	}
	m.logger.WithFields(fields).Info("cache_cleanup_complete")
	return report
}

// Fetch applies the network-first policy to req. Non-GET requests pass
// through; navigations never touch the cache; other GETs fall back to the
// cache only when the network call itself fails.
func (m *Manager) Fetch(ctx context.Context, req *http.Request) FetchResult {
	if req == nil || req.Method != http.MethodGet {
		return FetchResult{Decision: DecisionPassThrough}
	}

	if IsNavigation(req) {
		resp, err := m.fetcher.Do(req.WithContext(ctx))
		if err != nil {
			m.logFetch(req, true, SourceNetwork, err)
			return FetchResult{Decision: DecisionFailed, Err: err}
		}
		return FetchResult{Decision: DecisionRespond, Response: resp, Source: SourceNetwork}
	}

	resp, err := m.fetcher.Do(req.WithContext(ctx))
	if err != nil {
		return m.fallback(ctx, req, err)
	}
	if resp == nil {
		return FetchResult{Decision: DecisionFailed, Err: errors.New("empty response")}
	}

	if resp.StatusCode != http.StatusOK || cache.Classify(req, resp) != cache.TypeBasic {
		return FetchResult{Decision: DecisionRespond, Response: resp, Source: SourceNetwork}
	}
	if !m.cfg.isStatic(req.URL) {
		return FetchResult{Decision: DecisionRespond, Response: resp, Source: SourceNetwork}
	}

	key := cache.NewKey(req)
	cache.TeeSnapshot(req, resp, m.cfg.MaxEntrySize, func(snap *cache.Response) {
		m.storeDetached(ctx, key, snap)
	})
	return FetchResult{Decision: DecisionRespond, Response: resp, Source: SourceNetwork}
}

func (m *Manager) fallback(ctx context.Context, req *http.Request, netErr error) FetchResult {
	snap, err := m.storage.Match(ctx, cache.NewKey(req))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			netErr = errors.Join(netErr, err)
		}
		m.logFetch(req, false, SourceCache, netErr)
		return FetchResult{Decision: DecisionFailed, Err: netErr}
	}
	m.logFetch(req, false, SourceCache, nil)
	return FetchResult{
		Decision: DecisionRespond,
		Response: snap.HTTPResponse(req),
		Source:   SourceCache,
		Err:      netErr,
	}
}

// storeDetached writes snap into the current generation on a background
// goroutine once the live body has been fully read. Its failure is logged
// and swallowed; the caller never waits.
func (m *Manager) storeDetached(ctx context.Context, key cache.Key, snap *cache.Response) {
	bg := context.WithoutCancel(ctx)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		gen, err := m.storage.Open(bg, m.cfg.Version)
		if err == nil {
			err = gen.Put(bg, key, snap)
		}
		fields := logging.LifecycleFields("cache_put", m.cfg.Version, StateActivated.String())
		fields["url"] = key.URL
		fields["size"] = fmt.Sprint(snap.Size())
		if err != nil {
			fields["error"] = err.Error()
			m.logger.WithFields(fields).Debug("cache_put_failed")
			return
		}
		m.logger.WithFields(fields).Debug("cache_put_complete")
	}()
}

// Wait blocks until all detached cache writes have finished. Writes are
// scheduled when a response body reaches EOF, so read bodies before waiting.
func (m *Manager) Wait() {
	m.pending.Wait()
}

func (m *Manager) logFetch(req *http.Request, navigation bool, source Source, err error) {
	fields := logging.FetchFields(req.Method, req.URL.String(), navigation, string(source))
	fields["cache_version"] = m.cfg.Version
	if err != nil {
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Debug("fetch_degraded")
		return
	}
	m.logger.WithFields(fields).Debug("fetch_cache_hit")
}

// IsNavigation reports whether req loads a top-level document, as signalled
// by the Sec-Fetch-Mode request header.
func IsNavigation(req *http.Request) bool {
	if req == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(req.Header.Get("Sec-Fetch-Mode")), "navigate")
}

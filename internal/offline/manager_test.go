package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
)

func TestInstallPrecachesManifest(t *testing.T) {
	network := newStubNetwork()
	network.serve("/static/css/style.css", "body{}")
	network.serve("/static/manifest.json", "{}")
	store := newTestStorage(t)
	manifest := []string{"/static/css/style.css", "/static/manifest.json"}
	m := newTestManager(t, "v6", manifest, store, network)

	report := m.Install(context.Background())
	if report.Err != nil {
		t.Fatalf("install should succeed: %v", report.Err)
	}
	if report.Precached != 2 {
		t.Fatalf("expected 2 precached entries, got %d", report.Precached)
	}

	gen, err := store.Open(context.Background(), "v6")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	for _, path := range manifest {
		key := cache.NewKey(newGet(t, path))
		if _, err := gen.Match(context.Background(), key); err != nil {
			t.Fatalf("manifest entry %s missing: %v", path, err)
		}
	}
}

func TestInstallToleratesPartialManifest(t *testing.T) {
	network := newStubNetwork()
	network.serve("/static/css/style.css", "body{}")
	store := newTestStorage(t)
	m := newTestManager(t, "v6", []string{"/static/css/style.css", "/static/icons/icon-512.png"}, store, network)

	report := m.Install(context.Background())
	if !errors.Is(report.Err, cache.ErrBatchFailed) {
		t.Fatalf("expected batch failure to be reported, got %v", report.Err)
	}
	if ok, _ := store.Has(context.Background(), "v6"); !ok {
		t.Fatalf("generation should still be created")
	}
	gen, _ := store.Open(context.Background(), "v6")
	if keys, _ := gen.Keys(context.Background()); len(keys) != 0 {
		t.Fatalf("failed batch must not leave entries, got %v", keys)
	}
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	for _, name := range []string{"v3", "v4", "v5", "v6"} {
		if _, err := store.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	m := newTestManager(t, "v6", nil, store, newStubNetwork())

	report := m.Activate(ctx)
	if report.Err != nil {
		t.Fatalf("activate error: %v", report.Err)
	}
	if len(report.Deleted) != 3 {
		t.Fatalf("expected 3 deleted generations, got %v", report.Deleted)
	}
	names, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 1 || names[0] != "v6" {
		t.Fatalf("only current generation should remain, got %v", names)
	}
}

func TestFetchPassesThroughNonGET(t *testing.T) {
	network := newStubNetwork()
	m := newTestManager(t, "v6", nil, newTestStorage(t), network)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		req, _ := http.NewRequest(method, testOrigin+"/static/css/style.css", strings.NewReader("x"))
		result := m.Fetch(context.Background(), req)
		if result.Decision != DecisionPassThrough || result.Response != nil {
			t.Fatalf("%s should pass through, got %s", method, result.Decision)
		}
	}
	if network.callCount() != 0 {
		t.Fatalf("pass-through must not touch the network, got %d calls", network.callCount())
	}
}

func TestNavigationNeverUsesCache(t *testing.T) {
	ctx := context.Background()
	network := newStubNetwork()
	network.serve("/static/index.html", "live page")
	store := newTestStorage(t)
	m := newTestManager(t, "v6", nil, store, network)

	gen, _ := store.Open(ctx, "v6")
	navKey := cache.NewKey(newGet(t, "/static/index.html"))
	if err := gen.Put(ctx, navKey, &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("stale page"), Type: cache.TypeBasic}); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	req := newGet(t, "/static/index.html")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	result := m.Fetch(ctx, req)
	if result.Decision != DecisionRespond || result.Source != SourceNetwork {
		t.Fatalf("navigation should respond from network, got %s/%s", result.Decision, result.Source)
	}
	if body := readBody(t, result.Response); body != "live page" {
		t.Fatalf("expected live page, got %q", body)
	}
	m.Wait()
	cached, err := gen.Match(ctx, navKey)
	if err != nil || string(cached.Body) != "stale page" {
		t.Fatalf("navigation must not write to cache, got %v err=%v", cached, err)
	}

	network.setOffline(true)
	result = m.Fetch(ctx, req)
	if result.Decision != DecisionFailed || result.Response != nil {
		t.Fatalf("offline navigation must fail without cache fallback, got %s", result.Decision)
	}
}

func TestFetchCachesStaticBasicResponse(t *testing.T) {
	ctx := context.Background()
	network := newStubNetwork()
	network.serve("/static/js/app.js", "console.log(6)")
	store := newTestStorage(t)
	m := newTestManager(t, "v6", nil, store, network)

	result := m.Fetch(ctx, newGet(t, "/static/js/app.js"))
	if result.Decision != DecisionRespond || result.Source != SourceNetwork {
		t.Fatalf("expected network response, got %s/%s", result.Decision, result.Source)
	}
	if body := readBody(t, result.Response); body != "console.log(6)" {
		t.Fatalf("live body mismatch: %q", body)
	}

	m.Wait()
	gen, _ := store.Open(ctx, "v6")
	cached, err := gen.Match(ctx, cache.NewKey(newGet(t, "/static/js/app.js")))
	if err != nil {
		t.Fatalf("expected cached entry: %v", err)
	}
	if string(cached.Body) != "console.log(6)" {
		t.Fatalf("cached body mismatch: %q", cached.Body)
	}
}

func TestFetchDoesNotCacheIneligibleResponses(t *testing.T) {
	ctx := context.Background()
	network := newStubNetwork()
	network.serve("/api/games", "[]")
	network.serve("/static/font.woff", "font")
	network.redirects["/static/font.woff"] = "https://cdn.example/font.woff"
	store := newTestStorage(t)
	m := newTestManager(t, "v6", nil, store, network)

	testCases := []struct {
		name   string
		path   string
		status int
	}{
		{"outside static prefix", "/api/games", http.StatusOK},
		{"non-200 status", "/static/missing.css", http.StatusNotFound},
		{"cross-origin response", "/static/font.woff", http.StatusOK},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := m.Fetch(ctx, newGet(t, tc.path))
			if result.Decision != DecisionRespond || result.Response.StatusCode != tc.status {
				t.Fatalf("expected unmodified %d response, got %s", tc.status, result.Decision)
			}
			readBody(t, result.Response)
		})
	}

	m.Wait()
	gen, _ := store.Open(ctx, "v6")
	keys, err := gen.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("ineligible responses must not be cached, got %v", keys)
	}
}

func TestFetchFailsWhenOfflineAndUncached(t *testing.T) {
	network := newStubNetwork()
	network.setOffline(true)
	m := newTestManager(t, "v6", nil, newTestStorage(t), network)

	result := m.Fetch(context.Background(), newGet(t, "/static/css/missing.css"))
	if result.Decision != DecisionFailed || result.Response != nil {
		t.Fatalf("expected failed load, got %s", result.Decision)
	}
	if !errors.Is(result.Err, errNetworkDown) {
		t.Fatalf("network error should be carried for logging, got %v", result.Err)
	}
}

func TestOfflineFallbackAfterInstall(t *testing.T) {
	ctx := context.Background()
	network := newStubNetwork()
	network.serve("/static/css/style.css", "body{color:red}")
	store := newTestStorage(t)
	m := newTestManager(t, "v6", []string{"/static/css/style.css"}, store, network)

	if report := m.Install(ctx); report.Err != nil {
		t.Fatalf("install error: %v", report.Err)
	}
	gen, _ := store.Open(ctx, "v6")
	if _, err := gen.Match(ctx, cache.NewKey(newGet(t, "/static/css/style.css"))); err != nil {
		t.Fatalf("style.css should be cached after install: %v", err)
	}

	network.setOffline(true)
	result := m.Fetch(ctx, newGet(t, "/static/css/style.css"))
	if result.Decision != DecisionRespond || result.Source != SourceCache {
		t.Fatalf("expected cache fallback, got %s/%s", result.Decision, result.Source)
	}
	if result.Response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected cached status %d", result.Response.StatusCode)
	}
	if body := readBody(t, result.Response); body != "body{color:red}" {
		t.Fatalf("cached body mismatch: %q", body)
	}
}

func TestVersionUpgradePurgesPreviousGeneration(t *testing.T) {
	ctx := context.Background()
	network := newStubNetwork()
	network.serve("/static/css/style.css", "v5 styles")
	store := newTestStorage(t)

	v5 := NewWorker(newTestManager(t, "v5", []string{"/static/css/style.css"}, store, network), nil)
	if err := v5.Start(ctx); err != nil {
		t.Fatalf("v5 start: %v", err)
	}

	network.serve("/static/css/style.css", "v6 styles")
	v6 := NewWorker(newTestManager(t, "v6", []string{"/static/css/style.css"}, store, network), nil)
	if err := v6.Start(ctx); err != nil {
		t.Fatalf("v6 start: %v", err)
	}
	if got := v6.ActivateReport().Deleted; len(got) != 1 || got[0] != "v5" {
		t.Fatalf("v6 activation should delete v5, got %v", got)
	}

	old, err := store.Open(ctx, "v5")
	if err != nil {
		t.Fatalf("open v5: %v", err)
	}
	if keys, _ := old.Keys(ctx); len(keys) != 0 {
		t.Fatalf("v5 should enumerate zero entries, got %v", keys)
	}
	current, _ := store.Open(ctx, "v6")
	cached, err := current.Match(ctx, cache.NewKey(newGet(t, "/static/css/style.css")))
	if err != nil || string(cached.Body) != "v6 styles" {
		t.Fatalf("v6 should keep its install entries, got %v err=%v", cached, err)
	}
}

func TestCacheWriteFailureDoesNotAffectResponse(t *testing.T) {
	network := newStubNetwork()
	network.serve("/static/css/style.css", "body{}")
	calls := make(chan struct{}, 1)
	store := &failingStorage{Storage: newTestStorage(t), putCalls: calls}
	m := newTestManager(t, "v6", nil, store, network)

	result := m.Fetch(context.Background(), newGet(t, "/static/css/style.css"))
	if result.Decision != DecisionRespond || result.Err != nil {
		t.Fatalf("foreground response should be unaffected, got %s err=%v", result.Decision, result.Err)
	}
	if body := readBody(t, result.Response); body != "body{}" {
		t.Fatalf("live body mismatch: %q", body)
	}

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("background cache write was never attempted")
	}
	m.Wait()
}

func TestFetchSkipsCachingOversizedBodies(t *testing.T) {
	ctx := context.Background()
	network := newStubNetwork()
	network.serve("/static/big.bin", strings.Repeat("x", 64))
	store := newTestStorage(t)
	m := newTestManager(t, "v6", nil, store, network)
	m.cfg.MaxEntrySize = 16

	result := m.Fetch(ctx, newGet(t, "/static/big.bin"))
	if body := readBody(t, result.Response); len(body) != 64 {
		t.Fatalf("oversized body must reach the client intact, got %d bytes", len(body))
	}
	m.Wait()
	gen, _ := store.Open(ctx, "v6")
	if keys, _ := gen.Keys(ctx); len(keys) != 0 {
		t.Fatalf("oversized body should not be cached, got %v", keys)
	}
}

func TestNewManagerValidatesConfig(t *testing.T) {
	if _, err := NewManager(Config{}, newTestStorage(t), newStubNetwork(), nil); err == nil {
		t.Fatalf("empty config should be rejected")
	}
}

func streamingResponse(req *http.Request, body io.ReadCloser) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"application/javascript"}},
		Body:          body,
		ContentLength: -1,
		Request:       req,
	}
}

func TestFetchReturnsBeforeStreamingBodyCompletes(t *testing.T) {
	ctx := context.Background()
	pr, pw := io.Pipe()
	network := fetcherFunc(func(req *http.Request) (*http.Response, error) {
		return streamingResponse(req, pr), nil
	})
	store := newTestStorage(t)
	m := newTestManager(t, "v6", nil, store, network)

	results := make(chan FetchResult, 1)
	go func() {
		results <- m.Fetch(ctx, newGet(t, "/static/app.js"))
	}()

	var result FetchResult
	select {
	case result = <-results:
	case <-time.After(time.Second):
		_ = pw.Close()
		t.Fatalf("Fetch blocked on an open upstream body")
	}
	if result.Decision != DecisionRespond || result.Source != SourceNetwork {
		t.Fatalf("expected network response, got %s/%s", result.Decision, result.Source)
	}

	go func() {
		_, _ = io.WriteString(pw, "first-chunk;")
		_, _ = io.WriteString(pw, "second-chunk")
		_ = pw.Close()
	}()
	first := make([]byte, len("first-chunk;"))
	if _, err := io.ReadFull(result.Response.Body, first); err != nil || string(first) != "first-chunk;" {
		t.Fatalf("first chunk should stream through, got %q err=%v", first, err)
	}
	rest, err := io.ReadAll(result.Response.Body)
	if err != nil || string(rest) != "second-chunk" {
		t.Fatalf("unexpected remainder %q err=%v", rest, err)
	}
	_ = result.Response.Body.Close()
	m.Wait()

	gen, _ := store.Open(ctx, "v6")
	cached, err := gen.Match(ctx, cache.NewKey(newGet(t, "/static/app.js")))
	if err != nil {
		t.Fatalf("completed stream should be cached: %v", err)
	}
	if string(cached.Body) != "first-chunk;second-chunk" {
		t.Fatalf("cached body mismatch: %q", cached.Body)
	}
}

func TestFetchDropsSnapshotOfBrokenStream(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name    string
		consume func(t *testing.T, body io.ReadCloser, pw *io.PipeWriter)
	}{
		{"upstream read error", func(t *testing.T, body io.ReadCloser, pw *io.PipeWriter) {
			go func() {
				_, _ = io.WriteString(pw, "partial")
				_ = pw.CloseWithError(errors.New("connection reset"))
			}()
			if _, err := io.ReadAll(body); err == nil {
				t.Fatalf("expected read error")
			}
			_ = body.Close()
		}},
		{"closed before end", func(t *testing.T, body io.ReadCloser, pw *io.PipeWriter) {
			go func() { _, _ = io.WriteString(pw, "partial") }()
			buf := make([]byte, len("partial"))
			if _, err := io.ReadFull(body, buf); err != nil {
				t.Fatalf("read error: %v", err)
			}
			_ = body.Close()
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pr, pw := io.Pipe()
			network := fetcherFunc(func(req *http.Request) (*http.Response, error) {
				return streamingResponse(req, pr), nil
			})
			store := newTestStorage(t)
			m := newTestManager(t, "v6", nil, store, network)

			result := m.Fetch(ctx, newGet(t, "/static/app.js"))
			if result.Decision != DecisionRespond {
				t.Fatalf("expected respond, got %s", result.Decision)
			}
			tc.consume(t, result.Response.Body, pw)
			m.Wait()

			gen, _ := store.Open(ctx, "v6")
			if keys, _ := gen.Keys(ctx); len(keys) != 0 {
				t.Fatalf("incomplete body must not be cached, got %v", keys)
			}
		})
	}
}

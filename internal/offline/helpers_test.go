package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
)

const testOrigin = "http://app.local"

var errNetworkDown = errors.New("network down")

// stubNetwork serves requests from an in-memory handler and can be switched
// offline to simulate fetch rejections.
type stubNetwork struct {
	mu      sync.Mutex
	offline bool
	bodies  map[string]string
	// redirects maps a path to the final URL the response claims to come from.
	redirects map[string]string
	calls     []string
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{
		bodies:    map[string]string{},
		redirects: map[string]string{},
	}
}

func (n *stubNetwork) serve(path, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[path] = body
}

func (n *stubNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *stubNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *stubNetwork) Do(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req.Method+" "+req.URL.String())
	offline := n.offline
	body, ok := n.bodies[req.URL.Path]
	redirect := n.redirects[req.URL.Path]
	n.mu.Unlock()

	if offline {
		return nil, &url.Error{Op: req.Method, URL: req.URL.String(), Err: errNetworkDown}
	}

	rec := httptest.NewRecorder()
	if !ok {
		http.NotFound(rec, req)
	} else {
		rec.Header().Set("Content-Type", "text/plain")
		rec.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(rec, body)
	}
	resp := rec.Result()
	resp.Request = req
	if redirect != "" {
		final, _ := http.NewRequest(http.MethodGet, redirect, nil)
		resp.Request = final
	}
	return resp, nil
}

// fetcherFunc adapts a function to cache.Fetcher.
type fetcherFunc func(*http.Request) (*http.Response, error)

func (f fetcherFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// failingStorage wraps a real storage but refuses every Put.
type failingStorage struct {
	cache.Storage
	putCalls chan struct{}
}

func (s *failingStorage) Open(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &failingGeneration{Generation: gen, calls: s.putCalls}, nil
}

type failingGeneration struct {
	cache.Generation
	calls chan struct{}
}

func (g *failingGeneration) Put(ctx context.Context, key cache.Key, resp *cache.Response) error {
	if g.calls != nil {
		g.calls <- struct{}{}
	}
	return errors.New("quota exceeded")
}

func newTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	store, err := cache.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return store
}

func newTestManager(t *testing.T, version string, manifest []string, store cache.Storage, network cache.Fetcher) *Manager {
	t.Helper()
	origin, _ := url.Parse(testOrigin)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m, err := NewManager(Config{
		Version:      version,
		Manifest:     manifest,
		StaticPrefix: "/static/",
		Origin:       origin,
	}, store, network, logger)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

func newGet(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	if resp == nil {
		t.Fatalf("nil response")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

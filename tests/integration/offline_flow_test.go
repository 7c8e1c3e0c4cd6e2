package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
)

var gameManifest = []string{
	"/static/css/style.css",
	"/static/manifest.json",
	"/static/icons/icon-192.png",
	"/static/icons/icon-512.png",
}

func TestOfflineFlowServesManifestWhileOriginDown(t *testing.T) {
	for _, driver := range []string{cache.DriverFS, cache.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			origin := newOriginStub(t)
			defer origin.Close()

			storage := openStorage(t, driver, t.TempDir())
			hub := startHub(t, origin.URL, "shut-the-box-v5", storage)

			resp := doGet(t, hub.app, "/static/js/game.js", false)
			if resp.Header.Get("X-Offline-Source") != "network" {
				t.Fatalf("expected live response, got %q", resp.Header.Get("X-Offline-Source"))
			}
			resp.Body.Close()
			hub.worker.Manager().Wait()

			origin.Close()

			for _, path := range append([]string{"/static/js/game.js"}, gameManifest...) {
				resp := doGet(t, hub.app, path, false)
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Offline-Source") != "cache" {
					t.Fatalf("%s: expected cached 200, got %d source=%q", path, resp.StatusCode, resp.Header.Get("X-Offline-Source"))
				}
				if string(body) != "v5:"+path {
					t.Fatalf("%s: unexpected cached body %q", path, body)
				}
			}

			resp = doGet(t, hub.app, "/", true)
			resp.Body.Close()
			if resp.StatusCode != http.StatusGatewayTimeout {
				t.Fatalf("navigation should not be served from cache, got %d", resp.StatusCode)
			}
			resp = doGet(t, hub.app, "/api/rolls", false)
			resp.Body.Close()
			if resp.StatusCode != http.StatusGatewayTimeout {
				t.Fatalf("uncached API call should fail offline, got %d", resp.StatusCode)
			}
		})
	}
}

func TestOfflineFlowVersionUpgrade(t *testing.T) {
	origin := newOriginStub(t)
	defer origin.Close()

	storageDir := t.TempDir()
	storage := openStorage(t, cache.DriverSQLite, storageDir)
	v5 := startHub(t, origin.URL, "shut-the-box-v5", storage)
	v5.worker.Manager().Wait()

	origin.SetRevision("v6")
	v6 := startHub(t, origin.URL, "shut-the-box-v6", storage)
	if deleted := v6.worker.ActivateReport().Deleted; len(deleted) != 1 || deleted[0] != "shut-the-box-v5" {
		t.Fatalf("expected v5 cleanup, got %v", deleted)
	}

	resp := doGet(t, v6.app, "/-/offline", false)
	var status struct {
		Version     string `json:"version"`
		Generations []struct {
			Name    string `json:"name"`
			Entries int    `json:"entries"`
		} `json:"generations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if status.Version != "shut-the-box-v6" || len(status.Generations) != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Generations[0].Name != "shut-the-box-v6" || status.Generations[0].Entries != len(gameManifest) {
		t.Fatalf("unexpected generation %+v", status.Generations[0])
	}

	origin.Close()
	resp = doGet(t, v6.app, "/static/css/style.css", false)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "v6:/static/css/style.css" {
		t.Fatalf("offline response should come from v6, got %q", body)
	}
}

func TestOfflineFlowPassesMutationsThrough(t *testing.T) {
	origin := newOriginStub(t)
	defer origin.Close()

	hub := startHub(t, origin.URL, "shut-the-box-v6", openStorage(t, cache.DriverFS, t.TempDir()))

	req := httptest.NewRequest(http.MethodPost, "http://hub.local/api/rolls", strings.NewReader(`{"keep":[1,2]}`))
	resp, err := hub.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from origin, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	var found bool
	for _, rec := range origin.Requests() {
		if rec.Method == http.MethodPost && rec.Path == "/api/rolls" {
			found = string(rec.Body) == `{"keep":[1,2]}` && rec.Headers.Get("X-Forwarded-Host") == "hub.local"
		}
	}
	if !found {
		t.Fatalf("origin should receive the forwarded POST, got %+v", origin.Requests())
	}

	gen, err := hub.worker.Manager().Storage().Open(context.Background(), "shut-the-box-v6")
	if err != nil {
		t.Fatalf("open generation: %v", err)
	}
	keys, _ := gen.Keys(context.Background())
	for _, key := range keys {
		if key.Method != http.MethodGet {
			t.Fatalf("non-GET request must not be cached, got %v", key)
		}
	}
}

type hubInstance struct {
	app    *fiber.App
	worker *offline.Worker
}

func openStorage(t *testing.T, driver, dir string) cache.Storage {
	t.Helper()
	storage, err := cache.NewStorage(driver, dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func startHub(t *testing.T, originURL, version string, storage cache.Storage) *hubInstance {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Origin: config.OriginConfig{Upstream: originURL},
		Cache: config.CacheConfig{
			Version:      version,
			StaticPrefix: "/static/",
			Manifest:     gameManifest,
		},
	}
	policy, err := offline.ConfigFrom(cfg)
	if err != nil {
		t.Fatalf("policy error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client := server.NewUpstreamClient(cfg)
	manager, err := offline.NewManager(policy, storage, client, logger)
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}
	worker := offline.NewWorker(manager, logger)
	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("worker start: %v", err)
	}
	t.Cleanup(manager.Wait)

	handler, err := proxy.NewHandler(client, logger, worker, policy.Origin)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterOfflineRoutes(app, worker)
	return &hubInstance{app: app, worker: worker}
}

func doGet(t *testing.T, app *fiber.App, path string, navigate bool) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://hub.local"+path, nil)
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

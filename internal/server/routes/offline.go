package routes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/tunabay/go-infounit"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/offline"
)

// RegisterOfflineRoutes 暴露 /-/offline 诊断接口，供运维确认当前缓存版本与各代缓存占用。
func RegisterOfflineRoutes(app *fiber.App, worker *offline.Worker) {
	if app == nil || worker == nil {
		return
	}

	app.Get("/-/offline", func(c fiber.Ctx) error {
		generations, err := encodeGenerations(c, worker.Manager().Storage())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(encodeStatus(worker, generations))
	})

	app.Get("/-/offline/generations/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "generation_required"})
		}
		// 诊断接口只读，不能用 Open 把已清理的代际重新建出来。
		gen, err := worker.Manager().Storage().Generation(c.UserContext(), name)
		if errors.Is(err, cache.ErrGenerationNotFound) || errors.Is(err, cache.ErrInvalidGeneration) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "generation_not_found"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		keys, err := gen.Keys(c.UserContext())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		entries := make([]entryPayload, 0, len(keys))
		for _, key := range keys {
			entries = append(entries, entryPayload{Method: key.Method, URL: key.URL})
		}
		return c.JSON(fiber.Map{
			"name":    name,
			"current": name == worker.Version(),
			"entries": entries,
		})
	})
}

type statusPayload struct {
	Version      string              `json:"version"`
	State        string              `json:"state"`
	Claimed      bool                `json:"claimed"`
	StaticPrefix string              `json:"static_prefix"`
	Manifest     []string            `json:"manifest"`
	Install      installPayload      `json:"install"`
	Generations  []generationPayload `json:"generations"`
}

type installPayload struct {
	Precached int    `json:"precached"`
	Error     string `json:"error,omitempty"`
}

type generationPayload struct {
	Name      string `json:"name"`
	Current   bool   `json:"current"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	Size      string `json:"size"`
}

type entryPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func encodeStatus(worker *offline.Worker, generations []generationPayload) statusPayload {
	cfg := worker.Manager().Config()
	report := worker.InstallReport()
	install := installPayload{Precached: report.Precached}
	if report.Err != nil {
		install.Error = report.Err.Error()
	}
	if generations == nil {
		generations = []generationPayload{}
	}
	for i := range generations {
		generations[i].Current = generations[i].Name == cfg.Version
	}
	return statusPayload{
		Version:      cfg.Version,
		State:        worker.State().String(),
		Claimed:      worker.Claimed(),
		StaticPrefix: cfg.StaticPrefix,
		Manifest:     cfg.Manifest,
		Install:      install,
		Generations:  generations,
	}
}

func encodeGenerations(c fiber.Ctx, storage cache.Storage) ([]generationPayload, error) {
	names, err := storage.Keys(c.UserContext())
	if err != nil {
		return nil, err
	}
	result := make([]generationPayload, 0, len(names))
	for _, name := range names {
		gen, err := storage.Generation(c.UserContext(), name)
		if errors.Is(err, cache.ErrGenerationNotFound) {
			// 列举与查询之间被 Activate 清理掉
			continue
		}
		if err != nil {
			return nil, err
		}
		stats, err := gen.Stats(c.UserContext())
		if err != nil {
			return nil, err
		}
		result = append(result, encodeGeneration(name, stats))
	}
	return result, nil
}

func encodeGeneration(name string, stats cache.Stats) generationPayload {
	return generationPayload{
		Name:      name,
		Entries:   stats.Entries,
		SizeBytes: stats.Bytes,
		Size:      fmt.Sprint(infounit.ByteCount(stats.Bytes)),
	}
}

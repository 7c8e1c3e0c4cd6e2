package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
)

// NewStorage 根据驱动名称构建 Storage，basePath 为缓存根目录。
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStorage(basePath)
	case DriverSQLite:
		if basePath == "" {
			return nil, fmt.Errorf("storage path required")
		}
		if err := os.MkdirAll(basePath, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		return OpenSQLiteStorage(filepath.Join(basePath, SQLiteFileName))
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

package offline

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tunabay/go-infounit"

	"github.com/any-hub/offline-hub/internal/config"
)

// Config is the immutable policy a Manager is built with. Bumping Version is
// the only way to invalidate previously cached entries.
type Config struct {
	// Version names the current cache generation.
	Version string
	// Manifest lists origin-relative URLs pre-cached on install, in order.
	Manifest []string
	// StaticPrefix restricts incidental caching to request paths under it.
	StaticPrefix string
	// Origin resolves manifest entries to absolute URLs.
	Origin *url.URL
	// MaxEntrySize caps a single cached body; zero disables the cap.
	MaxEntrySize infounit.ByteCount
}

// ConfigFrom 将文件配置转换为 Manager 所需的不可变策略。
func ConfigFrom(cfg *config.Config) (Config, error) {
	if cfg == nil {
		return Config{}, errors.New("config is nil")
	}
	origin, err := url.Parse(cfg.Origin.Upstream)
	if err != nil {
		return Config{}, fmt.Errorf("invalid origin: %w", err)
	}
	size := cfg.Cache.MaxEntrySize
	if size < 0 {
		size = 0
	}
	return Config{
		Version:      cfg.Cache.Version,
		Manifest:     append([]string(nil), cfg.Cache.Manifest...),
		StaticPrefix: cfg.Cache.StaticPrefix,
		Origin:       origin,
		MaxEntrySize: infounit.ByteCount(size),
	}, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Version) == "" {
		return errors.New("cache version required")
	}
	if c.Origin == nil || c.Origin.Host == "" {
		return errors.New("origin required")
	}
	return nil
}

// manifestURLs resolves every manifest entry against the origin.
func (c Config) manifestURLs() ([]string, error) {
	urls := make([]string, 0, len(c.Manifest))
	for _, entry := range c.Manifest {
		ref, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		urls = append(urls, c.Origin.ResolveReference(ref).String())
	}
	return urls, nil
}

func (c Config) isStatic(u *url.URL) bool {
	if u == nil || c.StaticPrefix == "" {
		return false
	}
	return strings.HasPrefix(u.Path, c.StaticPrefix)
}

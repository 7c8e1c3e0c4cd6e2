package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[strings.ToLower(g.StorageDriver)]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 fs|sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := validateUpstream(c.Origin.Upstream); err != nil {
		return fmt.Errorf("Origin.Upstream: %w", err)
	}
	if c.Origin.Proxy != "" {
		if err := validateUpstream(c.Origin.Proxy); err != nil {
			return fmt.Errorf("Origin.Proxy: %w", err)
		}
	}

	return c.Cache.validate()
}

func (c CacheConfig) validate() error {
	if c.Version == "" {
		return newFieldError("Cache.Version", "不能为空")
	}
	if strings.Contains(c.Version, "/") || c.Version == "." || c.Version == ".." {
		return newFieldError("Cache.Version", "不允许包含路径分隔符")
	}
	if !strings.HasPrefix(c.StaticPrefix, "/") {
		return newFieldError("Cache.StaticPrefix", "必须以 / 开头")
	}
	if c.MaxEntrySize < 0 {
		return newFieldError("Cache.MaxEntrySize", "不能为负数")
	}
	for i, entry := range c.Manifest {
		parsed, err := url.Parse(entry)
		if err != nil {
			return fmt.Errorf("%s: %w", manifestField(i), err)
		}
		if parsed.IsAbs() || parsed.Host != "" {
			return newFieldError(manifestField(i), "仅支持源站内的相对路径")
		}
		if !strings.HasPrefix(parsed.Path, "/") {
			return newFieldError(manifestField(i), "必须以 / 开头")
		}
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

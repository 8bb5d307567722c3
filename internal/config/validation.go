package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if err := validateRegistryURL(g.RegistryURL); err != nil {
		return fmt.Errorf("RegistryURL: %w", err)
	}

	switch g.SourceKindValue() {
	case SourceRegistry:
		// 唯一受支持的来源
	case SourceRemote:
		return fmt.Errorf("Source: %w: remote 抓取后端尚未启用", ErrUnsupportedSource)
	default:
		return fmt.Errorf("Source: %w: %s", ErrUnsupportedSource, g.Source)
	}

	for from, to := range c.Alias {
		if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
			return newFieldError("Alias", "键与值均不能为空")
		}
	}

	return nil
}

func validateRegistryURL(raw string) error {
	if raw == "" {
		return errors.New("缺少 registry 地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("registry 缺少 Host: %s", raw)
	}
	return nil
}

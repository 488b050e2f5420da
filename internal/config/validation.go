package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.CacheTTL.DurationValue() < 0 {
		return newFieldError("Global.CacheTTL", "不能为负数")
	}
	if g.MaxMemoryCache <= 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := validateStore(g); err != nil {
		return err
	}

	if len(c.Routes) == 0 {
		return errors.New("至少需要配置一个 Route")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Name == "" {
			return newFieldError("Route[].Name", "不能为空")
		}
		if _, exists := seenNames[route.Name]; exists {
			return newFieldError(routeField(route.Name, "Name"), "重复")
		}
		seenNames[route.Name] = struct{}{}

		if err := validateDomain(route.Domain); err != nil {
			return fmt.Errorf("%s: %w", routeField(route.Name, "Domain"), err)
		}
		domain := strings.ToLower(route.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(routeField(route.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if (route.Username == "") != (route.Password == "") {
			return newFieldError(routeField(route.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(route.Origin); err != nil {
			return fmt.Errorf("%s: %w", routeField(route.Name, "Origin"), err)
		}
		if route.Proxy != "" {
			if err := validateUpstream(route.Proxy); err != nil {
				return fmt.Errorf("%s: %w", routeField(route.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

func validateStore(g GlobalConfig) error {
	switch g.StoreBackend {
	case StoreBackendFS:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StoreBackendMinio:
		m := g.Minio
		if m.Endpoint == "" {
			return newFieldError("Minio.Endpoint", "不能为空")
		}
		if strings.Contains(m.Endpoint, "://") {
			return newFieldError("Minio.Endpoint", "不应包含协议头，使用 UseSSL 控制 https")
		}
		if m.Bucket == "" {
			return newFieldError("Minio.Bucket", "不能为空")
		}
		if m.AccessKey == "" || m.SecretKey == "" {
			return newFieldError("Minio.AccessKey/SecretKey", "必须同时提供")
		}
	default:
		return newFieldError("Global.StoreBackend", "仅支持 fs|minio")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
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

// EffectiveCacheTTL 返回特定 Route 生效的 TTL，未覆盖时回退至全局值。
func (c *Config) EffectiveCacheTTL(r RouteConfig) time.Duration {
	if r.CacheTTL.DurationValue() > 0 {
		return r.CacheTTL.DurationValue()
	}
	return c.Global.CacheTTL.DurationValue()
}

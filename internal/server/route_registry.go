package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/cached-request/internal/config"
)

// Route 聚合一个 [[Route]] 配置及其派生属性，启动时解析一次后由代理层直接复用。
type Route struct {
	// Config 是配置文件中 Route 字段的副本。
	Config config.RouteConfig
	// ListenPort 记录网关监听端口，用于日志输出。
	ListenPort int
	// CacheTTL 是对当前 Route 生效的 TTL，未覆盖时等于全局值。
	CacheTTL  time.Duration
	OriginURL *url.URL
	ProxyURL  *url.URL
}

// RouteRegistry 提供 Host/Host:port 到 Route 的查询能力。
type RouteRegistry struct {
	routes  map[string]*Route
	ordered []*Route
}

// NewRouteRegistry 根据配置构建域名映射，调用方应在启动阶段创建一次并复用。
func NewRouteRegistry(cfg *config.Config) (*RouteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &RouteRegistry{
		routes: make(map[string]*Route, len(cfg.Routes)),
	}

	for _, rc := range cfg.Routes {
		host, _ := normalizeHost(rc.Domain)
		if host == "" {
			return nil, fmt.Errorf("invalid domain for route %s", rc.Name)
		}
		if _, exists := registry.routes[host]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", host)
		}

		route, err := buildRoute(cfg, rc)
		if err != nil {
			return nil, err
		}

		registry.routes[host] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 Route，端口部分被忽略。
func (r *RouteRegistry) Lookup(host string) (*Route, bool) {
	if r == nil {
		return nil, false
	}

	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return nil, false
	}

	route, ok := r.routes[normalized]
	return route, ok
}

// List 按配置顺序返回 Route 副本，供诊断接口输出。
func (r *RouteRegistry) List() []Route {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]Route, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildRoute(cfg *config.Config, rc config.RouteConfig) (*Route, error) {
	originURL, err := url.Parse(rc.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin for route %s: %w", rc.Name, err)
	}

	var proxyURL *url.URL
	if rc.Proxy != "" {
		proxyURL, err = url.Parse(rc.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for route %s: %w", rc.Name, err)
		}
	}

	return &Route{
		Config:     rc,
		ListenPort: cfg.Global.ListenPort,
		CacheTTL:   cfg.EffectiveCacheTTL(rc),
		OriginURL:  originURL,
		ProxyURL:   proxyURL,
	}, nil
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsed, err := strconv.Atoi(p); err == nil {
				port = parsed
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 {
			if parsed, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsed
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host), port
}

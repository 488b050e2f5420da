package routes

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/cached-request/internal/cache"
	"github.com/any-hub/cached-request/internal/proxy"
	"github.com/any-hub/cached-request/internal/server"
)

// RegisterDiagnostics 暴露 /-/ 诊断接口：Route 列表、缓存指纹预览与条目状态。
// store 为 nil 时不注册 /-/entry。
func RegisterDiagnostics(app *fiber.App, registry *server.RouteRegistry, store cache.Store) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/routes", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"routes": encodeRoutes(registry.List())})
	})

	app.Get("/-/key", func(c fiber.Ctx) error {
		route, in, status, code := resolveTarget(c, registry)
		if route == nil {
			return c.Status(status).JSON(fiber.Map{"error": code})
		}
		opts := proxy.BuildOptions(route, in)
		return c.JSON(keyPayload{
			Route:  route.Config.Name,
			Method: opts.Method,
			URL:    opts.URL,
			Key:    opts.Key().String(),
		})
	})

	if store == nil {
		return
	}

	app.Get("/-/entry", func(c fiber.Ctx) error {
		route, in, status, code := resolveTarget(c, registry)
		if route == nil {
			return c.Status(status).JSON(fiber.Map{"error": code})
		}
		opts := proxy.BuildOptions(route, in)
		key := opts.Key().String()

		ctx := c.Context()
		meta, ok, statErr := store.Stat(ctx, key)
		if statErr != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_stat_failed"})
		}
		payload := entryPayload{
			keyPayload: keyPayload{Route: route.Config.Name, Method: opts.Method, URL: opts.URL, Key: key},
			Exists:     ok,
			TTLSeconds: int64(route.CacheTTL / time.Second),
		}
		if ok {
			payload.Size = meta.Size
			payload.ModTime = meta.ModTime.UTC().Format(time.RFC3339)
			payload.Fresh = cache.IsFresh(meta, route.CacheTTL, time.Now())
		}
		return c.JSON(payload)
	})
}

type routePayload struct {
	Name       string `json:"name"`
	Domain     string `json:"domain"`
	Origin     string `json:"origin"`
	Proxy      string `json:"proxy,omitempty"`
	Port       int    `json:"port"`
	AuthMode   string `json:"auth_mode"`
	TTLSeconds int64  `json:"cache_ttl_seconds"`
}

type keyPayload struct {
	Route  string `json:"route"`
	Method string `json:"method"`
	URL    string `json:"url"`
	Key    string `json:"key"`
}

type entryPayload struct {
	keyPayload
	Exists     bool   `json:"exists"`
	Fresh      bool   `json:"fresh"`
	Size       int64  `json:"size,omitempty"`
	ModTime    string `json:"mod_time,omitempty"`
	TTLSeconds int64  `json:"cache_ttl_seconds"`
}

func encodeRoutes(routes []server.Route) []routePayload {
	result := make([]routePayload, 0, len(routes))
	for _, route := range routes {
		item := routePayload{
			Name:       route.Config.Name,
			Domain:     route.Config.Domain,
			Origin:     route.OriginURL.String(),
			Port:       route.ListenPort,
			AuthMode:   route.Config.AuthMode(),
			TTLSeconds: int64(route.CacheTTL / time.Second),
		}
		if route.ProxyURL != nil {
			// 代理地址可能携带凭证，只输出主机部分。
			item.Proxy = route.ProxyURL.Scheme + "://" + route.ProxyURL.Host
		}
		result = append(result, item)
	}
	return result
}

// resolveTarget 解析 ?url=（完整网关 URL）或 ?host=&path= 参数；method 默认 GET，
// accept 作为入站 Accept 头参与指纹计算。失败时 route 为 nil 并给出状态码与错误码。
func resolveTarget(c fiber.Ctx, registry *server.RouteRegistry) (*server.Route, proxy.Inbound, int, string) {
	host := strings.TrimSpace(c.Query("host"))
	rawPath := c.Query("path")
	rawQuery := ""
	if raw := strings.TrimSpace(c.Query("url")); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" {
			return nil, proxy.Inbound{}, fiber.StatusBadRequest, "url_invalid"
		}
		host, rawPath, rawQuery = parsed.Host, parsed.Path, parsed.RawQuery
	}
	if host == "" {
		return nil, proxy.Inbound{}, fiber.StatusBadRequest, "host_required"
	}

	route, ok := registry.Lookup(host)
	if !ok {
		return nil, proxy.Inbound{}, fiber.StatusNotFound, "host_unmapped"
	}

	header := http.Header{}
	if accept := c.Query("accept"); accept != "" {
		header.Set("Accept", accept)
	}
	return route, proxy.Inbound{
		Method:   strings.ToUpper(c.Query("method", http.MethodGet)),
		Path:     rawPath,
		RawQuery: rawQuery,
		Header:   header,
	}, 0, ""
}

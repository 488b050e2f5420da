package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cached-request/internal/cachedrequest"
	"github.com/any-hub/cached-request/internal/logging"
	"github.com/any-hub/cached-request/internal/server"
)

// forwardedHeaders 是会转发给源站的入站请求头，它们同时参与缓存指纹。
// 其余头部（User-Agent、Cookie、X-Forwarded-* 等）不转发，避免同一资源因客户端差异产生大量缓存条目。
var forwardedHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Content-Type",
}

// Handler 把网关请求映射为 cachedrequest 调用，并把 Request 流式写回客户端。
// 配置了 Proxy 的 Route 使用各自的 cachedrequest.Client，其余共享同一个。
type Handler struct {
	base   *http.Client
	cfg    cachedrequest.Config
	logger *logrus.Logger
	opts   []cachedrequest.ClientOption

	shared *cachedrequest.Client

	mu      sync.Mutex
	clients map[string]*cachedrequest.Client
}

// NewHandler 构建网关 handler，所有 Route 共享同一个上游 client 与缓存存储。
func NewHandler(base *http.Client, cfg cachedrequest.Config, logger *logrus.Logger, opts ...cachedrequest.ClientOption) *Handler {
	if base == nil {
		base = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts = append([]cachedrequest.ClientOption{cachedrequest.WithLogger(logger)}, opts...)
	return &Handler{
		base:    base,
		cfg:     cfg,
		logger:  logger,
		opts:    opts,
		shared:  cachedrequest.New(base, cfg, opts...),
		clients: make(map[string]*cachedrequest.Client),
	}
}

// Handle 执行一次读穿调用：等待响应头，再把正文以流的形式交给 Fiber。
func (h *Handler) Handle(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	requestID := server.RequestID(c)

	opts := BuildOptions(route, Inbound{
		Method:   c.Method(),
		Path:     string(c.Request().URI().Path()),
		RawQuery: string(c.Request().URI().QueryString()),
		Header:   fiberHeadersAsHTTP(c),
		Body:     append([]byte(nil), c.Body()...),
	})

	// 正文在 handler 返回后才被读取，调用生命周期由 Request.Close 控制。
	req, err := h.clientFor(route).Stream(context.Background(), opts)
	if err != nil {
		h.logResult(route, opts.URL, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusInternalServerError, "request_invalid")
	}

	waitCtx := c.Context()
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	resp, err := req.Response(waitCtx)
	if err != nil {
		_ = req.Close()
		h.logResult(route, opts.URL, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, errorCode(err))
	}

	copyResponseHeaders(c, resp.Header)
	c.Status(resp.StatusCode)

	body := &streamBody{req: req, onClose: func(err error) {
		h.logResult(route, opts.URL, requestID, resp.StatusCode, resp.FromCache(), started, err)
	}}
	return c.SendStream(body)
}

// Wait 等待所有 Route 的后台缓存写入完成，用于优雅关停。
func (h *Handler) Wait() {
	h.shared.Wait()
	h.mu.Lock()
	clients := make([]*cachedrequest.Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()
	for _, client := range clients {
		client.Wait()
	}
}

func (h *Handler) clientFor(route *server.Route) *cachedrequest.Client {
	if route.ProxyURL == nil {
		return h.shared
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[route.Config.Name]; ok {
		return client
	}
	client := cachedrequest.New(server.NewProxiedClient(h.base, route.ProxyURL), h.cfg, h.opts...)
	h.clients[route.Config.Name] = client
	return client
}

// Inbound 是入站请求中参与回源的部分。
type Inbound struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// BuildOptions 把入站请求映射为 cachedrequest.Options：源站地址拼接规范化后的路径与原始查询串，
// 只转发白名单头部，Route 凭证覆盖客户端 Authorization。诊断接口依赖同一映射预览缓存指纹。
func BuildOptions(route *server.Route, in Inbound) cachedrequest.Options {
	header := http.Header{}
	for _, name := range forwardedHeaders {
		for _, value := range in.Header.Values(name) {
			header.Add(name, value)
		}
	}
	if auth := buildCredentialHeader(route.Config.Username, route.Config.Password); auth != "" {
		header.Set("Authorization", auth)
	}

	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	opts := cachedrequest.Options{
		Method: method,
		URL:    originURL(route.OriginURL, in.Path, in.RawQuery),
		Header: header,
		TTL:    cachedrequest.TTL(route.CacheTTL),
		Gzip:   true,
	}
	if len(in.Body) > 0 && method != http.MethodGet && method != http.MethodHead {
		opts.Body = in.Body
	}
	return opts
}

func originURL(base *url.URL, rawPath, rawQuery string) string {
	clean := path.Clean("/" + rawPath)
	if strings.HasSuffix(rawPath, "/") && clean != "/" {
		clean += "/"
	}
	target := *base
	target.Path = strings.TrimRight(base.Path, "/") + clean
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return target.String()
}

// streamBody 在 fasthttp 读完或放弃正文后关闭 Request，并记录一次结果日志。
type streamBody struct {
	req     *cachedrequest.Request
	onClose func(error)
	once    sync.Once
}

func (s *streamBody) Read(p []byte) (int, error) {
	return s.req.Read(p)
}

func (s *streamBody) Close() error {
	s.once.Do(func() {
		err := s.req.Err()
		_ = s.req.Close()
		if s.onClose != nil {
			s.onClose(err)
		}
	})
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func errorCode(err error) string {
	var ue *cachedrequest.UpstreamError
	var ce *cachedrequest.CompressionError
	switch {
	case errors.As(err, &ue):
		return "upstream_failed"
	case errors.As(err, &ce):
		return "decode_failed"
	default:
		return "request_failed"
	}
}

func (h *Handler) logResult(
	route *server.Route,
	upstream string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Config.AuthMode(),
		cacheHit,
	)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil && !errors.Is(err, cachedrequest.ErrClosed) {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 跳过 hop-by-hop 头；正文已解压交付，因此同时去掉编码与长度。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	filtered := http.Header{}
	server.CopyHeaders(filtered, headers)
	filtered.Del("Content-Encoding")
	filtered.Del("Content-Length")
	for key, values := range filtered {
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}

package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cached-request/internal/cache"
	"github.com/any-hub/cached-request/internal/cachedrequest"
	"github.com/any-hub/cached-request/internal/config"
	"github.com/any-hub/cached-request/internal/proxy"
	"github.com/any-hub/cached-request/internal/server"
	"github.com/any-hub/cached-request/internal/server/routes"
)

// testGateway 组装与 CLI 相同的依赖链：Registry → Store → Handler → Fiber app。
type testGateway struct {
	app     *fiber.App
	handler *proxy.Handler
	store   cache.Store
	clock   *fakeClock
}

func newTestGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()

	if cfg.Global.ListenPort == 0 {
		cfg.Global.ListenPort = 5000
	}
	if cfg.Global.StoragePath == "" {
		cfg.Global.StoragePath = t.TempDir()
	}

	registry, err := server.NewRouteRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewFileStore(cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	clock := &fakeClock{now: time.Now()}
	handler := proxy.NewHandler(server.NewUpstreamClient(cfg), cachedrequest.Config{
		TTL:            cfg.Global.CacheTTL.DurationValue(),
		Store:          store,
		MaxStoreBuffer: cfg.Global.MaxMemoryCache,
		SingleFlight:   cfg.Global.SingleFlight,
	}, logger, cachedrequest.WithClock(clock.Now))

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
		Diagnostics: func(app *fiber.App) {
			routes.RegisterDiagnostics(app, registry, store)
		},
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	t.Cleanup(handler.Wait)

	return &testGateway{app: app, handler: handler, store: store, clock: clock}
}

type gatewayResponse struct {
	status    int
	header    http.Header
	body      string
	fromCache bool
}

func (g *testGateway) do(t *testing.T, method, host, target string) gatewayResponse {
	t.Helper()
	resp, err := g.tryDo(method, host, target)
	if err != nil {
		t.Fatalf("gateway request failed: %v", err)
	}
	return resp
}

// tryDo 不依赖 *testing.T，可在子 goroutine 中调用。
func (g *testGateway) tryDo(method, host, target string) (gatewayResponse, error) {
	req := httptest.NewRequest(method, "http://"+host+target, nil)
	resp, err := g.app.Test(req)
	if err != nil {
		return gatewayResponse{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gatewayResponse{}, err
	}
	return gatewayResponse{
		status:    resp.StatusCode,
		header:    resp.Header,
		body:      string(body),
		fromCache: resp.Header.Get(cachedrequest.HeaderFromCache) == "true",
	}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

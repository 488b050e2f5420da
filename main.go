package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cached-request/internal/cache"
	"github.com/any-hub/cached-request/internal/cachedrequest"
	"github.com/any-hub/cached-request/internal/config"
	"github.com/any-hub/cached-request/internal/logging"
	"github.com/any-hub/cached-request/internal/proxy"
	"github.com/any-hub/cached-request/internal/server"
	"github.com/any-hub/cached-request/internal/server/routes"
	"github.com/any-hub/cached-request/internal/version"
)

const configEnv = "CACHED_REQUEST_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	fetchURL    string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["routes"] = len(cfg.Routes)
		fields["store_backend"] = cfg.Global.StoreBackend
		fields["credentials"] = config.CredentialModes(cfg.Routes)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存存储 → 上游 client → 网关或单次抓取，所有请求共享同一个 Store。
	store, err := newStore(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	httpClient := server.NewUpstreamClient(cfg)
	clientCfg := cachedrequest.Config{
		TTL:            cfg.Global.CacheTTL.DurationValue(),
		Store:          store,
		MaxStoreBuffer: cfg.Global.MaxMemoryCache,
		SingleFlight:   cfg.Global.SingleFlight,
	}

	if opts.fetchURL != "" {
		return runFetch(opts, clientCfg, httpClient, logger)
	}

	registry, err := server.NewRouteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Route 注册表失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["routes"] = len(cfg.Routes)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_backend"] = cfg.Global.StoreBackend
	fields["single_flight"] = cfg.Global.SingleFlight
	fields["credentials"] = config.CredentialModes(cfg.Routes)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewHandler(httpClient, clientCfg, logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = startHTTPServer(ctx, cfg, registry, handler, store, logger)
	// 等待已交付响应的缓存写入落盘后再退出。
	handler.Wait()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// newStore 按 StoreBackend 构建缓存存储。
func newStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.Global.StoreBackend {
	case config.StoreBackendMinio:
		m := cfg.Global.Minio
		return cache.NewMinioStore(cache.MinioConfig{
			Endpoint:  m.Endpoint,
			Bucket:    m.Bucket,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			UseSSL:    m.UseSSL,
			Prefix:    m.Prefix,
		})
	default:
		return cache.NewFileStore(cfg.Global.StoragePath)
	}
}

// runFetch 执行一次读穿 GET，把正文写到 stdout；非 2xx 返回退出码 1。
func runFetch(opts cliOptions, clientCfg cachedrequest.Config, doer cachedrequest.Doer, logger *logrus.Logger) int {
	client := cachedrequest.New(doer, clientCfg, cachedrequest.WithLogger(logger))
	defer client.Wait()

	ctx := context.Background()
	req, err := client.Stream(ctx, cachedrequest.Options{URL: opts.fetchURL, Gzip: true})
	if err != nil {
		fmt.Fprintf(stdErr, "请求参数错误: %v\n", err)
		return 1
	}
	defer req.Close()

	resp, err := req.Response(ctx)
	if err != nil {
		fmt.Fprintf(stdErr, "请求失败: %v\n", err)
		return 1
	}
	if _, err := io.Copy(stdOut, req); err != nil {
		fmt.Fprintf(stdErr, "读取正文失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("fetch", opts.configPath)
	fields["url"] = opts.fetchURL
	fields["status"] = resp.StatusCode
	fields["from_cache"] = resp.FromCache()
	fields["key"] = req.Key().String()
	logger.WithFields(fields).Info("fetch_complete")

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("cached-request", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		fetchURL   string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&fetchURL, "fetch", "", "经缓存抓取一个 URL 并输出正文，不启动网关")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		fetchURL:    fetchURL,
	}, nil
}

// startHTTPServer 阻塞直到 ctx 结束（收到信号）或监听失败。
func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	registry *server.RouteRegistry,
	proxyHandler server.ProxyHandler,
	store cache.Store,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
		Diagnostics: func(app *fiber.App) {
			routes.RegisterDiagnostics(app, registry, store)
		},
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err = app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{
		DisableStartupMessage: true,
		GracefulContext:       ctx,
	})
	logger.WithField("action", "shutdown").Info("Fiber 服务停止")
	return err
}

package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.CacheTTL.DurationValue() != time.Hour {
		t.Fatalf("CacheTTL 应解析为 1h, got %s", cfg.Global.CacheTTL.DurationValue())
	}
	if cfg.Global.StoreBackend != StoreBackendFS {
		t.Fatalf("StoreBackend 默认应为 fs")
	}
	if cfg.Global.SingleFlight {
		t.Fatalf("SingleFlight 默认关闭")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("应解析出两个 Route, got %d", len(cfg.Routes))
	}
	if cfg.Routes[0].Origin != "https://api.example.com" {
		t.Fatalf("Origin 末尾斜杠应被去除: %s", cfg.Routes[0].Origin)
	}
	if cfg.EffectiveCacheTTL(cfg.Routes[0]) != time.Hour {
		t.Fatalf("Route 未设置 TTL 时应退回全局 TTL")
	}
	if cfg.EffectiveCacheTTL(cfg.Routes[1]) != 24*time.Hour {
		t.Fatalf("Route 级 TTL 应覆盖全局值")
	}
}

func TestValidateRejectsBadRoute(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestEffectiveCacheTTLOverrides(t *testing.T) {
	cfg := &Config{Global: GlobalConfig{CacheTTL: Duration(time.Hour)}}
	route := RouteConfig{CacheTTL: Duration(2 * time.Hour)}
	if ttl := cfg.EffectiveCacheTTL(route); ttl != 2*time.Hour {
		t.Fatalf("覆盖 TTL 应该优先生效")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestStoreBackendValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*Config)
		shouldErr bool
	}{
		{"fs ok", func(c *Config) {}, false},
		{"fs without path", func(c *Config) { c.Global.StoragePath = "" }, true},
		{"minio ok", func(c *Config) {
			c.Global.StoreBackend = StoreBackendMinio
			c.Global.Minio = MinioConfig{Endpoint: "localhost:9000", Bucket: "cache", AccessKey: "a", SecretKey: "b"}
		}, false},
		{"minio missing bucket", func(c *Config) {
			c.Global.StoreBackend = StoreBackendMinio
			c.Global.Minio = MinioConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"}
		}, true},
		{"minio endpoint with scheme", func(c *Config) {
			c.Global.StoreBackend = StoreBackendMinio
			c.Global.Minio = MinioConfig{Endpoint: "http://localhost:9000", Bucket: "cache", AccessKey: "a", SecretKey: "b"}
		}, true},
		{"minio half credentials", func(c *Config) {
			c.Global.StoreBackend = StoreBackendMinio
			c.Global.Minio = MinioConfig{Endpoint: "localhost:9000", Bucket: "cache", AccessKey: "a"}
		}, true},
		{"unsupported backend", func(c *Config) { c.Global.StoreBackend = "redis" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateRequiresCredentialPairs(t *testing.T) {
	cfg := validConfig()
	cfg.Routes[0].Username = "foo"
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("仅提供 Username 时应返回 FieldError, got %v", err)
	}
	if fieldErr.Field != "Route[api].Username/Password" {
		t.Fatalf("字段路径不正确: %s", fieldErr.Field)
	}
}

func TestValidateRejectsDuplicateDomains(t *testing.T) {
	cfg := validConfig()
	dup := cfg.Routes[0]
	dup.Name = "api-2"
	dup.Domain = "API.local"
	cfg.Routes = append(cfg.Routes, dup)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复 Domain 应报错")
	}
}

func TestValidateRejectsBadProxy(t *testing.T) {
	cfg := validConfig()
	cfg.Routes[0].Proxy = "socks5://127.0.0.1:1080"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("非 http/https 代理应报错")
	}
}

func TestCredentialModes(t *testing.T) {
	routes := []RouteConfig{
		{Name: "api", Username: "u", Password: "p"},
		{Name: "static"},
	}
	modes := CredentialModes(routes)
	if len(modes) != 2 || modes[0] != "api:credentialed" || modes[1] != "static:anonymous" {
		t.Fatalf("unexpected modes: %v", modes)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			StoreBackend:    StoreBackendFS,
			CacheTTL:        Duration(time.Hour),
			MaxMemoryCache:  1,
			UpstreamTimeout: Duration(time.Second),
		},
		Routes: []RouteConfig{
			{
				Name:   "api",
				Domain: "api.local",
				Origin: "https://api.example.com",
			},
		},
	}
}

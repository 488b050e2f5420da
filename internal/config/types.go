package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存后端。
const (
	StoreBackendFS    = "fs"
	StoreBackendMinio = "minio"
)

// MinioConfig 对应 [Minio] 表，仅在 StoreBackend = "minio" 时生效。
type MinioConfig struct {
	Endpoint  string `mapstructure:"Endpoint"`
	Bucket    string `mapstructure:"Bucket"`
	AccessKey string `mapstructure:"AccessKey"`
	SecretKey string `mapstructure:"SecretKey"`
	UseSSL    bool   `mapstructure:"UseSSL"`
	Prefix    string `mapstructure:"Prefix"`
}

// GlobalConfig 描述全局运行时行为，所有 Route 共享同一份参数。
type GlobalConfig struct {
	ListenPort      int         `mapstructure:"ListenPort"`
	LogLevel        string      `mapstructure:"LogLevel"`
	LogFilePath     string      `mapstructure:"LogFilePath"`
	LogMaxSize      int         `mapstructure:"LogMaxSize"`
	LogMaxBackups   int         `mapstructure:"LogMaxBackups"`
	LogCompress     bool        `mapstructure:"LogCompress"`
	StoragePath     string      `mapstructure:"StoragePath"`
	StoreBackend    string      `mapstructure:"StoreBackend"`
	CacheTTL        Duration    `mapstructure:"CacheTTL"`
	MaxMemoryCache  int64       `mapstructure:"MaxMemoryCacheSize"`
	UpstreamTimeout Duration    `mapstructure:"UpstreamTimeout"`
	SingleFlight    bool        `mapstructure:"SingleFlight"`
	Minio           MinioConfig `mapstructure:"Minio"`
}

// RouteConfig 把一个入站域名绑定到一个源站，网关对其响应做读穿缓存。
type RouteConfig struct {
	Name     string   `mapstructure:"Name"`
	Domain   string   `mapstructure:"Domain"`
	Origin   string   `mapstructure:"Origin"`
	Proxy    string   `mapstructure:"Proxy"`
	Username string   `mapstructure:"Username"`
	Password string   `mapstructure:"Password"`
	CacheTTL Duration `mapstructure:"CacheTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Routes []RouteConfig `mapstructure:"Route"`
}

// HasCredentials 表示当前 Route 是否配置了完整的源站凭证。
func (r RouteConfig) HasCredentials() bool {
	return r.Username != "" && r.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (r RouteConfig) AuthMode() string {
	if r.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有 Route 的鉴权模式摘要，例如 api:credentialed。
func CredentialModes(routes []RouteConfig) []string {
	if len(routes) == 0 {
		return nil
	}
	result := make([]string, len(routes))
	for i, route := range routes {
		result[i] = fmt.Sprintf("%s:%s", route.Name, route.AuthMode())
	}
	return result
}

package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 描述网关入站请求：命中的 route、域名、鉴权模式与缓存状态。
func RequestFields(route, domain, authMode string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"route":     route,
		"domain":    domain,
		"auth_mode": authMode,
		"cache_hit": cacheHit,
	}
}

// CallFields 描述一次读穿调用的结果。
func CallFields(key, method, url string, status int, fromCache bool, elapsed time.Duration) logrus.Fields {
	fields := logrus.Fields{
		"key":        key,
		"method":     method,
		"url":        url,
		"from_cache": fromCache,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if status > 0 {
		fields["status"] = status
	}
	return fields
}

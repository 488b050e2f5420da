package cache

import "time"

// IsFresh 判断条目是否仍在 TTL 窗口内：mtime + ttl > now。ttl <= 0 表示永不新鲜，每次都回源。
func IsFresh(meta Metadata, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	expireAt := meta.ModTime.Add(ttl)
	return now.Before(expireAt)
}

// ResolveTTL 按“单次覆盖 → 实例默认 → 0”的顺序决定生效 TTL。
func ResolveTTL(override *time.Duration, instance time.Duration) time.Duration {
	if override != nil {
		return *override
	}
	return instance
}

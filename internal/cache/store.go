package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// Store 负责缓存条目的读写。每个条目由两部分组成：
//
//	<key>        # 正文，始终为 gzip 存储形态
//	<key>.json   # 源站响应头（包含源站 Content-Encoding，不含缓存标记头）
//
// 所有方法以 ok=false、err=nil 表示条目不存在；其余失败均以 error 返回。
type Store interface {
	// Stat 返回正文的元数据，用于新鲜度判断。
	Stat(ctx context.Context, key string) (Metadata, bool, error)

	// GetHeaders 读取并解析响应头；解析失败返回 *ParseError。
	GetHeaders(ctx context.Context, key string) (http.Header, bool, error)

	// GetResponseStream 返回存储形态的正文 Reader，调用方负责关闭。
	GetResponseStream(ctx context.Context, key string) (io.ReadCloser, bool, error)

	// SetHeaders 持久化响应头，返回 nil 时写入已落盘/被远端确认。
	SetHeaders(ctx context.Context, key string, header http.Header) error

	// SetResponseStream 读完 body 并持久化。无论成功失败都会关闭实现了 io.Closer 的 body，
	// 失败时清理已写入的部分数据。
	SetResponseStream(ctx context.Context, key string, body io.Reader) error
}

// Metadata 描述一个缓存正文的文件信息。
type Metadata struct {
	Size    int64
	ModTime time.Time
}

// headersSuffix 是响应头记录相对正文记录的后缀。
const headersSuffix = ".json"

// ErrInvalidKey 表示 key 为空或包含路径分隔符，无法映射到存储位置。
var ErrInvalidKey = errors.New("invalid cache key")

func validateKey(key string) error {
	if key == "" || key == "." || strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) {
		return ErrInvalidKey
	}
	return nil
}

func closeReader(r io.Reader) {
	if closer, ok := r.(io.Closer); ok {
		_ = closer.Close()
	}
}

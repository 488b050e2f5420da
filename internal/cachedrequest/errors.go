package cachedrequest

import (
	"errors"
	"fmt"
)

var (
	// ErrNoStore 表示既没有调用级也没有实例级存储。
	ErrNoStore = errors.New("cachedrequest: no store configured")
	// ErrNoURL 表示调用缺少 URL。
	ErrNoURL = errors.New("cachedrequest: url required")
	// ErrInputEnded 表示在 CloseWrite 之后（或非 InputStream 调用上）写入。
	ErrInputEnded = errors.New("cachedrequest: write after end of input")
	// ErrStoreBufferExceeded 表示存储写入落后过多，本次写缓存被放弃。
	ErrStoreBufferExceeded = errors.New("cachedrequest: store buffer exceeded")
	// ErrClosed 表示调用方已关闭 Request。
	ErrClosed = errors.New("cachedrequest: request closed")

	errAlreadyAttached = errors.New("cachedrequest: source already attached")
	errIncompleteEntry = errors.New("cachedrequest: cache entry incomplete")
	errSharedTooLarge  = errors.New("cachedrequest: shared response exceeds store buffer")
)

// StoreError 包装存储层失败。读取失败会回退到实时请求，写入失败只作为诊断上报。
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// CompressionError 表示正文解压、字符集转换或 JSON 解析失败，会交给调用方。
type CompressionError struct {
	Op  string
	Err error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// UpstreamError 原样携带 HTTP 客户端返回的错误，不做重试。
type UpstreamError struct {
	Method string
	URL    string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

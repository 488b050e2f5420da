package cache

import "fmt"

// ParseError 表示已存储的响应头无法反序列化，上层按缓存未命中处理。
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse cached headers %s: %v", e.Key, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

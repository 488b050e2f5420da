// Package cachekey 将调用方的请求选项规范化为 Descriptor，并据此计算缓存指纹。
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Input 是参与缓存指纹计算的请求选项子集。
type Input struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
	Form   url.Values
	JSON   any
}

// Descriptor 是请求的规范化视图，创建后不再修改。
type Descriptor struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers"`
	// Payload 以字节保存，序列化为 base64，二进制请求体不会丢失信息。
	Payload []byte              `json:"payload"`
}

// Key 是 Descriptor 的 SHA-256 十六进制指纹。
type Key string

func (k Key) String() string {
	return string(k)
}

// Normalize 生成 Descriptor：方法默认 GET，Query 合并进 URL，头部名统一小写，
// payload 依次取 Body、Form、JSON。
func Normalize(in Input) Descriptor {
	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = http.MethodGet
	}

	// 按原始头部名排序后再合并，大小写不同的同名头部合并顺序固定。
	names := make([]string, 0, len(in.Header))
	for name := range in.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make(map[string][]string, len(in.Header))
	for _, name := range names {
		lower := strings.ToLower(name)
		headers[lower] = append(headers[lower], in.Header[name]...)
	}

	return Descriptor{
		Method:  method,
		URL:     foldQuery(in.URL, in.Query),
		Headers: headers,
		Payload: payload(in),
	}
}

// Derive 计算 Descriptor 的指纹。encoding/json 对 map 键排序，序列化结果稳定。
func Derive(d Descriptor) Key {
	if d.Headers == nil {
		d.Headers = map[string][]string{}
	}
	if len(d.Payload) == 0 {
		d.Payload = nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		// Descriptor 只包含字符串与字节字段，Marshal 不会失败。
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return Key(hex.EncodeToString(sum[:]))
}

// For 是 Derive(Normalize(in)) 的简写。
func For(in Input) Key {
	return Derive(Normalize(in))
}

func foldQuery(raw string, query url.Values) string {
	if len(query) == 0 {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		sep := "?"
		if strings.Contains(raw, "?") {
			sep = "&"
		}
		return raw + sep + query.Encode()
	}
	merged := parsed.Query()
	for name, values := range query {
		for _, value := range values {
			merged.Add(name, value)
		}
	}
	parsed.RawQuery = merged.Encode()
	return parsed.String()
}

func payload(in Input) []byte {
	switch {
	case len(in.Body) > 0:
		return append([]byte(nil), in.Body...)
	case len(in.Form) > 0:
		return []byte(in.Form.Encode())
	case in.JSON != nil:
		raw, err := json.Marshal(in.JSON)
		if err != nil {
			return nil
		}
		return raw
	}
	return nil
}

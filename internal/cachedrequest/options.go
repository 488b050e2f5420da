package cachedrequest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/any-hub/cached-request/internal/cache"
	"github.com/any-hub/cached-request/internal/cachekey"
)

// HeaderFromCache 只出现在缓存命中的响应上，且从不写入存储。
const HeaderFromCache = "X-From-Cache"

// Options 描述一次调用。Method/URL/Query/Header/Body/Form/JSONBody 参与缓存指纹，
// 其余字段只影响缓存策略与交付形态。
type Options struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header

	// Body、Form、JSONBody 依次作为请求体，只取第一个非空的。
	Body     []byte
	Form     url.Values
	JSONBody any

	// JSON 为 true 时回调模式会把正文解析到 Response.JSON。
	JSON bool
	// TTL 覆盖 Client 的默认 TTL；显式 0 表示本次不读缓存。
	TTL *time.Duration
	// Store 覆盖 Client 的默认存储。
	Store cache.Store
	// Encoding 为回调正文的字符集（如 "latin1"、"gbk"），也支持 "hex"/"base64"；
	// 空、"binary"、"null" 表示保留原始字节。
	Encoding string
	// Gzip 为 true 时请求 gzip 传输，并把 gzip 正文解压后再交付。
	Gzip bool
	// InputStream 为 true 时请求体来自 Request.Write，直到 CloseWrite。
	InputStream bool
}

// TTL 返回 d 的指针，便于构造 Options。
func TTL(d time.Duration) *time.Duration {
	return &d
}

// Key 返回本次调用对应的缓存指纹。
func (o Options) Key() cachekey.Key {
	return cachekey.For(o.keyInput())
}

func (o Options) keyInput() cachekey.Input {
	return cachekey.Input{
		Method: o.Method,
		URL:    o.URL,
		Query:  o.Query,
		Header: o.Header,
		Body:   o.Body,
		Form:   o.Form,
		JSON:   o.JSONBody,
	}
}

// staticBody 返回非流式调用的请求体及其默认 Content-Type。
func (o Options) staticBody() (io.Reader, string, error) {
	switch {
	case len(o.Body) > 0:
		return bytes.NewReader(o.Body), "", nil
	case len(o.Form) > 0:
		return bytes.NewReader([]byte(o.Form.Encode())), "application/x-www-form-urlencoded", nil
	case o.JSONBody != nil:
		raw, err := json.Marshal(o.JSONBody)
		if err != nil {
			return nil, "", fmt.Errorf("encode json body: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}
	return nil, "", nil
}

// newHTTPRequest 根据规范化后的描述构建上游请求。body 为 nil 时使用静态请求体。
func (o Options) newHTTPRequest(ctx context.Context, desc cachekey.Descriptor, body io.Reader) (*http.Request, error) {
	contentType := ""
	if body == nil {
		var err error
		body, contentType, err = o.staticBody()
		if err != nil {
			return nil, err
		}
	}
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, desc.Method, desc.URL, body)
	if err != nil {
		return nil, err
	}
	for name, values := range o.Header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if o.JSON && req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	// 显式声明 gzip 后 http.Transport 不再自动解压，正文以源站形态到达。
	if o.Gzip && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}
	return req, nil
}

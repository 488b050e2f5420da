package cachedrequest

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/any-hub/cached-request/internal/cache"
	"github.com/any-hub/cached-request/internal/cachekey"
	"github.com/any-hub/cached-request/internal/compress"
	"github.com/any-hub/cached-request/internal/logging"
)

// DefaultMaxStoreBuffer 是未配置时存储写入允许积压的字节数。
const DefaultMaxStoreBuffer int64 = 64 << 20

// Doer 是被包装的 HTTP 客户端，*http.Client 满足该接口。
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config 是实例级默认值，创建后不再修改；单次调用可通过 Options 覆盖 TTL 与 Store。
type Config struct {
	TTL            time.Duration
	Store          cache.Store
	MaxStoreBuffer int64
	// SingleFlight 合并同一指纹的并发回源。
	SingleFlight bool
}

// Callback 在回调模式下恰好调用一次。
type Callback func(resp *Response, body []byte, err error)

// ClientOption 调整 Client 的可选依赖。
type ClientOption func(*Client)

// WithLogger 指定诊断日志输出。
func WithLogger(logger *logrus.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock 替换新鲜度判断使用的时钟。
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client 是读穿缓存控制器：新鲜条目从 Store 回放，其余请求交给 Doer 并异步写回。
type Client struct {
	cfg    Config
	doer   Doer
	logger *logrus.Logger
	now    func() time.Time

	flights singleflight.Group
	writes  sync.WaitGroup
}

// New 构建 Client；doer 为 nil 时使用 http.DefaultClient。
func New(doer Doer, cfg Config, opts ...ClientOption) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	if cfg.MaxStoreBuffer <= 0 {
		cfg.MaxStoreBuffer = DefaultMaxStoreBuffer
	}
	c := &Client{
		cfg:    cfg,
		doer:   doer,
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config 返回实例配置的副本。
func (c *Client) Config() Config {
	return c.cfg
}

// Request 立即返回 Request，后台决定走缓存还是实时请求。
// cb 非 nil 时正文被完整读取并交给 cb；否则调用方通过 Request 流式读取。
func (c *Client) Request(ctx context.Context, opts Options, cb Callback) (*Request, error) {
	store := opts.Store
	if store == nil {
		store = c.cfg.Store
	}
	if store == nil {
		return nil, ErrNoStore
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, ErrNoURL
	}

	desc := cachekey.Normalize(opts.keyInput())
	callCtx, cancel := context.WithCancel(ctx)
	k := &call{
		client:  c,
		opts:    opts,
		desc:    desc,
		key:     cachekey.Derive(desc),
		store:   store,
		ttl:     cache.ResolveTTL(opts.TTL, c.cfg.TTL),
		started: c.now(),
	}
	k.req = newRequest(k.key, c.logger, cancel, opts.InputStream)
	if cb != nil {
		k.req.owned = true
		go k.collect(cb)
	}
	go k.resolve(callCtx)
	return k.req, nil
}

// Do 是回调模式的同步形式。
func (c *Client) Do(ctx context.Context, opts Options) (*Response, []byte, error) {
	type result struct {
		resp *Response
		body []byte
		err  error
	}
	ch := make(chan result, 1)
	if _, err := c.Request(ctx, opts, func(resp *Response, body []byte, err error) {
		ch <- result{resp: resp, body: body, err: err}
	}); err != nil {
		return nil, nil, err
	}
	res := <-ch
	return res.resp, res.body, res.err
}

// Stream 是流式模式：调用方从返回的 Request 读取正文，结束后 Close。
func (c *Client) Stream(ctx context.Context, opts Options) (*Request, error) {
	return c.Request(ctx, opts, nil)
}

// Wait 等待所有进行中的缓存写入结束，用于关停或测试。
func (c *Client) Wait() {
	c.writes.Wait()
}

// call 保存一次调用的解析结果与状态。
type call struct {
	client  *Client
	opts    Options
	desc    cachekey.Descriptor
	key     cachekey.Key
	store   cache.Store
	ttl     time.Duration
	started time.Time
	req     *Request
}

// resolve：CHECKING_FRESHNESS → SERVE_FROM_CACHE | FETCH_LIVE。
func (k *call) resolve(ctx context.Context) {
	meta, ok, err := k.store.Stat(ctx, k.key.String())
	switch {
	case err != nil:
		k.cacheError(&StoreError{Op: "stat", Key: k.key.String(), Err: err}, "cache_stat_failed")
	case ok && cache.IsFresh(meta, k.ttl, k.client.now()):
		if k.serveCache(ctx) {
			return
		}
	}

	if k.client.cfg.SingleFlight && !k.opts.InputStream {
		k.fetchShared(ctx)
		return
	}
	k.fetchLive(ctx)
}

// serveCache 并行读取响应头与正文，任一失败都返回 false 以回退到实时请求。
func (k *call) serveCache(ctx context.Context) bool {
	keyString := k.key.String()
	var (
		header   http.Header
		body     io.ReadCloser
		headerOK bool
		bodyOK   bool
		g        errgroup.Group
	)
	g.Go(func() error {
		h, ok, err := k.store.GetHeaders(ctx, keyString)
		if err != nil {
			return &StoreError{Op: "get_headers", Key: keyString, Err: err}
		}
		header, headerOK = h, ok
		return nil
	})
	g.Go(func() error {
		b, ok, err := k.store.GetResponseStream(ctx, keyString)
		if err != nil {
			return &StoreError{Op: "get_body", Key: keyString, Err: err}
		}
		body, bodyOK = b, ok
		return nil
	})
	err := g.Wait()
	if err == nil && (!headerOK || !bodyOK) {
		err = &StoreError{Op: "read", Key: keyString, Err: errIncompleteEntry}
	}
	if err != nil {
		if body != nil {
			_ = body.Close()
		}
		k.cacheError(err, "cache_read_failed")
		return false
	}
	defer body.Close()

	if err := k.req.attach(&cacheSource{body: body}); err != nil {
		return true
	}

	originEncoding := header.Get("Content-Encoding")
	decoded, err := compress.DecodeStored(body, originEncoding, k.opts.Gzip)
	if err != nil {
		k.complete(0, true, &CompressionError{Op: "gunzip", Err: err})
		return true
	}

	delivered := header.Clone()
	delivered.Set(HeaderFromCache, "true")
	k.req.respond(&Response{StatusCode: http.StatusOK, Header: delivered})

	unpacked := decoded != io.Reader(body)
	if err := k.pump(ctx, decoded); err != nil {
		var ce *CompressionError
		if unpacked && !errors.Is(err, ErrClosed) && !errors.As(err, &ce) && ctx.Err() == nil {
			err = &CompressionError{Op: "gunzip", Err: err}
		}
		k.complete(http.StatusOK, true, err)
		return true
	}
	k.complete(http.StatusOK, true, nil)
	return true
}

// fetchLive 执行实时请求；2xx 正文一路交付调用方，一路经 spool 写入存储。
func (k *call) fetchLive(ctx context.Context) {
	src := &liveSource{}
	var (
		body  io.Reader
		input *io.PipeReader
	)
	if k.opts.InputStream {
		pr, pw := io.Pipe()
		src.input = pw
		input = pr
		body = pr
	}

	httpReq, err := k.opts.newHTTPRequest(httptrace.WithClientTrace(ctx, clientTrace(k.req)), k.desc, body)
	if err != nil {
		src.abort(err)
		k.complete(0, false, err)
		return
	}

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := k.client.doer.Do(httpReq)
		done <- result{resp: resp, err: err}
	}()

	// 重放写入会阻塞到 Doer 读取请求体为止，放到独立 goroutine 中执行。
	go func() {
		if err := k.req.attach(src); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			k.client.logger.WithError(err).WithField("key", k.key.String()).Debug("request_attach_failed")
		}
	}()

	res := <-done
	// Do 返回后请求体不再被读取，关闭读端以释放仍阻塞的写入。
	if input != nil {
		_ = input.CloseWithError(io.ErrClosedPipe)
	}
	if res.err != nil {
		src.abort(res.err)
		k.complete(0, false, &UpstreamError{Method: k.desc.Method, URL: k.desc.URL, Err: res.err})
		return
	}
	k.deliverLive(ctx, res.resp)
}

func (k *call) deliverLive(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	header := resp.Header.Clone()
	header.Del(HeaderFromCache)

	var raw io.Reader = resp.Body
	var sp *spool
	if isCacheable(resp.StatusCode) {
		sp = newSpool(k.client.cfg.MaxStoreBuffer)
		raw = io.TeeReader(resp.Body, sp)
		k.persist(ctx, header.Clone(), sp)
	}

	decoded, err := compress.DecodeOrigin(raw, header.Get("Content-Encoding"), k.opts.Gzip)
	if err != nil {
		if sp != nil {
			sp.end(err)
		}
		k.complete(resp.StatusCode, false, &CompressionError{Op: "gunzip", Err: err})
		return
	}

	k.req.respond(&Response{StatusCode: resp.StatusCode, Header: header})

	err = k.pump(ctx, decoded)
	if err == nil && sp != nil {
		// 解压读取器可能未读到底层 EOF，补读以保证缓存副本完整。
		_, err = io.Copy(io.Discard, raw)
	}
	if sp != nil {
		sp.end(err)
	}
	k.complete(resp.StatusCode, false, err)
}

// persist 在独立 goroutine 中写入存储，写入失败只作为诊断上报。
// 正文写入成功后才提交响应头，正文被放弃时旧条目保持完整。
// 写入不跟随调用的取消：交付完成后关闭 Request 不会中断它，中途取消则由 spool 终止。
func (k *call) persist(parent context.Context, header http.Header, body io.Reader) {
	k.client.writes.Add(1)
	go func() {
		defer k.client.writes.Done()

		ctx := context.WithoutCancel(parent)
		stored := compress.Encode(body, header.Get("Content-Encoding"))
		keyString := k.key.String()

		if err := k.store.SetResponseStream(ctx, keyString, stored); err != nil {
			k.cacheError(&StoreError{Op: "set_body", Key: keyString, Err: err}, "cache_write_failed")
			return
		}
		if err := k.store.SetHeaders(ctx, keyString, header); err != nil {
			k.cacheError(&StoreError{Op: "set_headers", Key: keyString, Err: err}, "cache_write_failed")
			return
		}
		k.client.logger.WithFields(logrus.Fields{"key": keyString, "url": k.desc.URL}).Debug("cache_stored")
	}()
}

// pump 按读取顺序把正文推给 Request。
func (k *call) pump(ctx context.Context, body io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := body.Read(buf)
		if n > 0 {
			if pushErr := k.req.push(buf[:n]); pushErr != nil {
				return ErrClosed
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// complete 结束调用并输出一条调试日志。
func (k *call) complete(status int, fromCache bool, err error) {
	k.req.finish(err)
	entry := k.client.logger.WithFields(logging.CallFields(
		k.key.String(), k.desc.Method, k.desc.URL, status, fromCache, k.client.now().Sub(k.started),
	))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("call_complete")
}

// cacheError 上报不影响交付的存储诊断。
func (k *call) cacheError(err error, action string) {
	k.client.logger.WithError(err).WithFields(logrus.Fields{
		"key": k.key.String(),
		"url": k.desc.URL,
	}).Warn(action)
	k.req.emit(EventCacheError, err)
}

// collect 为回调模式汇总正文：字符集转换后按需解析 JSON。
func (k *call) collect(cb Callback) {
	resp, err := k.req.Response(context.Background())
	if err != nil {
		cb(nil, nil, err)
		return
	}
	body, err := io.ReadAll(k.req)
	if err != nil {
		cb(resp, nil, err)
		return
	}
	body, err = decodeCharset(k.opts.Encoding, body)
	if err != nil {
		cb(resp, nil, err)
		return
	}
	if k.opts.JSON && len(body) > 0 {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err != nil {
			cb(resp, body, &CompressionError{Op: "json", Err: err})
			return
		}
		out := *resp
		out.JSON = parsed
		resp = &out
	}
	cb(resp, body, nil)
}

func isCacheable(status int) bool {
	return status >= 200 && status < 300
}

func decodeCharset(name string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "binary", "null", "buffer":
		return body, nil
	case "hex":
		out := make([]byte, hex.EncodedLen(len(body)))
		hex.Encode(out, body)
		return out, nil
	case "base64":
		out := make([]byte, base64.StdEncoding.EncodedLen(len(body)))
		base64.StdEncoding.Encode(out, body)
		return out, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, &CompressionError{Op: "charset", Err: fmt.Errorf("%s: %w", name, err)}
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, &CompressionError{Op: "charset", Err: err}
	}
	return out, nil
}

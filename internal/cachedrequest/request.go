package cachedrequest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cached-request/internal/cachekey"
)

// source 是 Request 最终绑定的数据来源：缓存读取器或实时请求。
type source interface {
	write(p []byte) (int, error)
	closeWrite() error
	abort(err error)
}

// Request 在缓存/实时路径确定之前就返回给调用方。
// 绑定前的写入按顺序缓冲，绑定时重放；绑定只发生一次。
// 正文通过 Read 读取，以 io.EOF 结束，两条路径形态相同。
type Request struct {
	key    cachekey.Key
	logger *logrus.Logger
	cancel context.CancelFunc

	// wmu 串行化 Write 与绑定时的重放，保证写入顺序。
	wmu sync.Mutex

	mu        sync.Mutex
	src       source
	pending   [][]byte
	ended     bool
	finished  bool
	err       error
	resp      *Response
	listeners map[Event][]Listener
	// owned 表示错误由回调接管，不算“无人处理”。
	owned bool

	respOnce sync.Once
	respCh   chan struct{}
	done     chan struct{}

	pr *io.PipeReader
	pw *io.PipeWriter
}

func newRequest(key cachekey.Key, logger *logrus.Logger, cancel context.CancelFunc, inputStream bool) *Request {
	pr, pw := io.Pipe()
	return &Request{
		key:       key,
		logger:    logger,
		cancel:    cancel,
		ended:     !inputStream,
		listeners: make(map[Event][]Listener),
		respCh:    make(chan struct{}),
		done:      make(chan struct{}),
		pr:        pr,
		pw:        pw,
	}
}

// Key 返回本次调用的缓存指纹。
func (r *Request) Key() cachekey.Key {
	return r.key
}

// On 订阅事件。事件触发时才查询订阅表，晚于事件的订阅不会收到它。
func (r *Request) On(ev Event, fn Listener) *Request {
	if fn == nil {
		return r
	}
	r.mu.Lock()
	r.listeners[ev] = append(r.listeners[ev], fn)
	r.mu.Unlock()
	return r
}

// OnResponse 是 EventResponse 的类型化订阅。
func (r *Request) OnResponse(fn func(*Response)) *Request {
	return r.On(EventResponse, func(payload any) {
		if resp, ok := payload.(*Response); ok {
			fn(resp)
		}
	})
}

// OnError 是 EventError 的类型化订阅。
func (r *Request) OnError(fn func(error)) *Request {
	return r.On(EventError, func(payload any) {
		if err, ok := payload.(error); ok {
			fn(err)
		}
	})
}

// OnCacheError 是 EventCacheError 的类型化订阅。
func (r *Request) OnCacheError(fn func(error)) *Request {
	return r.On(EventCacheError, func(payload any) {
		if err, ok := payload.(error); ok {
			fn(err)
		}
	})
}

// Write 写入请求体。仅 InputStream 调用接受写入；绑定前的数据会被缓冲。
func (r *Request) Write(p []byte) (int, error) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	switch {
	case r.finished && r.err != nil:
		err := r.err
		r.mu.Unlock()
		return 0, err
	case r.ended:
		r.mu.Unlock()
		return 0, ErrInputEnded
	case r.src == nil:
		r.pending = append(r.pending, append([]byte(nil), p...))
		r.mu.Unlock()
		return len(p), nil
	}
	src := r.src
	r.mu.Unlock()
	return src.write(p)
}

// CloseWrite 结束请求体输入；绑定前调用会在绑定时生效。
func (r *Request) CloseWrite() error {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return nil
	}
	r.ended = true
	src := r.src
	r.mu.Unlock()

	if src == nil {
		return nil
	}
	return src.closeWrite()
}

// Read 读取响应正文。
func (r *Request) Read(p []byte) (int, error) {
	return r.pr.Read(p)
}

// Response 阻塞到响应头可用或调用失败。
func (r *Request) Response(ctx context.Context) (*Response, error) {
	select {
	case <-r.respCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resp != nil {
		return r.resp, nil
	}
	return nil, r.err
}

// Done 在调用完成（正文交付完毕或失败）后关闭。
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err 返回调用的最终错误，完成前为 nil。
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close 取消调用并释放底层连接或缓存读取器。完成后调用不会影响已开始的缓存写入。
func (r *Request) Close() error {
	r.cancel()
	r.finish(ErrClosed)
	r.pr.CloseWithError(ErrClosed)
	return nil
}

// attach 绑定数据来源：先按顺序重放缓冲的写入，再应用挂起的 CloseWrite。
func (r *Request) attach(src source) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	if r.finished {
		err := r.err
		r.mu.Unlock()
		src.abort(err)
		return err
	}
	if r.src != nil {
		r.mu.Unlock()
		return errAlreadyAttached
	}
	r.src = src
	pending := r.pending
	ended := r.ended
	r.pending = nil
	r.mu.Unlock()

	for _, chunk := range pending {
		if _, err := src.write(chunk); err != nil {
			return err
		}
	}
	if ended {
		return src.closeWrite()
	}
	return nil
}

// respond 公布响应头，唤醒 Response 的等待者并触发 EventResponse。
func (r *Request) respond(resp *Response) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.resp = resp
	r.mu.Unlock()

	r.respOnce.Do(func() { close(r.respCh) })
	r.emit(EventResponse, resp)
}

// push 把一段正文交给读取方，读取方关闭后返回错误。
func (r *Request) push(p []byte) error {
	_, err := r.pw.Write(p)
	return err
}

// finish 结束调用，只有第一次生效。err 为 nil 时读取方得到 io.EOF。
func (r *Request) finish(err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.err = err
	src := r.src
	owned := r.owned
	r.mu.Unlock()

	if err != nil && src != nil {
		src.abort(err)
	}
	r.pw.CloseWithError(err)
	r.respOnce.Do(func() { close(r.respCh) })

	if err != nil && !errors.Is(err, ErrClosed) {
		if !r.emit(EventError, err) && !owned {
			r.logger.WithError(err).WithField("key", r.key.String()).Warn("request_error_unhandled")
		}
	}
	close(r.done)
	r.cancel()
}

// emit 把事件送给当前订阅者，返回是否有订阅者。
func (r *Request) emit(ev Event, payload any) bool {
	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners[ev]...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(payload)
	}
	return len(listeners) > 0
}

package cachedrequest

import (
	"net/http"
	"net/http/httptrace"
)

// Event 是 Request 可订阅的事件名。
type Event string

const (
	// EventResponse 的参数为 *Response，每次调用最多一次。
	EventResponse Event = "response"
	// EventError 的参数为 error；无订阅者时记录日志后吸收。
	EventError Event = "error"
	// EventSocket 的参数为 httptrace.GotConnInfo。
	EventSocket Event = "socket"
	// EventConnect 的参数为 ConnectInfo。
	EventConnect Event = "connect"
	// EventContinue 在收到 100 Continue 时触发，参数为 nil。
	EventContinue Event = "continue"
	// EventCacheError 的参数为 error（*StoreError 等），只用于诊断，不影响交付。
	EventCacheError Event = "cache-error"
)

// Listener 接收事件参数，类型见各 Event 常量说明。
type Listener func(payload any)

// ConnectInfo 对应 httptrace 的 ConnectDone。
type ConnectInfo struct {
	Network string
	Addr    string
	Err     error
}

// Response 是交付给调用方的响应视图，缓存与实时两条路径形态一致。
type Response struct {
	StatusCode int
	Header     http.Header
	// JSON 仅在回调模式且 Options.JSON 为 true 时填充。
	JSON any
}

// FromCache 判断响应是否来自缓存。
func (r *Response) FromCache() bool {
	return r != nil && r.Header.Get(HeaderFromCache) == "true"
}

// clientTrace 把连接层事件转发给订阅表，只有已订阅的事件才会被送达。
func clientTrace(r *Request) *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			r.emit(EventSocket, info)
		},
		ConnectDone: func(network, addr string, err error) {
			r.emit(EventConnect, ConnectInfo{Network: network, Addr: addr, Err: err})
		},
		Got100Continue: func() {
			r.emit(EventContinue, nil)
		},
	}
}

package cachedrequest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/any-hub/cached-request/internal/compress"
)

// sharedResponse 是合并回源的结果，所有等待者各自回放同一份字节。
type sharedResponse struct {
	status int
	header http.Header
	body   []byte
}

// fetchShared 通过 singleflight 合并同一指纹的并发回源。
// 领头者把正文完整读入内存（受 MaxStoreBuffer 限制）并写入存储；
// 正文超限时各调用方退回到独立的实时请求。
func (k *call) fetchShared(ctx context.Context) {
	ch := k.client.flights.DoChan(k.key.String(), func() (any, error) {
		// 共享回源不受单个调用方取消的影响。
		return k.fetchOnce(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, errSharedTooLarge) {
				k.fetchLive(ctx)
				return
			}
			k.complete(0, false, res.Err)
			return
		}
		k.replay(ctx, res.Val.(*sharedResponse), res.Shared)
	case <-ctx.Done():
		k.complete(0, false, ctx.Err())
	}
}

func (k *call) fetchOnce(ctx context.Context) (*sharedResponse, error) {
	httpReq, err := k.opts.newHTTPRequest(ctx, k.desc, nil)
	if err != nil {
		return nil, err
	}
	resp, err := k.client.doer.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Method: k.desc.Method, URL: k.desc.URL, Err: err}
	}
	defer resp.Body.Close()

	limit := k.client.cfg.MaxStoreBuffer
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &UpstreamError{Method: k.desc.Method, URL: k.desc.URL, Err: err}
	}
	if int64(len(body)) > limit {
		return nil, errSharedTooLarge
	}

	header := resp.Header.Clone()
	header.Del(HeaderFromCache)
	shared := &sharedResponse{status: resp.StatusCode, header: header, body: body}
	if isCacheable(resp.StatusCode) {
		k.persist(ctx, header.Clone(), bytes.NewReader(body))
	}
	return shared, nil
}

// replay 把共享响应交付给当前调用。
func (k *call) replay(ctx context.Context, shared *sharedResponse, coalesced bool) {
	if err := k.req.attach(replaySource{}); err != nil {
		return
	}

	header := shared.header.Clone()
	decoded, err := compress.DecodeOrigin(bytes.NewReader(shared.body), header.Get("Content-Encoding"), k.opts.Gzip)
	if err != nil {
		k.complete(shared.status, false, &CompressionError{Op: "gunzip", Err: err})
		return
	}

	k.req.respond(&Response{StatusCode: shared.status, Header: header})
	if coalesced {
		k.client.logger.WithField("key", k.key.String()).Debug("request_coalesced")
	}
	k.complete(shared.status, false, k.pump(ctx, decoded))
}

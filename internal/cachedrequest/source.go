package cachedrequest

import "io"

// cacheSource 绑定缓存读取器。缓存命中时请求体没有去处，写入直接丢弃。
type cacheSource struct {
	body io.Closer
}

func (s *cacheSource) write(p []byte) (int, error) { return len(p), nil }

func (s *cacheSource) closeWrite() error { return nil }

func (s *cacheSource) abort(error) {
	if s.body != nil {
		_ = s.body.Close()
	}
}

// liveSource 绑定实时请求，InputStream 调用的写入经管道进入上游请求体。
type liveSource struct {
	input *io.PipeWriter
}

func (s *liveSource) write(p []byte) (int, error) {
	if s.input == nil {
		return 0, ErrInputEnded
	}
	return s.input.Write(p)
}

func (s *liveSource) closeWrite() error {
	if s.input == nil {
		return nil
	}
	return s.input.Close()
}

func (s *liveSource) abort(err error) {
	if s.input != nil {
		if err == nil {
			err = ErrClosed
		}
		s.input.CloseWithError(err)
	}
}

// replaySource 绑定合并请求的共享响应，没有可写入的上游。
type replaySource struct{}

func (replaySource) write(p []byte) (int, error) { return len(p), nil }

func (replaySource) closeWrite() error { return nil }

func (replaySource) abort(error) {}

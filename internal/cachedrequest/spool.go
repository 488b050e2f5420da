package cachedrequest

import (
	"bytes"
	"io"
	"sync"
)

// spool 把实时正文的副本交给存储写入方。写入端永不阻塞：
// 未被消费的数据超过 limit 时放弃本次缓存，读取端得到 ErrStoreBufferExceeded。
type spool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	buf   bytes.Buffer
	limit int64

	ended   bool
	err     error
	discard bool
}

func newSpool(limit int64) *spool {
	s := &spool{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write 总是报告成功，保证 TeeReader 侧的交付不受存储影响。
func (s *spool) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || s.discard {
		return len(p), nil
	}
	if s.limit > 0 && int64(s.buf.Len()+len(p)) > s.limit {
		s.buf = bytes.Buffer{}
		s.ended = true
		s.err = ErrStoreBufferExceeded
		s.cond.Broadcast()
		return len(p), nil
	}
	s.buf.Write(p)
	s.cond.Broadcast()
	return len(p), nil
}

// end 标记写入结束；err 为 nil 时读取端在数据读完后得到 io.EOF。
func (s *spool) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	if err == nil {
		err = io.EOF
	}
	s.ended = true
	s.err = err
	s.cond.Broadcast()
}

func (s *spool) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.buf.Len() == 0 && !s.ended {
		s.cond.Wait()
	}
	// 异常结束时不交付残留数据，避免写入半截条目。
	if s.ended && s.err != io.EOF {
		return 0, s.err
	}
	if s.buf.Len() > 0 {
		return s.buf.Read(p)
	}
	return 0, io.EOF
}

// Close 由读取端调用，之后的写入直接丢弃。
func (s *spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discard = true
	s.buf = bytes.Buffer{}
	if !s.ended {
		s.ended = true
		s.err = ErrClosed
	}
	s.cond.Broadcast()
	return nil
}

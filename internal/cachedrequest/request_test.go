package cachedrequest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestRequestReplaysBufferedWritesInOrder(t *testing.T) {
	req, _ := newTestRequest(true)
	for _, chunk := range []string{"a", "b"} {
		if _, err := req.Write([]byte(chunk)); err != nil {
			t.Fatalf("buffered write %q: %v", chunk, err)
		}
	}

	src := &recordingSource{}
	if err := req.attach(src); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := req.Write([]byte("c")); err != nil {
		t.Fatalf("direct write: %v", err)
	}
	if got := src.joined(); got != "abc" {
		t.Fatalf("writes out of order: %q", got)
	}
	if src.closed {
		t.Fatalf("input should stay open until CloseWrite")
	}
}

func TestRequestEndBeforeAttach(t *testing.T) {
	req, _ := newTestRequest(true)
	_, _ = req.Write([]byte("only"))
	if err := req.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	if _, err := req.Write([]byte("late")); !errors.Is(err, ErrInputEnded) {
		t.Fatalf("write after end should fail, got %v", err)
	}

	src := &recordingSource{}
	if err := req.attach(src); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !src.closed || src.joined() != "only" {
		t.Fatalf("remembered end not applied: closed=%v data=%q", src.closed, src.joined())
	}
}

func TestRequestWithoutInputStreamRejectsWrites(t *testing.T) {
	req, _ := newTestRequest(false)
	if _, err := req.Write([]byte("x")); !errors.Is(err, ErrInputEnded) {
		t.Fatalf("expected ErrInputEnded, got %v", err)
	}
	src := &recordingSource{}
	if err := req.attach(src); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !src.closed {
		t.Fatalf("non-streaming input should be ended on attach")
	}
}

func TestRequestAttachesOnce(t *testing.T) {
	req, _ := newTestRequest(false)
	if err := req.attach(&recordingSource{}); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := req.attach(&recordingSource{}); !errors.Is(err, errAlreadyAttached) {
		t.Fatalf("second attach should be rejected, got %v", err)
	}
}

func TestRequestUnhandledErrorIsLogged(t *testing.T) {
	req, logs := newTestRequest(false)
	boom := errors.New("boom")
	req.finish(boom)

	if !strings.Contains(logs.String(), "request_error_unhandled") {
		t.Fatalf("unhandled error should be logged, got %s", logs.String())
	}
	if _, err := io.ReadAll(req); !errors.Is(err, boom) {
		t.Fatalf("read should surface the error, got %v", err)
	}
	if !errors.Is(req.Err(), boom) {
		t.Fatalf("Err should report the error")
	}
	select {
	case <-req.Done():
	default:
		t.Fatalf("Done should be closed after finish")
	}
}

func TestRequestErrorListener(t *testing.T) {
	req, logs := newTestRequest(false)
	var got error
	req.OnError(func(err error) { got = err })
	boom := errors.New("boom")
	req.finish(boom)

	if !errors.Is(got, boom) {
		t.Fatalf("listener did not receive error: %v", got)
	}
	if strings.Contains(logs.String(), "request_error_unhandled") {
		t.Fatalf("handled error must not be logged as unhandled")
	}
}

func TestRequestListenerRegisteredLateMissesEvent(t *testing.T) {
	req, _ := newTestRequest(false)
	_ = req.attach(&recordingSource{})
	req.respond(&Response{StatusCode: http.StatusOK, Header: http.Header{}})

	called := false
	req.OnResponse(func(*Response) { called = true })
	if called {
		t.Fatalf("late listener must not receive past events")
	}

	resp, err := req.Response(context.Background())
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("Response should return the known response: %v %v", resp, err)
	}
}

func TestRequestResponseWaitsForContext(t *testing.T) {
	req, _ := newTestRequest(false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := req.Response(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestRequestCloseBeforeAttach(t *testing.T) {
	canceled := false
	req := newRequest("k", logrus.New(), func() { canceled = true }, true)
	if err := req.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !canceled {
		t.Fatalf("close should cancel the call context")
	}
	if _, err := req.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close should fail with ErrClosed, got %v", err)
	}
	src := &recordingSource{}
	if err := req.attach(src); !errors.Is(err, ErrClosed) {
		t.Fatalf("attach after close should fail, got %v", err)
	}
	if !src.aborted {
		t.Fatalf("late source should be released")
	}
	if _, err := req.Response(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Response after close should fail, got %v", err)
	}
}

func TestRequestStreamsPushedChunks(t *testing.T) {
	req, _ := newTestRequest(false)
	go func() {
		_ = req.push([]byte("he"))
		_ = req.push([]byte("llo"))
		req.finish(nil)
	}()
	body, err := io.ReadAll(req)
	if err != nil || string(body) != "hello" {
		t.Fatalf("unexpected stream: %q %v", body, err)
	}
}

func newTestRequest(inputStream bool) (*Request, *lockedBuffer) {
	logs := &lockedBuffer{}
	logger := logrus.New()
	logger.SetOutput(logs)
	return newRequest("test-key", logger, func() {}, inputStream), logs
}

type recordingSource struct {
	mu      sync.Mutex
	writes  []string
	closed  bool
	aborted bool
}

func (s *recordingSource) write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, string(p))
	return len(p), nil
}

func (s *recordingSource) closeWrite() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSource) abort(error) {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
}

func (s *recordingSource) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.writes, "")
}

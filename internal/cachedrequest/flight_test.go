package cachedrequest

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestSingleFlightCoalescesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan struct{}, 16)
	origin := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		_, _ = w.Write([]byte("shared body"))
	})
	env := newTestEnv(t, origin, Config{TTL: time.Hour, SingleFlight: true})
	opts := Options{URL: origin.URL + "/herd"}

	const callers = 5
	var wg sync.WaitGroup
	bodies := make([][]byte, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, bodies[i], errs[i] = env.client.Do(context.Background(), opts)
		}(i)
	}

	<-arrived
	// 留出时间让其余调用加入同一 flight。
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], []byte("shared body")) {
			t.Fatalf("caller %d got %q", i, bodies[i])
		}
	}
	if hits := origin.hits.Load(); hits != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", hits)
	}

	env.client.Wait()
	resp, body := mustDo(t, env.client, opts)
	if !resp.FromCache() || string(body) != "shared body" {
		t.Fatalf("coalesced response should be persisted")
	}
}

func TestSingleFlightFallsBackWhenBodyTooLarge(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4096)
	origin := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})
	env := newTestEnv(t, origin, Config{TTL: time.Hour, SingleFlight: true, MaxStoreBuffer: 1024})

	_, body := mustDo(t, env.client, Options{URL: origin.URL})
	if !bytes.Equal(body, payload) {
		t.Fatalf("oversized shared body should still be delivered")
	}
	if hits := origin.hits.Load(); hits != 2 {
		t.Fatalf("expected shared attempt plus direct fetch, got %d hits", hits)
	}
}

func TestSingleFlightSkipsInputStream(t *testing.T) {
	origin := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	env := newTestEnv(t, origin, Config{SingleFlight: true})

	req, err := env.client.Stream(context.Background(), Options{Method: http.MethodPost, URL: origin.URL, InputStream: true})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer req.Close()
	if _, err := req.Write([]byte("payload")); err != nil {
		t.Fatalf("write should reach a live source: %v", err)
	}
	_ = req.CloseWrite()
	resp, err := req.Response(context.Background())
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected response: %v %v", resp, err)
	}
}

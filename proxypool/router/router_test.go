package router

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"outproxy_nexus/proxypool/model"
	"outproxy_nexus/proxypool/selector"
	"outproxy_nexus/proxypool/transport"
)

// liveEndpoint 启动一个转发代理, 对任何请求都回答 418 和固定的正文。
func liveEndpoint(t *testing.T) model.Endpoint {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", r.URL.Host)
		w.WriteHeader(http.StatusTeapot)
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte(r.Method+" "), body...))
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return model.Endpoint{Host: u.Hostname(), Port: port, Scheme: model.SchemeHTTP}
}

// deadEndpoint 返回一个没有监听者的端点。
func deadEndpoint(t *testing.T) model.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return model.Endpoint{Host: "127.0.0.1", Port: port, Scheme: model.SchemeHTTP}
}

func rankedStore(threshold int, throughputs map[model.Endpoint]float64) *selector.Store {
	opts := selector.DefaultOptions()
	opts.FailureThreshold = threshold
	s := selector.NewStore(opts)
	now := time.Now()
	var ms []model.Measurement
	for ep, tp := range throughputs {
		ms = append(ms, model.Measurement{Endpoint: ep, Result: model.ProbeResult{Success: true, Throughput: tp, Bytes: 10240, At: now}})
	}
	if len(ms) > 0 {
		s.Update(selector.Batch{Results: ms})
	}
	return s
}

func TestRoute_ColdPool(t *testing.T) {
	r := NewRouter(rankedStore(3, nil), transport.Direct(time.Second), 2, time.Second)
	_, err := r.Route(context.Background(), Request{URL: "http://example.com/"})
	if !errors.Is(err, ErrNoEndpointYet) {
		t.Fatalf("Expected ErrNoEndpointYet, got %v", err)
	}
	var re *RouteError
	if !errors.As(err, &re) || re.Attempts != 0 {
		t.Fatalf("Expected RouteError with 0 attempts, got %v", err)
	}
}

func TestRoute_PassesResponseThroughVerbatim(t *testing.T) {
	live := liveEndpoint(t)
	r := NewRouter(rankedStore(3, map[model.Endpoint]float64{live: 1000}), transport.Direct(time.Second), 2, 5*time.Second)

	resp, err := r.Route(context.Background(), Request{URL: "http://target.example/post", Method: http.MethodPost, Body: []byte("payload")})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if resp.Status != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", resp.Status)
	}
	if string(resp.Body) != "POST payload" {
		t.Errorf("Unexpected body %q", resp.Body)
	}
	if resp.Header.Get("X-Upstream") != "target.example" {
		t.Errorf("Header not passed through: %v", resp.Header)
	}
	if resp.ProxyUsed.Key() != live.Key() {
		t.Errorf("Expected proxy_used %s, got %s", live, resp.ProxyUsed)
	}
	if stats := r.GetTrafficStats(); stats.Uplink == 0 || stats.Downlink == 0 {
		t.Errorf("Expected traffic to be counted, got %+v", stats)
	}
}

func TestRoute_RotatesToNextBestAfterDemotion(t *testing.T) {
	dead, live := deadEndpoint(t), liveEndpoint(t)
	store := rankedStore(1, map[model.Endpoint]float64{dead: 5000, live: 1000})
	r := NewRouter(store, transport.Direct(time.Second), 2, 5*time.Second)
	var demotions atomic.Int32
	r.OnDemote(func(string) { demotions.Add(1) })

	resp, err := r.Route(context.Background(), Request{URL: "http://target.example/"})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if resp.ProxyUsed.Key() != live.Key() {
		t.Fatalf("Expected fallback to %s, got %s", live, resp.ProxyUsed)
	}
	if demotions.Load() != 1 {
		t.Errorf("Expected 1 demotion callback, got %d", demotions.Load())
	}
}

func TestRoute_RetryUsesUntriedStandby(t *testing.T) {
	dead, live := deadEndpoint(t), liveEndpoint(t)
	store := rankedStore(3, map[model.Endpoint]float64{dead: 1000, live: 10})
	r := NewRouter(store, transport.Direct(time.Second), 2, 5*time.Second)

	resp, err := r.Route(context.Background(), Request{URL: "http://target.example/"})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if resp.ProxyUsed.Key() != live.Key() {
		t.Fatalf("Expected retry through standby %s, got %s", live, resp.ProxyUsed)
	}
	for _, e := range store.Snapshot().Ranked {
		if e.Endpoint.Key() == dead.Key() && e.ConsecutiveFailures != 1 {
			t.Errorf("Expected one failure recorded for %s, got %d", dead, e.ConsecutiveFailures)
		}
	}
}

func TestRoute_ThreeFailuresDemoteActive(t *testing.T) {
	dead, live := deadEndpoint(t), liveEndpoint(t)
	store := rankedStore(3, map[model.Endpoint]float64{dead: 500 * 1024, live: 200 * 1024})
	r := NewRouter(store, transport.Direct(time.Second), 0, 5*time.Second)
	var refreshes atomic.Int32
	r.OnDemote(func(string) { refreshes.Add(1) })

	for i := 1; i <= 3; i++ {
		_, err := r.Route(context.Background(), Request{URL: "http://target.example/"})
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("Request %d: expected ErrRetriesExhausted, got %v", i, err)
		}
	}
	active, ok := store.Active()
	if !ok || active.Key() != live.Key() {
		t.Fatalf("Expected %s to become active, got %v", live, active)
	}
	if refreshes.Load() != 1 {
		t.Errorf("Expected an out-of-cycle refresh to be scheduled once, got %d", refreshes.Load())
	}
}

func TestRoute_RetriesExhausted(t *testing.T) {
	dead := deadEndpoint(t)
	r := NewRouter(rankedStore(5, map[model.Endpoint]float64{dead: 1000}), transport.Direct(time.Second), 1, 5*time.Second)

	_, err := r.Route(context.Background(), Request{URL: "http://target.example/"})
	var re *RouteError
	if !errors.As(err, &re) {
		t.Fatalf("Expected RouteError, got %v", err)
	}
	if !errors.Is(err, ErrRetriesExhausted) || re.Attempts != 2 || len(re.Tried) != 2 || re.Last == nil {
		t.Fatalf("Unexpected RouteError: %+v", re)
	}
}

func TestRoute_PoolDrained(t *testing.T) {
	dead := deadEndpoint(t)
	r := NewRouter(rankedStore(1, map[model.Endpoint]float64{dead: 1000}), transport.Direct(time.Second), 2, 5*time.Second)

	_, err := r.Route(context.Background(), Request{URL: "http://target.example/"})
	if !errors.Is(err, ErrNoEndpointAvailable) {
		t.Fatalf("Expected ErrNoEndpointAvailable, got %v", err)
	}
	if errors.Is(err, ErrNoEndpointYet) {
		t.Error("A drained pool must be distinct from a cold pool")
	}
}

func TestRoute_CallerCancellationNotCounted(t *testing.T) {
	live := liveEndpoint(t)
	store := rankedStore(1, map[model.Endpoint]float64{live: 1000})
	r := NewRouter(store, transport.Direct(time.Second), 2, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Route(ctx, Request{URL: "http://target.example/"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if active, ok := store.Active(); !ok || active.Key() != live.Key() {
		t.Fatal("Caller cancellation demoted the endpoint")
	}
	if snap := store.Snapshot(); snap.Ranked[0].ConsecutiveFailures != 0 {
		t.Errorf("Expected no failure recorded, got %d", snap.Ranked[0].ConsecutiveFailures)
	}
}

func TestRoute_InvalidRequest(t *testing.T) {
	r := NewRouter(rankedStore(3, nil), transport.Direct(time.Second), 0, time.Second)
	for _, u := range []string{"ftp://example.com/", "http:///nohost", "::bad"} {
		if _, err := r.Route(context.Background(), Request{URL: u}); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%q: expected ErrInvalidRequest, got %v", u, err)
		}
	}
}

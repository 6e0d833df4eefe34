package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"outproxy_nexus/internal/shared"
	"outproxy_nexus/internal/shared/logger"
	"outproxy_nexus/internal/shared/types"
	"outproxy_nexus/proxypool/model"
	"outproxy_nexus/proxypool/selector"
	"outproxy_nexus/proxypool/transport"
)

// Request 描述一个与代理无关的出站请求。
type Request struct {
	URL    string      `json:"url"`
	Method string      `json:"method"`
	Header http.Header `json:"headers,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Response 原样返回上游的状态码、头和正文, 并附带实际使用的端点。
type Response struct {
	Status    int            `json:"status"`
	Header    http.Header    `json:"headers"`
	Body      []byte         `json:"body"`
	ProxyUsed model.Endpoint `json:"proxy_used"`
}

// Selector is the part of the selection store the router needs.
type Selector interface {
	Active() (model.Endpoint, bool)
	Next(exclude map[string]bool) (model.Endpoint, bool)
	HasRanking() bool
	RecordFailure(ep model.Endpoint) selector.FailureOutcome
	RecordSuccess(ep model.Endpoint)
}

type TransportFactory interface {
	Transport(ep model.Endpoint, opts transport.Options) (*http.Transport, error)
}

// Observer receives one call per Route (metrics).
type Observer interface {
	ObserveRoute(outcome string, attempts int, d time.Duration)
}

type Router struct {
	sel     Selector
	factory TransportFactory

	retries atomic.Int32
	timeout atomic.Int64 // time.Duration

	mu       sync.Mutex
	clients  map[string]*http.Client
	onDemote func(reason string)
	observer Observer

	uplinkBytes   atomic.Uint64
	downlinkBytes atomic.Uint64
}

func NewRouter(sel Selector, factory TransportFactory, retries int, timeout time.Duration) *Router {
	r := &Router{
		sel:     sel,
		factory: factory,
		clients: make(map[string]*http.Client),
	}
	r.SetRetries(retries)
	r.SetTimeout(timeout)
	return r
}

// SetRetries 设置失败后额外尝试的次数。
func (r *Router) SetRetries(n int) {
	if n < 0 {
		n = 0
	}
	r.retries.Store(int32(n))
}

// SetTimeout 设置单次尝试的超时。
func (r *Router) SetTimeout(d time.Duration) {
	r.timeout.Store(int64(d))
}

// OnDemote 注册降级回调; 管理器用它安排一次周期外的刷新。
func (r *Router) OnDemote(fn func(reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDemote = fn
}

func (r *Router) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

func (r *Router) GetTrafficStats() types.TrafficStats {
	return types.TrafficStats{
		Uplink:   r.uplinkBytes.Load(),
		Downlink: r.downlinkBytes.Load(),
	}
}

// Route 通过当前 active 端点执行请求。
// 网络层失败会记一次失败并在下一个未试过的最优端点上重试; 任何 HTTP 响应 (包括 4xx/5xx) 都算成功并原样返回。
// 调用方取消时直接返回 ctx 的错误, 不计入端点的失败。
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	l := logger.WithComponent("ProxyPool/Router")
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	attempts := 1 + int(r.retries.Load())
	start := time.Now()

	var (
		tried   []model.Endpoint
		lastErr error
	)
	excluded := make(map[string]bool, attempts)
	for i := 0; i < attempts; i++ {
		ep, ok := r.pick(i, excluded)
		if !ok {
			cause := ErrNoEndpointAvailable
			if !r.sel.HasRanking() {
				cause = ErrNoEndpointYet
			}
			r.observe("no_endpoint", i, start)
			return nil, &RouteError{Attempts: i, Tried: tried, Cause: cause, Last: lastErr}
		}
		tried = append(tried, ep)
		excluded[ep.Key()] = true

		resp, err := r.do(ctx, ep, req)
		if err == nil {
			r.sel.RecordSuccess(ep)
			l.Debug().Str("request_id", reqID).Str("endpoint", ep.Key()).Int("status", resp.Status).Int("attempt", i+1).Msg("Request routed.")
			r.observe("success", i+1, start)
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.observe("canceled", i+1, start)
			return nil, ctxErr
		}

		lastErr = err
		out := r.sel.RecordFailure(ep)
		l.Warn().Err(err).Str("request_id", reqID).Str("endpoint", ep.Key()).Int("attempt", i+1).Int("failures", out.Failures).Msg("Request through endpoint failed.")
		if out.Demoted {
			r.forget(ep)
			r.notifyDemote(fmt.Sprintf("endpoint %s demoted", ep.Key()))
		}
	}

	r.observe("exhausted", attempts, start)
	return nil, &RouteError{Attempts: attempts, Tried: tried, Cause: ErrRetriesExhausted, Last: lastErr}
}

// pick 第一次尝试使用 active; 重试时优先选择本次请求还没试过的次优端点,
// 没有未试过的可用端点时才回到 active。
func (r *Router) pick(attempt int, excluded map[string]bool) (model.Endpoint, bool) {
	if attempt > 0 {
		if ep, ok := r.sel.Next(excluded); ok {
			return ep, true
		}
	}
	return r.sel.Active()
}

func validateRequest(req *Request) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported url scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidRequest, req.URL)
	}
	return nil
}

func (r *Router) do(ctx context.Context, ep model.Endpoint, req Request) (*Response, error) {
	client, err := r.client(ep)
	if err != nil {
		return nil, err
	}
	if d := time.Duration(r.timeout.Load()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if host := req.Header.Get("Host"); host != "" {
		httpReq.Host = host
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{
		Status:    resp.StatusCode,
		Header:    resp.Header,
		Body:      data,
		ProxyUsed: ep,
	}, nil
}

// client 为每个端点缓存一个 http.Client, 复用到端点的连接。
func (r *Router) client(ep model.Endpoint) (*http.Client, error) {
	key := ep.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	tr, err := r.factory.Transport(ep, transport.Options{
		Wrap: func(c net.Conn) net.Conn {
			return shared.NewCountedConn(c, &r.uplinkBytes, &r.downlinkBytes)
		},
	})
	if err != nil {
		return nil, err
	}
	c := &http.Client{
		Transport: tr,
		// 重定向原样交给调用方
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	r.clients[key] = c
	return c, nil
}

func (r *Router) forget(ep model.Endpoint) {
	r.mu.Lock()
	c, ok := r.clients[ep.Key()]
	delete(r.clients, ep.Key())
	r.mu.Unlock()
	if ok {
		c.CloseIdleConnections()
	}
}

// Close 关闭所有缓存的空闲连接。
func (r *Router) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*http.Client)
	r.mu.Unlock()
	for _, c := range clients {
		c.CloseIdleConnections()
	}
}

func (r *Router) notifyDemote(reason string) {
	r.mu.Lock()
	fn := r.onDemote
	r.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func (r *Router) observe(outcome string, attempts int, start time.Time) {
	r.mu.Lock()
	o := r.observer
	r.mu.Unlock()
	if o != nil {
		o.ObserveRoute(outcome, attempts, time.Since(start))
	}
}

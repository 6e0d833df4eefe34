package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"outproxy_nexus/internal/shared/logger"
	"outproxy_nexus/proxypool/model"
	"outproxy_nexus/proxypool/transport"
)

// ErrEmptyBatch is the only way a batch as a whole can fail.
var ErrEmptyBatch = errors.New("validator: empty endpoint batch")

// TransportFactory builds a transport that sends every request through one endpoint.
type TransportFactory interface {
	Transport(ep model.Endpoint, opts transport.Options) (*http.Transport, error)
}

// Observer 在每次探测完成后被调用 (指标)。
type Observer interface {
	ObserveProbe(m model.Measurement)
}

// Options 决定参考资源以及一次探测被视为有效的字节数范围。
type Options struct {
	ReferenceURL string
	MinBytes     int64 // 少于这个字节数视为失败, 防止 "成功" 但几乎没有数据的端点
	MaxBytes     int64 // 最多读取这么多, 防止参考资源被替换成无限流
	UserAgent    string
}

func DefaultOptions() Options {
	return Options{
		ReferenceURL: "http://httpbin.org/bytes/10240",
		MinBytes:     1024,
		MaxBytes:     1 << 20,
		UserAgent:    "Mozilla/5.0 (Windows NT 10.0; rv:128.0) Gecko/20100101 Firefox/128.0",
	}
}

type Validator struct {
	factory TransportFactory

	mu       sync.RWMutex
	opts     Options
	observer Observer
}

func NewValidator(factory TransportFactory, opts Options) *Validator {
	return &Validator{factory: factory, opts: opts}
}

func (v *Validator) SetOptions(opts Options) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if opts.UserAgent == "" {
		opts.UserAgent = v.opts.UserAgent
	}
	v.opts = opts
}

func (v *Validator) SetObserver(o Observer) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observer = o
}

func (v *Validator) options() (Options, Observer) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.opts, v.observer
}

// RunBatch 以最多 concurrency 个并发探测 eps 中的每个端点, 每个探测单独计时。
// 整批全部完成后才返回; 结果顺序与输入无关, 调用方需要按 Endpoint 重新关联。
// 单个端点的失败记录在 ProbeResult 中, 不会作为错误返回。
func (v *Validator) RunBatch(ctx context.Context, eps []model.Endpoint, concurrency int, timeout time.Duration) ([]model.Measurement, error) {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(eps) == 0 {
		return nil, ErrEmptyBatch
	}
	if concurrency <= 0 {
		concurrency = len(eps)
	}

	l.Info().Int("count", len(eps)).Int("concurrency", concurrency).Dur("timeout", timeout).Msg("Starting benchmark batch...")
	start := time.Now()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make([]model.Measurement, 0, len(eps))
	)
	g.SetLimit(concurrency)
	for _, ep := range eps {
		g.Go(func() error {
			r := v.Probe(ctx, ep, timeout)
			mu.Lock()
			results = append(results, model.Measurement{Endpoint: ep, Result: r})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, m := range results {
		if m.Result.Success {
			succeeded++
		}
	}
	l.Info().Int("succeeded", succeeded).Int("failed", len(results)-succeeded).Dur("took", time.Since(start)).Msg("Benchmark batch finished.")
	return results, nil
}

// Probe 通过 ep 下载参考资源并计时。
// Latency 是到响应头的时间, Elapsed 是到最后一个字节的时间。
func (v *Validator) Probe(ctx context.Context, ep model.Endpoint, timeout time.Duration) model.ProbeResult {
	opts, observer := v.options()
	r := v.probe(ctx, ep, timeout, opts)
	if observer != nil {
		observer.ObserveProbe(model.Measurement{Endpoint: ep, Result: r})
	}
	if !r.Success {
		l := logger.WithComponent("ProxyPool/Validator")
		l.Debug().
			Str("endpoint", ep.Key()).
			Str("failure", r.Failure.String()).
			Str("reason", r.Reason).
			Msg("Probe failed.")
	}
	return r
}

func (v *Validator) probe(parent context.Context, ep model.Endpoint, timeout time.Duration, opts Options) model.ProbeResult {
	r := model.ProbeResult{At: time.Now()}
	fail := func(kind model.FailureKind, err error) model.ProbeResult {
		r.Success = false
		r.Failure = kind
		r.Reason = err.Error()
		r.Throughput = 0
		return r
	}

	tr, err := v.factory.Transport(ep, transport.Options{DisableKeepAlives: true})
	if err != nil {
		return fail(model.FailureInvalid, err)
	}
	defer tr.CloseIdleConnections()

	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.ReferenceURL, nil)
	if err != nil {
		return fail(model.FailureInvalid, err)
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}
	client := &http.Client{Transport: tr}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		r.Elapsed = time.Since(start)
		return fail(classify(parent, ctx, err), err)
	}
	defer resp.Body.Close()
	r.Latency = time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		r.Elapsed = time.Since(start)
		return fail(model.FailureStatus, fmt.Errorf("reference returned status %d", resp.StatusCode))
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultOptions().MaxBytes
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBytes))
	r.Elapsed = time.Since(start)
	r.Bytes = n
	if err != nil {
		return fail(classify(parent, ctx, err), err)
	}
	if n < opts.MinBytes {
		return fail(model.FailureTooSmall, fmt.Errorf("received %d bytes, need at least %d", n, opts.MinBytes))
	}

	r.Success = true
	if secs := r.Elapsed.Seconds(); secs > 0 {
		r.Throughput = float64(n) / secs
	}
	return r
}

func classify(parent, ctx context.Context, err error) model.FailureKind {
	if parent.Err() != nil {
		return model.FailureCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return model.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.FailureTimeout
	}
	return model.FailureConnect
}

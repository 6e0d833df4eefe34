package health

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"outproxy_nexus/internal/shared/logger"
	"outproxy_nexus/internal/shared/types"
)

const (
	ListenerHTTP  = "http"
	ListenerHTTPS = "https"
)

// Result 是一个监听器的检查结果。
type Result struct {
	Status  types.HealthStatus `json:"status"`
	Addr    string             `json:"addr"`
	Latency time.Duration      `json:"latency"`
	Error   string             `json:"error,omitempty"`
}

// Checker 负责检查覆盖网络的本地代理监听器是否在接受连接。
// 监听器能接受连接就是唯一的存活信号, 路由器本身的生命周期不归这里管。
type Checker struct {
	listeners map[string]string // name -> host:port
	timeout   time.Duration
}

// New 创建一个新的 Checker 实例。
func New(cfg types.OverlayConf, timeout time.Duration) *Checker {
	return &Checker{
		listeners: map[string]string{
			ListenerHTTP:  net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort)),
			ListenerHTTPS: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPSPort)),
		},
		timeout: timeout,
	}
}

// Check 对所有监听器进行并发检查。
func (c *Checker) Check(ctx context.Context) map[string]Result {
	results := make(map[string]Result, len(c.listeners))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, addr := range c.listeners {
		wg.Add(1)
		go func(name, addr string) {
			defer wg.Done()

			d := net.Dialer{Timeout: c.timeout}
			start := time.Now()
			conn, err := d.DialContext(ctx, "tcp", addr)
			r := Result{Addr: addr, Latency: time.Since(start)}

			logFields := logger.Debug().Str("listener", name).Str("addr", addr)
			if err == nil {
				conn.Close()
				r.Status = types.StatusUp
				logFields.Bool("success", true).Dur("latency", r.Latency).Msg("HealthCheck: Listener accepting connections.")
			} else {
				r.Status = types.StatusDown
				r.Error = err.Error()
				logFields.Bool("success", false).Err(err).Msg("HealthCheck: Listener not reachable.")
			}

			mu.Lock()
			results[name] = r
			mu.Unlock()
		}(name, addr)
	}

	wg.Wait()
	return results
}

// AllUp reports whether every listener in results is up.
func AllUp(results map[string]Result) bool {
	for _, r := range results {
		if r.Status != types.StatusUp {
			return false
		}
	}
	return len(results) > 0
}

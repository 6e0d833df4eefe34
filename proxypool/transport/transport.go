package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"outproxy_nexus/internal/shared/types"
	"outproxy_nexus/internal/tunnel/httpproxy"
	"outproxy_nexus/proxypool/model"
)

// Options 控制为单个端点构造的 http.Transport。
type Options struct {
	DisableKeepAlives bool
	// Wrap 包装每一个到端点的连接, 例如流量统计。
	Wrap func(net.Conn) net.Conn
}

// Factory 为每个 outproxy 端点构造 http.Transport。
// .i2p 端点 (或 route_all 时的所有端点) 先经由覆盖网络的 CONNECT 监听器到达端点本身。
type Factory struct {
	overlay     *httpproxy.Dialer
	routeAll    bool
	dialTimeout time.Duration
}

func NewFactory(cfg types.OverlayConf) *Factory {
	timeout := time.Duration(cfg.DialTimeout) * time.Second
	f := &Factory{routeAll: cfg.RouteAll, dialTimeout: timeout}
	if cfg.Host != "" && cfg.HTTPSPort > 0 {
		f.overlay = httpproxy.NewDialer(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPSPort)), timeout)
	}
	return f
}

// Direct returns a factory that never touches the overlay network.
func Direct(dialTimeout time.Duration) *Factory {
	return &Factory{dialTimeout: dialTimeout}
}

// OverlayStats 返回经由覆盖网络隧道的累计流量。
func (f *Factory) OverlayStats() types.TrafficStats {
	if f.overlay == nil {
		return types.TrafficStats{}
	}
	return f.overlay.GetTrafficStats()
}

// dialer is what both proxy.SOCKS5 and http.Transport need.
type dialer interface {
	proxy.Dialer
	proxy.ContextDialer
}

func (f *Factory) baseDialer(ep model.Endpoint) dialer {
	if f.overlay != nil && (f.routeAll || ep.IsOverlayHost()) {
		return f.overlay
	}
	return &net.Dialer{Timeout: f.dialTimeout, KeepAlive: 30 * time.Second}
}

// Transport 返回一个所有请求都经由 ep 转发的 Transport。
func (f *Factory) Transport(ep model.Endpoint, opts Options) (*http.Transport, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	base := f.baseDialer(ep)

	t := &http.Transport{
		DisableKeepAlives:     opts.DisableKeepAlives,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   f.dialTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     false,
	}

	var dial func(ctx context.Context, network, addr string) (net.Conn, error)
	switch scheme, _ := model.ParseScheme(string(ep.Scheme)); scheme {
	case model.SchemeHTTP, model.SchemeHTTPS:
		t.Proxy = http.ProxyURL(ep.URL())
		dial = base.DialContext
	case model.SchemeSOCKS5:
		socks, err := proxy.SOCKS5("tcp", ep.Address(), nil, base)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", ep, err)
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", ep)
		}
		dial = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}

	if opts.Wrap == nil {
		t.DialContext = dial
	} else {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return opts.Wrap(conn), nil
		}
	}
	return t, nil
}

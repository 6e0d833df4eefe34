package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"outproxy_nexus/internal/shared"
	"outproxy_nexus/internal/shared/types"
)

// Dialer 通过一个上游 HTTP 代理的 CONNECT 方法建立 TCP 隧道。
// 覆盖网络 (I2P router) 的 HTTPS 监听器就是这样一个上游代理, .i2p 主机只能经由它到达。
type Dialer struct {
	ProxyAddr string // host:port
	Username  string
	Password  string
	Timeout   time.Duration
	UserAgent string

	uplinkBytes   atomic.Uint64
	downlinkBytes atomic.Uint64
}

var (
	_ proxy.Dialer        = (*Dialer)(nil)
	_ proxy.ContextDialer = (*Dialer)(nil)
)

// ConnectError 表示上游代理拒绝了 CONNECT 请求。
type ConnectError struct {
	ProxyAddr  string
	Target     string
	StatusCode int
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("proxy %s refused CONNECT %s: status %d", e.ProxyAddr, e.Target, e.StatusCode)
}

func NewDialer(proxyAddr string, timeout time.Duration) *Dialer {
	return &Dialer{ProxyAddr: proxyAddr, Timeout: timeout}
}

func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// DialContext 连接到上游代理并发送 CONNECT, 收到 200 后返回可以直接读写目标的连接。
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	proxyConn, err := nd.DialContext(ctx, "tcp", d.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", d.ProxyAddr, err)
	}

	// CONNECT 握手期间遵守 ctx 和超时
	if deadline, ok := ctx.Deadline(); ok {
		proxyConn.SetDeadline(deadline)
	} else if d.Timeout > 0 {
		proxyConn.SetDeadline(time.Now().Add(d.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { proxyConn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.Username != "" {
		auth := d.Username + ":" + d.Password
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}
	if d.UserAgent != "" {
		connectReq.Header.Set("User-Agent", d.UserAgent)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("write CONNECT to %s: %w", d.ProxyAddr, err)
	}

	br := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		proxyConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read CONNECT response from %s: %w", d.ProxyAddr, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		proxyConn.Close()
		return nil, &ConnectError{ProxyAddr: d.ProxyAddr, Target: addr, StatusCode: resp.StatusCode}
	}

	proxyConn.SetDeadline(time.Time{})

	var conn net.Conn = proxyConn
	if br.Buffered() > 0 {
		// 代理可能在响应头之后就已经发来了目标的数据
		conn = &bufferedConn{Conn: proxyConn, r: br}
	}
	return shared.NewCountedConn(conn, &d.uplinkBytes, &d.downlinkBytes), nil
}

func (d *Dialer) GetTrafficStats() types.TrafficStats {
	return types.TrafficStats{
		Uplink:   d.uplinkBytes.Load(),
		Downlink: d.downlinkBytes.Load(),
	}
}

// bufferedConn 先读完 bufio.Reader 里残留的字节再读底层连接。
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

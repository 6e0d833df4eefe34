package transport

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"outproxy_nexus/internal/shared/types"
	"outproxy_nexus/proxypool/model"
)

// newForwardProxy 返回一个把所有请求都回答为 "via <host>" 的 HTTP 代理。
func newForwardProxy(t *testing.T) (*httptest.Server, model.Endpoint) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "via "+r.URL.Host)
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return srv, model.Endpoint{Host: u.Hostname(), Port: port, Scheme: model.SchemeHTTP}
}

func TestTransport_HTTPEndpoint(t *testing.T) {
	_, ep := newForwardProxy(t)

	var wrapped atomic.Int32
	tr, err := Direct(5*time.Second).Transport(ep, Options{
		DisableKeepAlives: true,
		Wrap: func(c net.Conn) net.Conn {
			wrapped.Add(1)
			return c
		},
	})
	if err != nil {
		t.Fatalf("Transport() error: %v", err)
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}
	resp, err := client.Get("http://target.example/bytes")
	if err != nil {
		t.Fatalf("GET through endpoint: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "via target.example" {
		t.Errorf("Unexpected body %q", body)
	}
	if wrapped.Load() == 0 {
		t.Error("Wrap was never called")
	}
}

func TestTransport_InvalidEndpoint(t *testing.T) {
	if _, err := Direct(time.Second).Transport(model.Endpoint{Host: "x", Port: 0}, Options{}); err == nil {
		t.Fatal("Expected an error for port 0")
	}
	if _, err := Direct(time.Second).Transport(model.Endpoint{Host: "x", Port: 80, Scheme: "ftp"}, Options{}); err == nil {
		t.Fatal("Expected an error for an unsupported scheme")
	}
}

func TestTransport_OverlayHostUsesConnectListener(t *testing.T) {
	_, upstream := newForwardProxy(t)

	// 模拟覆盖网络的 CONNECT 监听器: 任何 .i2p 目标都被映射到本地的转发代理
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	var connects atomic.Int32
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				if _, err := http.ReadRequest(br); err != nil {
					return
				}
				connects.Add(1)
				up, err := net.Dial("tcp", upstream.Address())
				if err != nil {
					return
				}
				defer up.Close()
				io.WriteString(c, "HTTP/1.1 200 OK\r\n\r\n")
				go io.Copy(up, br)
				io.Copy(c, up)
			}(c)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	f := NewFactory(types.OverlayConf{Host: host, HTTPPort: 1, HTTPSPort: port, DialTimeout: 5})

	ep := model.Endpoint{Host: "exit.i2p", Port: 4444, Scheme: model.SchemeHTTP}
	tr, err := f.Transport(ep, Options{DisableKeepAlives: true})
	if err != nil {
		t.Fatalf("Transport() error: %v", err)
	}
	resp, err := (&http.Client{Transport: tr, Timeout: 5 * time.Second}).Get("http://clearnet.example/")
	if err != nil {
		t.Fatalf("GET through overlay endpoint: %v", err)
	}
	resp.Body.Close()
	if connects.Load() != 1 {
		t.Errorf("Expected 1 CONNECT through the overlay listener, got %d", connects.Load())
	}
	if stats := f.OverlayStats(); stats.Uplink == 0 || stats.Downlink == 0 {
		t.Errorf("Expected overlay traffic to be counted, got %+v", stats)
	}
}

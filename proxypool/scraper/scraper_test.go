package scraper

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"outproxy_nexus/internal/shared/types"
	"outproxy_nexus/proxypool/model"
)

const sampleDirectory = `<html><body>
<h1>outproxys.i2p</h1>
<table>
<tr><td>exit.stormycloud.i2p</td><td>up</td></tr>
<tr><td>http://purokishi.i2p:4444</td><td>up</td></tr>
<tr><td>10.0.0.1:3128</td><td>up</td></tr>
<tr><td>10.0.0.2:99999</td><td>bad port</td></tr>
<tr><td>socks5://10.0.0.3:1080</td><td>up</td></tr>
<tr><td>Exit.StormyCloud.i2p:4444</td><td>dup</td></tr>
</table>
<a href="https://secure.example.org:8443/">secure</a>
<a href="/about">about</a>
<a href="http://outproxys.i2p/list">self</a>
</body></html>`

func TestParseDirectory(t *testing.T) {
	eps, skipped, err := ParseDirectory([]byte(sampleDirectory), "outproxys.i2p")
	if err != nil {
		t.Fatalf("ParseDirectory() error: %v", err)
	}

	want := []model.Endpoint{
		{Host: "exit.stormycloud.i2p", Port: 4444, Scheme: model.SchemeHTTP},
		{Host: "purokishi.i2p", Port: 4444, Scheme: model.SchemeHTTP},
		{Host: "10.0.0.1", Port: 3128, Scheme: model.SchemeHTTP},
		{Host: "10.0.0.3", Port: 1080, Scheme: model.SchemeSOCKS5},
		{Host: "secure.example.org", Port: 8443, Scheme: model.SchemeHTTPS},
	}
	if len(eps) != len(want) {
		t.Fatalf("Expected %d endpoints, got %d: %v", len(want), len(eps), eps)
	}
	for i, w := range want {
		if eps[i].Key() != w.Key() {
			t.Errorf("eps[%d] = %s, want %s", i, eps[i].Key(), w.Key())
		}
		if eps[i].Source != "outproxys.i2p" {
			t.Errorf("eps[%d].Source = %q", i, eps[i].Source)
		}
	}
	if skipped != 1 {
		t.Errorf("Expected 1 skipped entry, got %d", skipped)
	}
}

func TestParseDirectory_LinkWithoutPort(t *testing.T) {
	body := `<html><body><a href="http://linked.example.org/">x</a> exit.stormycloud.i2p</body></html>`
	eps, _, err := ParseDirectory([]byte(body), "outproxys.i2p")
	if err != nil {
		t.Fatalf("ParseDirectory() error: %v", err)
	}
	got := map[string]bool{}
	for _, ep := range eps {
		got[ep.Key()] = true
	}
	if !got["http://linked.example.org:80"] {
		t.Errorf("Expected a link without port to default to 80, got %v", got)
	}
	if !got["http://exit.stormycloud.i2p:4444"] {
		t.Errorf("Expected a bare .i2p name to default to 4444, got %v", got)
	}
}

func TestParseDirectory_PlainText(t *testing.T) {
	eps, _, err := ParseDirectory([]byte("a.i2p\nb.i2p:8080\n\n1.2.3.4:80\n"), "outproxys.i2p")
	if err != nil {
		t.Fatalf("ParseDirectory() error: %v", err)
	}
	if len(eps) != 3 || eps[0].Host != "a.i2p" || eps[1].Port != 8080 || eps[2].Host != "1.2.3.4" {
		t.Fatalf("Unexpected endpoints: %v", eps)
	}
}

func TestParseDirectory_NothingFound(t *testing.T) {
	eps, _, err := ParseDirectory([]byte("<html><body>maintenance</body></html>"), "outproxys.i2p")
	if err != nil {
		t.Fatalf("ParseDirectory() error: %v", err)
	}
	if len(eps) != 0 {
		t.Fatalf("Expected no endpoints, got %v", eps)
	}
}

// newOverlayProxy 扮演覆盖网络的 HTTP 监听器: 只认识目录主机, 返回 page。
func newOverlayProxy(t *testing.T, status int, page string) types.OverlayConf {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host != "outproxys.i2p" {
			http.Error(w, "unknown host", http.StatusBadGateway)
			return
		}
		w.WriteHeader(status)
		io.WriteString(w, page)
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return types.OverlayConf{Host: u.Hostname(), HTTPPort: port, HTTPSPort: port, DialTimeout: 5}
}

func directoryConf() types.DirectoryConf {
	return types.DirectoryConf{URL: "http://outproxys.i2p/", Timeout: 5, UserAgent: "test"}
}

func TestDirectoryScraper_Fetch(t *testing.T) {
	s, err := NewDirectoryScraper(directoryConf(), newOverlayProxy(t, http.StatusOK, sampleDirectory))
	if err != nil {
		t.Fatalf("NewDirectoryScraper() error: %v", err)
	}
	if s.Name() != "outproxys.i2p" {
		t.Errorf("Unexpected name %q", s.Name())
	}

	eps, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(eps) != 5 {
		t.Fatalf("Expected 5 endpoints, got %d", len(eps))
	}
}

func TestDirectoryScraper_Empty(t *testing.T) {
	s, _ := NewDirectoryScraper(directoryConf(), newOverlayProxy(t, http.StatusOK, "<html></html>"))

	_, err := s.Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != FetchEmpty {
		t.Fatalf("Expected FetchEmpty, got %v", err)
	}
	if !IsEmpty(err) || !errors.Is(err, ErrEmptyDirectory) {
		t.Error("Expected IsEmpty and ErrEmptyDirectory to match")
	}
}

func TestDirectoryScraper_ServerError(t *testing.T) {
	s, _ := NewDirectoryScraper(directoryConf(), newOverlayProxy(t, http.StatusInternalServerError, "boom"))

	_, err := s.Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != FetchNetwork {
		t.Fatalf("Expected FetchNetwork, got %v", err)
	}
}

func TestDirectoryScraper_OverlayDown(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s, _ := NewDirectoryScraper(directoryConf(), types.OverlayConf{Host: "127.0.0.1", HTTPPort: port})
	_, err := s.Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != FetchNetwork {
		t.Fatalf("Expected FetchNetwork, got %v", err)
	}
}

func TestNewDirectoryScraper_InvalidURL(t *testing.T) {
	if _, err := NewDirectoryScraper(types.DirectoryConf{URL: "not a url"}, types.OverlayConf{}); err == nil {
		t.Fatal("Expected an error for an invalid directory url")
	}
}

package model

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Scheme 是 outproxy 自身的接入协议 (不是目标站点的协议)。
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS5 Scheme = "socks5"
)

// ParseScheme maps a URL scheme onto a supported proxy scheme.
func ParseScheme(s string) (Scheme, bool) {
	switch strings.ToLower(s) {
	case "", "http":
		return SchemeHTTP, true
	case "https":
		return SchemeHTTPS, true
	case "socks", "socks5", "socks5h":
		return SchemeSOCKS5, true
	}
	return "", false
}

// overlaySuffix 标记只能通过覆盖网络访问的主机名。
const overlaySuffix = ".i2p"

// Endpoint 是一个候选的出口代理地址，由目录抓取器在每个刷新周期创建。
type Endpoint struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Scheme Scheme `json:"scheme"`
	Source string `json:"source,omitempty"` // 目录来源, e.g. "outproxys.i2p"
}

// Key is the identity of the endpoint. Results are always re-associated by Key.
func (e Endpoint) Key() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = SchemeHTTP
	}
	return fmt.Sprintf("%s://%s", scheme, e.Address())
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the proxy URL used to configure a transport.
func (e Endpoint) URL() *url.URL {
	scheme := e.Scheme
	if scheme == "" {
		scheme = SchemeHTTP
	}
	return &url.URL{Scheme: string(scheme), Host: e.Address()}
}

// IsOverlayHost reports whether the endpoint lives inside the overlay network.
func (e Endpoint) IsOverlayHost() bool {
	return strings.HasSuffix(strings.ToLower(e.Host), overlaySuffix)
}

func (e Endpoint) String() string {
	return e.Key()
}

// Validate checks the fields a probe or a route needs.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("endpoint host is empty")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("endpoint %s: port %d out of range", e.Host, e.Port)
	}
	if _, ok := ParseScheme(string(e.Scheme)); !ok {
		return fmt.Errorf("endpoint %s: unsupported scheme %q", e.Address(), e.Scheme)
	}
	return nil
}

// ParseEndpoint 解析 "scheme://host:port" 或 "host:port" (默认 http)。
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	scheme, ok := ParseScheme(u.Scheme)
	if !ok {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", s, u.Scheme)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing or bad port", s)
	}
	ep := Endpoint{Host: u.Hostname(), Port: port, Scheme: scheme}
	return ep, ep.Validate()
}

// DecodeEndpoints 解析一个 JSON 数组, 元素可以是端点对象, 也可以是 ParseEndpoint 接受的字符串。
func DecodeEndpoints(data []byte) ([]Endpoint, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid endpoint list: %w", err)
	}
	eps := make([]Endpoint, 0, len(raw))
	for _, item := range raw {
		var s string
		if json.Unmarshal(item, &s) == nil {
			ep, err := ParseEndpoint(s)
			if err != nil {
				return nil, err
			}
			eps = append(eps, ep)
			continue
		}
		var ep Endpoint
		if err := json.Unmarshal(item, &ep); err != nil {
			return nil, fmt.Errorf("invalid endpoint %s: %w", item, err)
		}
		if ep.Scheme == "" {
			ep.Scheme = SchemeHTTP
		}
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// State 是端点在选择状态机中的位置:
// Discovered -> Tested -> {Active | Standby | Demoted}。
type State int

const (
	StateDiscovered State = iota
	StateUnranked         // 已测试, 但窗口内没有成功的探测
	StateStandby
	StateActive
	StateDemoted
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateUnranked:
		return "unranked"
	case StateStandby:
		return "standby"
	case StateActive:
		return "active"
	case StateDemoted:
		return "demoted"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as a word in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateDiscovered; st <= StateDemoted; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown endpoint state %q", b)
}

// RankedEndpoint pairs an endpoint with its recent probe history and derived score.
// Entries are owned by the selection store; callers only ever see copies.
type RankedEndpoint struct {
	Endpoint Endpoint      `json:"endpoint"`
	History  []ProbeResult `json:"history"` // 最新的在最后

	Score           float64   `json:"score"` // bytes/sec, 0 when unranked
	Ranked          bool      `json:"ranked"`
	RecentSuccesses int       `json:"recent_successes"`
	LastMeasured    time.Time `json:"last_measured"`

	ConsecutiveFailures int       `json:"consecutive_failures"`
	Demoted             bool      `json:"demoted"`
	DemotedAt           time.Time `json:"demoted_at"`

	State State `json:"state"`
	Order int   `json:"order"` // 在目录中的位置, 作为弱先验
}

// Latest returns the most recent probe, if any.
func (r *RankedEndpoint) Latest() (ProbeResult, bool) {
	if len(r.History) == 0 {
		return ProbeResult{}, false
	}
	return r.History[len(r.History)-1], true
}

// Clone returns a deep copy safe to hand out of the store.
func (r *RankedEndpoint) Clone() *RankedEndpoint {
	c := *r
	c.History = append([]ProbeResult(nil), r.History...)
	return &c
}

package scraper

import (
	"bytes"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"outproxy_nexus/proxypool/model"
)

const (
	// 正文里的 URL 和 .i2p 端点未写端口时使用的默认端口
	defaultOutproxyPort = 4444
	// a[href] 链接未写端口时使用的端口
	defaultLinkPort = 80
)

var (
	hostPortPattern = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{1,5})`)
	urlPattern      = regexp.MustCompile(`(https?|socks5h?)://([^/\s:"'<>]+)(?::(\d{1,5}))?`)
	i2pPattern      = regexp.MustCompile(`(?i)([a-z0-9-]+(?:\.[a-z0-9-]+)*\.i2p)(?::(\d{1,5}))?`)
)

// parser 收集端点, 按 host:port 去重并保持首次出现的顺序。
type parser struct {
	self    string // 目录自身的主机名, 不作为候选
	source  string
	seen    map[string]bool
	out     []model.Endpoint
	skipped int
}

func (p *parser) add(scheme, host, portStr string, defaultPort int) {
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "" || host == p.self {
		return
	}
	port := defaultPort
	if portStr != "" {
		n, err := strconv.Atoi(portStr)
		if err != nil || n <= 0 || n > 65535 {
			p.skipped++
			return
		}
		port = n
	}
	sch, ok := model.ParseScheme(scheme)
	if !ok {
		p.skipped++
		return
	}
	key := net.JoinHostPort(host, strconv.Itoa(port))
	if p.seen[key] {
		return
	}
	p.seen[key] = true
	p.out = append(p.out, model.Endpoint{Host: host, Port: port, Scheme: sch, Source: p.source})
}

func (p *parser) addURL(raw string) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return
	}
	if _, ok := model.ParseScheme(u.Scheme); !ok {
		return
	}
	p.add(u.Scheme, u.Hostname(), u.Port(), defaultLinkPort)
}

type textMatch struct {
	pos    int
	scheme string
	host   string
	port   string
	ipOnly bool
}

// ParseDirectory 从目录页面 (HTML 或纯文本) 中提取候选端点。
// 识别 ip:port、正文或 a[href] 中的 scheme://host[:port]、以及 name.i2p[:port]。
// 正文中的条目按出现位置排序, 之后是只出现在链接里的条目。
// self 是目录自身的主机名; 格式错误的条目被跳过并计入 skipped。
func ParseDirectory(body []byte, self string) (eps []model.Endpoint, skipped int, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	p := &parser{self: strings.ToLower(self), source: self, seen: make(map[string]bool)}
	text := doc.Text()

	var matches []textMatch
	for _, m := range urlPattern.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, textMatch{pos: m[0], scheme: group(text, m, 1), host: group(text, m, 2), port: group(text, m, 3)})
	}
	for _, m := range hostPortPattern.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, textMatch{pos: m[0], scheme: "http", host: group(text, m, 1), port: group(text, m, 2), ipOnly: true})
	}
	for _, m := range i2pPattern.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, textMatch{pos: m[0], scheme: "http", host: group(text, m, 1), port: group(text, m, 2)})
	}
	// URL 匹配总是从 scheme 开始, 因此排在它内部的 host:port 与 .i2p 匹配之前
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].pos < matches[j].pos })

	for _, m := range matches {
		if m.ipOnly && net.ParseIP(m.host) == nil {
			p.skipped++
			continue
		}
		p.add(m.scheme, m.host, m.port, defaultOutproxyPort)
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		p.addURL(href)
	})

	return p.out, p.skipped, nil
}

func group(s string, idx []int, n int) string {
	if idx[2*n] < 0 {
		return ""
	}
	return s[idx[2*n]:idx[2*n+1]]
}

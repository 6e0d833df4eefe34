package scraper

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"outproxy_nexus/internal/shared/logger"
	"outproxy_nexus/internal/shared/types"
	"outproxy_nexus/proxypool/model"
)

// DirectoryScraper 实现了 Scraper 接口，通过覆盖网络的 HTTP 监听器抓取 outproxy 目录。
type DirectoryScraper struct {
	directoryURL string
	proxyURL     string // 覆盖网络 HTTP 代理, 为空时直连 (测试或 clearnet 镜像)
	timeout      time.Duration
	userAgent    string
}

// NewDirectoryScraper 创建一个新的 DirectoryScraper 实例。
func NewDirectoryScraper(dir types.DirectoryConf, overlay types.OverlayConf) (Scraper, error) {
	u, err := url.Parse(dir.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid directory url %q", dir.URL)
	}
	s := &DirectoryScraper{
		directoryURL: dir.URL,
		timeout:      time.Duration(dir.Timeout) * time.Second,
		userAgent:    dir.UserAgent,
	}
	if overlay.Host != "" && overlay.HTTPPort > 0 {
		s.proxyURL = "http://" + net.JoinHostPort(overlay.Host, strconv.Itoa(overlay.HTTPPort))
	}
	return s, nil
}

// Name 返回抓取器的名称。
func (s *DirectoryScraper) Name() string {
	u, err := url.Parse(s.directoryURL)
	if err != nil {
		return s.directoryURL
	}
	return u.Hostname()
}

// newCollector 每次抓取都新建一个 collector, 回调不会在多次抓取之间累积。
func (s *DirectoryScraper) newCollector(ctx context.Context) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	}
	if s.userAgent != "" {
		opts = append(opts, colly.UserAgent(s.userAgent))
	}
	c := colly.NewCollector(opts...)
	if s.timeout > 0 {
		c.SetRequestTimeout(s.timeout)
	}
	if s.proxyURL != "" {
		if err := c.SetProxy(s.proxyURL); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Fetch 执行抓取操作。
func (s *DirectoryScraper) Fetch(ctx context.Context) ([]model.Endpoint, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Str("url", s.directoryURL).Msg("Starting directory fetch...")

	c, err := s.newCollector(ctx)
	if err != nil {
		return nil, &FetchError{Kind: FetchNetwork, Source: s.Name(), Err: err}
	}

	var (
		endpoints []model.Endpoint
		skipped   int
		parseErr  error
		fetchErr  error
	)

	c.OnResponse(func(r *colly.Response) {
		l.Debug().Int("status_code", r.StatusCode).Int("bytes", len(r.Body)).Str("source", s.Name()).Msg("Directory response received.")
		endpoints, skipped, parseErr = ParseDirectory(r.Body, s.Name())
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		fetchErr = err
	})

	if err := c.Visit(s.directoryURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			fetchErr = ctxErr
		}
		l.Warn().Err(fetchErr).Str("source", s.Name()).Msg("Directory fetch failed.")
		return nil, &FetchError{Kind: FetchNetwork, Source: s.Name(), Err: fetchErr}
	}
	if parseErr != nil {
		l.Warn().Err(parseErr).Str("source", s.Name()).Msg("Failed to parse directory.")
		return nil, &FetchError{Kind: FetchParse, Source: s.Name(), Err: parseErr}
	}
	if skipped > 0 {
		l.Debug().Int("skipped", skipped).Str("source", s.Name()).Msg("Skipped malformed directory entries.")
	}
	if len(endpoints) == 0 {
		l.Warn().Str("source", s.Name()).Msg("Directory returned no endpoints.")
		return nil, &FetchError{Kind: FetchEmpty, Source: s.Name(), Err: ErrEmptyDirectory}
	}

	l.Info().Int("count", len(endpoints)).Str("source", s.Name()).Msg("Directory fetch finished.")
	return endpoints, nil
}

package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"outproxy_nexus/internal/core/metrics"
	"outproxy_nexus/internal/shared/logger"
	"outproxy_nexus/internal/shared/settings"
	"outproxy_nexus/internal/shared/types"
)

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf(" [WebServer DIAGNOSTIC] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// NewMux 组装所有路由。单独拆出来方便测试。
func NewMux(
	cfg *types.Config,
	settingsManager *settings.SettingsManager,
	controller Controller,
	hub *Hub,
	collector *metrics.Collector,
) *http.ServeMux {
	handler := NewHandler(settingsManager, controller)
	mux := http.NewServeMux()

	// --- 认证保护的 API ---
	webUser := cfg.LocalConf.WebUser
	webPassword := cfg.LocalConf.WebPassword
	protect := func(fn http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(fn, webUser, webPassword)
	}

	mux.Handle("/api/endpoints", protect(handler.HandleEndpoints))
	mux.Handle("/api/refresh", protect(handler.HandleRefresh))
	mux.Handle("/api/fetch", protect(handler.HandleFetch))
	mux.Handle("/api/test", protect(handler.HandleTest))
	mux.Handle("/api/request", protect(handler.HandleRequest))

	// 统一配置管理 API
	mux.Handle("/api/settings", protect(handler.HandleGetSettings))
	mux.Handle("/api/settings/", protect(handler.HandleUpdateSettings)) // 捕获 /api/settings/{module}

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	// 公开的状态 API 和指标
	mux.HandleFunc("/api/status", handler.HandleStatus)
	mux.Handle("/metrics", collector.Handler())

	return mux
}

// StartServer 启动 Web API。web_port 为 0 时不启动, 返回 nil。
func StartServer(
	wg *sync.WaitGroup,
	cfg *types.Config,
	settingsManager *settings.SettingsManager,
	controller Controller,
	hub *Hub,
	collector *metrics.Collector,
) (*http.Server, error) {
	if cfg.LocalConf.WebPort <= 0 {
		logger.Info().Msg("[WebServer] Web API is disabled (web_port is 0 or not set).")
		return nil, nil
	}

	mux := NewMux(cfg, settingsManager, controller, hub, collector)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.LocalConf.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start Web API on %s: %w", addr, err)
	}

	logger.Info().Msgf("SUCCESS: Web API is listening on http://%s", addr)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Wrap the original listener with our logging listener
		loggingL := loggingListener{Listener: listener}
		if err := srv.Serve(loggingL); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return srv, nil
}

// ShutdownServer 优雅关闭 StartServer 返回的服务器。
func ShutdownServer(srv *http.Server, timeout time.Duration) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Web server shutdown did not complete cleanly.")
	}
}

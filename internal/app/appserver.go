package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"outproxy_nexus/internal/core/metrics"
	"outproxy_nexus/internal/service/web"
	"outproxy_nexus/internal/shared/logger"
	"outproxy_nexus/internal/shared/settings"
	"outproxy_nexus/internal/shared/types"
	manager "outproxy_nexus/proxypool"
	"outproxy_nexus/proxypool/router"
	"outproxy_nexus/proxypool/storage"
	"outproxy_nexus/proxypool/transport"
	"outproxy_nexus/proxypool/validator"
)

// AppServer is the application's main struct.
type AppServer struct {
	cfg     *types.Config
	iniPath string

	settingsManager *settings.SettingsManager

	hub       *web.Hub
	metrics   *metrics.Collector
	transport *transport.Factory
	validator *validator.Validator
	router    *router.Router
	manager   *manager.Manager
	webServer *http.Server

	isMobileMode bool // 标记是否为移动模式

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// NewForPC creates a new AppServer instance for PC/file-based mode.
// settings.json 与 endpoints.txt 都放在 ini 文件所在的目录。
func NewForPC(cfg *types.Config, iniPath string) (*AppServer, error) {
	configDir := filepath.Dir(iniPath)
	s := &AppServer{
		cfg:          cfg,
		iniPath:      iniPath,
		isMobileMode: false,
	}

	settingsPath := filepath.Join(configDir, "settings.json")
	sm, err := settings.NewSettingsManager(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}
	s.settingsManager = sm

	endpointsPath := filepath.Join(configDir, "endpoints.txt")
	if err := s.buildEngine(storage.NewFileStorage(endpointsPath)); err != nil {
		return nil, err
	}
	return s, nil
}

// NewForMobile creates a new AppServer instance for mobile/in-memory mode.
// settingsJSON 可以为空, 此时使用默认运行参数。不做任何持久化。
func NewForMobile(cfg *types.Config, settingsJSON string) (*AppServer, error) {
	s := &AppServer{
		cfg:          cfg,
		isMobileMode: true,
	}

	var (
		sm  *settings.SettingsManager
		err error
	)
	if settingsJSON == "" {
		sm, err = settings.NewSettingsManager("")
	} else {
		sm, err = settings.NewSettingsManagerFromJSON([]byte(settingsJSON))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory settings manager: %w", err)
	}
	s.settingsManager = sm

	if err := s.buildEngine(nil); err != nil {
		return nil, err
	}
	return s, nil
}

// Start 启动刷新循环和辅助服务, 不阻塞。
func (s *AppServer) Start(ctx context.Context) error {
	mode := "local"
	if s.isMobileMode {
		mode = "mobile"
	}
	logger.Info().Str("mode", mode).Msg("Starting server...")

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.hub.Run()
	s.manager.Start(ctx)

	s.waitGroup.Add(1)
	go s.statsLoop(ctx)

	// Do NOT start the web API or the settings watcher in mobile mode
	if s.isMobileMode {
		return nil
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		if err := s.settingsManager.Watch(ctx, 0); err != nil {
			logger.Error().Err(err).Msg("Settings watcher stopped.")
		}
	}()

	srv, err := web.StartServer(&s.waitGroup, s.cfg, s.settingsManager, s.manager, s.hub, s.metrics)
	if err != nil {
		s.Stop()
		return err
	}
	s.webServer = srv
	return nil
}

// Run is the server's entry point. 阻塞直到 ctx 结束, 然后优雅退出。
func (s *AppServer) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	s.Stop()
	return nil
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		web.ShutdownServer(s.webServer, 5*time.Second)
		s.manager.Stop()
		s.hub.Stop()
		s.waitGroup.Wait()
		logger.Info().Msg("Server stopped.")
	})
}

// Wait 等待所有后台 goroutine 退出。
func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

// Manager exposes the engine to the mobile binding.
func (s *AppServer) Manager() *manager.Manager {
	return s.manager
}

func (s *AppServer) SettingsManager() *settings.SettingsManager {
	return s.settingsManager
}

func (s *AppServer) GetIniPath() string {
	return s.iniPath
}

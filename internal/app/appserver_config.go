package app

import (
	"fmt"
	"time"

	"outproxy_nexus/internal/core/health"
	"outproxy_nexus/internal/core/metrics"
	"outproxy_nexus/internal/service/web"
	"outproxy_nexus/internal/shared/settings"
	manager "outproxy_nexus/proxypool"
	"outproxy_nexus/proxypool/router"
	"outproxy_nexus/proxypool/scraper"
	"outproxy_nexus/proxypool/selector"
	"outproxy_nexus/proxypool/storage"
	"outproxy_nexus/proxypool/transport"
	"outproxy_nexus/proxypool/validator"
)

// buildEngine 根据静态配置和当前运行参数组装引擎的所有组件,
// 并把需要热更新的模块注册到 SettingsManager。st 为 nil 时不做持久化。
func (s *AppServer) buildEngine(st storage.Storage) error {
	current := s.settingsManager.Get()
	engine, probe := current.Engine, current.Probe

	dirScraper, err := scraper.NewDirectoryScraper(s.cfg.DirectoryConf, s.cfg.OverlayConf)
	if err != nil {
		return fmt.Errorf("failed to create directory scraper: %w", err)
	}

	s.metrics = metrics.NewCollector(nil)
	s.hub = web.NewHub()
	s.transport = transport.NewFactory(s.cfg.OverlayConf)

	s.validator = validator.NewValidator(s.transport, validator.Options{
		ReferenceURL: probe.ReferenceURL,
		MinBytes:     probe.MinBytes,
		MaxBytes:     probe.MaxBytes,
		UserAgent:    s.cfg.DirectoryConf.UserAgent,
	})
	s.validator.SetObserver(s.metrics)

	store := selector.NewStore(selector.Options{
		FailureThreshold: engine.FailureThreshold,
		HistorySize:      engine.HistorySize,
		StaleAfter:       engine.StaleAfter(),
		RecencyDecay:     engine.RecencyDecay,
	})

	s.router = router.NewRouter(store, s.transport, engine.RouteRetries, engine.RequestTimeout())
	s.router.SetObserver(s.metrics)

	deps := manager.Deps{
		Scraper:     dirScraper,
		Benchmarker: s.validator,
		Store:       store,
		Router:      s.router,
		Storage:     st,
		Metrics:     s.metrics,
		Health:      health.New(s.cfg.OverlayConf, time.Duration(s.cfg.OverlayConf.DialTimeout)*time.Second),
	}
	s.manager = manager.NewManager(deps, engine, probe)
	s.manager.AddListener(s.hub)

	// Register the engine as a subscriber for both modules
	s.settingsManager.Register(settings.ModuleEngine, s.manager)
	s.settingsManager.Register(settings.ModuleProbe, s.manager)
	return nil
}

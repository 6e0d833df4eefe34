package settings

import (
	"time"

	"outproxy_nexus/internal/shared/config"
)

const (
	ModuleEngine = "engine"
	ModuleProbe  = "probe"
)

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 当相关配置发生变更时，SettingsManager 会调用此方法。
type ConfigurableModule interface {
	// OnSettingsUpdate 在配置变更时被 SettingsManager 调用。
	// moduleKey: "engine" 或 "probe"。
	// newSettings: 对应模块的、已经校验过的新配置结构体指针 (e.g., *EngineSettings)。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// RuntimeSettings 是 settings.json 文件的顶层结构。
type RuntimeSettings struct {
	Engine *EngineSettings `json:"engine"`
	Probe  *ProbeSettings  `json:"probe"`
}

// EngineSettings 控制刷新循环、选择器和路由器。
type EngineSettings struct {
	RefreshIntervalSeconds int     `json:"refresh_interval_seconds"`
	RetryIntervalSeconds   int     `json:"retry_interval_seconds"` // 抓取失败/为空后的提前重试
	FailureThreshold       int     `json:"failure_threshold"`
	RouteRetries           int     `json:"route_retries"`
	RequestTimeoutSeconds  int     `json:"request_timeout_seconds"`
	HistorySize            int     `json:"history_size"`
	StaleAfterSeconds      int     `json:"stale_after_seconds"`
	RecencyDecay           float64 `json:"recency_decay"`
}

// ProbeSettings 控制基准测试。
type ProbeSettings struct {
	BatchSize      int    `json:"batch_size"`
	Concurrency    int    `json:"concurrency"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	ReferenceURL   string `json:"reference_url"`
	MinBytes       int64  `json:"min_bytes"`
	MaxBytes       int64  `json:"max_bytes"`
}

func (e *EngineSettings) RefreshInterval() time.Duration {
	return time.Duration(e.RefreshIntervalSeconds) * time.Second
}

func (e *EngineSettings) RetryInterval() time.Duration {
	return time.Duration(e.RetryIntervalSeconds) * time.Second
}

func (e *EngineSettings) RequestTimeout() time.Duration {
	return time.Duration(e.RequestTimeoutSeconds) * time.Second
}

func (e *EngineSettings) StaleAfter() time.Duration {
	return time.Duration(e.StaleAfterSeconds) * time.Second
}

func (p *ProbeSettings) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Validate rejects tuning values the engine cannot run with.
func (e *EngineSettings) Validate() error {
	switch {
	case e.RefreshIntervalSeconds <= 0:
		return &config.ConfigError{Field: "engine.refresh_interval_seconds", Value: e.RefreshIntervalSeconds, Reason: "must be positive"}
	case e.RetryIntervalSeconds <= 0:
		return &config.ConfigError{Field: "engine.retry_interval_seconds", Value: e.RetryIntervalSeconds, Reason: "must be positive"}
	case e.FailureThreshold < 1:
		return &config.ConfigError{Field: "engine.failure_threshold", Value: e.FailureThreshold, Reason: "must be at least 1"}
	case e.RouteRetries < 0:
		return &config.ConfigError{Field: "engine.route_retries", Value: e.RouteRetries, Reason: "must not be negative"}
	case e.RequestTimeoutSeconds <= 0:
		return &config.ConfigError{Field: "engine.request_timeout_seconds", Value: e.RequestTimeoutSeconds, Reason: "must be positive"}
	case e.HistorySize < 1:
		return &config.ConfigError{Field: "engine.history_size", Value: e.HistorySize, Reason: "must be at least 1"}
	case e.StaleAfterSeconds <= 0:
		return &config.ConfigError{Field: "engine.stale_after_seconds", Value: e.StaleAfterSeconds, Reason: "must be positive"}
	case e.RecencyDecay <= 0 || e.RecencyDecay > 1:
		return &config.ConfigError{Field: "engine.recency_decay", Value: e.RecencyDecay, Reason: "must be in (0, 1]"}
	}
	return nil
}

func (p *ProbeSettings) Validate() error {
	switch {
	case p.BatchSize < 1:
		return &config.ConfigError{Field: "probe.batch_size", Value: p.BatchSize, Reason: "must be at least 1"}
	case p.Concurrency < 1:
		return &config.ConfigError{Field: "probe.concurrency", Value: p.Concurrency, Reason: "must be at least 1"}
	case p.TimeoutSeconds <= 0:
		return &config.ConfigError{Field: "probe.timeout_seconds", Value: p.TimeoutSeconds, Reason: "must be positive"}
	case p.ReferenceURL == "":
		return &config.ConfigError{Field: "probe.reference_url", Reason: "must not be empty"}
	case p.MinBytes < 0:
		return &config.ConfigError{Field: "probe.min_bytes", Value: p.MinBytes, Reason: "must not be negative"}
	case p.MaxBytes < p.MinBytes || p.MaxBytes <= 0:
		return &config.ConfigError{Field: "probe.max_bytes", Value: p.MaxBytes, Reason: "must be positive and >= min_bytes"}
	}
	return nil
}

// Validate checks every module.
func (s *RuntimeSettings) Validate() error {
	if err := s.Engine.Validate(); err != nil {
		return err
	}
	return s.Probe.Validate()
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		RefreshIntervalSeconds: 300,
		RetryIntervalSeconds:   30,
		FailureThreshold:       3,
		RouteRetries:           2,
		RequestTimeoutSeconds:  60,
		HistorySize:            5,
		StaleAfterSeconds:      900,
		RecencyDecay:           0.5,
	}
}

func DefaultProbeSettings() *ProbeSettings {
	return &ProbeSettings{
		BatchSize:      10,
		Concurrency:    10,
		TimeoutSeconds: 10,
		ReferenceURL:   "http://httpbin.org/bytes/10240",
		MinBytes:       1024,
		MaxBytes:       1 << 20,
	}
}

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{
		Engine: DefaultEngineSettings(),
		Probe:  DefaultProbeSettings(),
	}
}

// ensureDefaultModules 确保即使 JSON 中缺少某些模块，指针也不是 nil。
func ensureDefaultModules(s *RuntimeSettings) {
	if s.Engine == nil {
		s.Engine = DefaultEngineSettings()
	}
	if s.Probe == nil {
		s.Probe = DefaultProbeSettings()
	}
}

package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"outproxy_nexus/internal/core/health"
	"outproxy_nexus/internal/core/metrics"
	"outproxy_nexus/internal/shared/logger"
	"outproxy_nexus/internal/shared/settings"
	"outproxy_nexus/internal/shared/types"
	"outproxy_nexus/proxypool/model"
	"outproxy_nexus/proxypool/router"
	"outproxy_nexus/proxypool/scraper"
	"outproxy_nexus/proxypool/selector"
	"outproxy_nexus/proxypool/storage"
	"outproxy_nexus/proxypool/validator"
)

// ErrRefreshInProgress 表示已经有一个刷新周期在运行, 新的请求被合并掉了。
var ErrRefreshInProgress = errors.New("manager: refresh already in progress")

// 刷新周期的结果, 同时用作指标的 outcome 标签。
const (
	OutcomeApplied    = "applied"
	OutcomeAllFailed  = "all_failed"
	OutcomeStale      = "stale"
	OutcomeFetchError = "fetch_error"
	OutcomeEmpty      = "empty"
	OutcomeCanceled   = "canceled"
)

// Benchmarker 对一批端点做基准测试, 由 validator.Validator 实现。
type Benchmarker interface {
	RunBatch(ctx context.Context, eps []model.Endpoint, concurrency int, timeout time.Duration) ([]model.Measurement, error)
}

type HealthChecker interface {
	Check(ctx context.Context) map[string]health.Result
}

// UpdateListener 在排名发生变化后收到一份快照 (例如 websocket hub)。
type UpdateListener interface {
	OnRankingUpdate(snap selector.Snapshot)
}

// probeConfigurer 是 Benchmarker 可选实现的接口, 用于热更新参考资源等参数。
type probeConfigurer interface {
	SetOptions(opts validator.Options)
}

// Deps 汇总 Manager 依赖的组件。Storage、Metrics、Health 可以为 nil。
type Deps struct {
	Scraper     scraper.Scraper
	Benchmarker Benchmarker
	Store       *selector.Store
	Router      *router.Router
	Storage     storage.Storage
	Metrics     *metrics.Collector
	Health      HealthChecker
}

// CycleReport 记录一次刷新周期。
type CycleReport struct {
	ID         string        `json:"id"`
	Seq        uint64        `json:"seq"`
	Reason     string        `json:"reason"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Discovered int           `json:"discovered"`
	Probed     int           `json:"probed"`
	Successes  int           `json:"successes"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
}

// Status 是 /api/status 返回的整体状态。
type Status struct {
	Running     bool                     `json:"running"`
	Refreshing  bool                     `json:"refreshing"`
	Active      *model.Endpoint          `json:"active,omitempty"`
	Ranked      int                      `json:"ranked"`
	Pool        int                      `json:"pool"`
	LastRefresh time.Time                `json:"last_refresh"`
	LastCycle   *CycleReport             `json:"last_cycle,omitempty"`
	Overlay     map[string]health.Result `json:"overlay,omitempty"`
	Traffic     types.TrafficStats       `json:"traffic"`
}

// Manager 是代理池模块的总控制器: 抓取目录 -> 基准测试 -> 更新选择状态。
// 冷启动时立即执行一次, 之后按固定间隔执行, 也可以被路由器的降级事件提前触发。
// 所有周期都在同一个 goroutine 中串行执行。
type Manager struct {
	scraper scraper.Scraper
	bench   Benchmarker
	store   *selector.Store
	router  *router.Router
	storage storage.Storage
	metrics *metrics.Collector
	health  HealthChecker

	mu        sync.RWMutex
	engine    settings.EngineSettings
	probe     settings.ProbeSettings
	listeners []UpdateListener
	lastCycle *CycleReport
	overlay   map[string]health.Result

	seq        atomic.Uint64
	refreshing atomic.Bool
	running    atomic.Bool
	triggerCh  chan string
	readyCh    chan struct{}
	readyOnce  sync.Once
	saveMu     sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// saveGate 保证 saves.Add 不会与 Stop 中的 saves.Wait 并发
	saveGate sync.Mutex
	saves    sync.WaitGroup
}

// NewManager 创建并初始化代理池管理器。
func NewManager(deps Deps, engine *settings.EngineSettings, probe *settings.ProbeSettings) *Manager {
	if engine == nil {
		engine = settings.DefaultEngineSettings()
	}
	if probe == nil {
		probe = settings.DefaultProbeSettings()
	}
	m := &Manager{
		scraper:   deps.Scraper,
		bench:     deps.Benchmarker,
		store:     deps.Store,
		router:    deps.Router,
		storage:   deps.Storage,
		metrics:   deps.Metrics,
		health:    deps.Health,
		engine:    *engine,
		probe:     *probe,
		triggerCh: make(chan string, 1),
		readyCh:   make(chan struct{}),
	}
	if m.store == nil {
		m.store = selector.NewStore(storeOptions(engine))
	}
	if m.router != nil {
		m.router.OnDemote(m.onDemote)
	}
	return m
}

func storeOptions(e *settings.EngineSettings) selector.Options {
	return selector.Options{
		FailureThreshold: e.FailureThreshold,
		HistorySize:      e.HistorySize,
		StaleAfter:       e.StaleAfter(),
		RecencyDecay:     e.RecencyDecay,
	}
}

// AddListener 注册一个排名更新的监听者。
func (m *Manager) AddListener(l UpdateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Manager) Store() *selector.Store {
	return m.store
}

func (m *Manager) settings() (settings.EngineSettings, settings.ProbeSettings) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine, m.probe
}

// Start 从存储预热选择状态, 然后启动后台刷新循环。
func (m *Manager) Start(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")
	if !m.running.CompareAndSwap(false, true) {
		l.Warn().Msg("Manager already running.")
		return
	}
	l.Info().Msg("Manager starting...")

	if err := m.loadEndpoints(); err != nil {
		l.Error().Err(err).Msg("Failed to load endpoints from storage. Starting with an empty pool.")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(ctx)
}

// loop 是核心的调度循环。冷启动的第一轮立即执行, 之后等待定时器、触发信号或停止信号。
func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	wait := m.runCycle(ctx, "cold start")
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("Stop signal received. Shutting down refresh loop.")
			return
		case reason := <-m.triggerCh:
			timer.Stop()
			wait = m.runCycle(ctx, reason)
		case <-timer.C:
			wait = m.runCycle(ctx, "interval")
		}
		timer.Reset(wait)
	}
}

// runCycle 执行一轮刷新并返回距离下一轮的等待时间。
func (m *Manager) runCycle(ctx context.Context, reason string) time.Duration {
	engine, _ := m.settings()
	rep, wait, err := m.refresh(ctx, reason)
	if errors.Is(err, ErrRefreshInProgress) {
		// 手动刷新正在运行, 它结束后会自己更新状态
		return engine.RetryInterval()
	}
	if rep != nil && rep.Outcome == OutcomeCanceled {
		return engine.RefreshInterval()
	}
	return wait
}

// refresh 是一个完整的 "抓取 -> 测试 -> 更新" 周期。同一时刻最多一个周期在运行。
func (m *Manager) refresh(ctx context.Context, reason string) (*CycleReport, time.Duration, error) {
	if !m.refreshing.CompareAndSwap(false, true) {
		return nil, 0, ErrRefreshInProgress
	}
	rep := &CycleReport{
		ID:        uuid.NewString(),
		Seq:       m.seq.Add(1),
		Reason:    reason,
		StartedAt: time.Now(),
	}
	wait, err := m.cycle(ctx, rep)

	// 周期运行期间到达的触发信号已经被本轮吸收
	select {
	case r := <-m.triggerCh:
		l := logger.WithComponent("ProxyPool/Manager")
		l.Debug().Str("reason", r).Msg("Trigger absorbed by the finished cycle.")
	default:
	}
	m.refreshing.Store(false)
	m.finishCycle(rep)
	return rep, wait, err
}

func (m *Manager) cycle(ctx context.Context, rep *CycleReport) (time.Duration, error) {
	engine, probe := m.settings()
	l := logger.WithComponent("ProxyPool/Manager").With().Str("cycle_id", rep.ID).Uint64("seq", rep.Seq).Logger()
	l.Info().Str("reason", rep.Reason).Msg("Starting refresh cycle...")

	if m.health != nil {
		results := m.health.Check(ctx)
		m.mu.Lock()
		m.overlay = results
		m.mu.Unlock()
		if !health.AllUp(results) {
			l.Warn().Interface("overlay", results).Msg("Overlay listeners are not all accepting connections.")
		}
	}

	eps, err := m.scraper.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			rep.Outcome = OutcomeCanceled
			return 0, ctx.Err()
		}
		rep.Outcome = OutcomeFetchError
		if scraper.IsEmpty(err) {
			rep.Outcome = OutcomeEmpty
		}
		rep.Error = err.Error()
		l.Warn().Err(err).Dur("retry_in", engine.RetryInterval()).Msg("Directory fetch failed, keeping current state.")
		return engine.RetryInterval(), err
	}
	rep.Discovered = len(eps)

	candidates := m.store.Candidates(eps, probe.BatchSize)
	results, err := m.bench.RunBatch(ctx, candidates, probe.Concurrency, probe.Timeout())
	if err != nil {
		rep.Outcome = OutcomeEmpty
		rep.Error = err.Error()
		l.Warn().Err(err).Msg("Benchmark batch failed, keeping current state.")
		return engine.RetryInterval(), err
	}
	if ctx.Err() != nil {
		// 关闭过程中被取消的探测不代表端点的真实表现
		rep.Outcome = OutcomeCanceled
		return 0, ctx.Err()
	}
	rep.Probed = len(results)

	out := m.store.Update(selector.Batch{Seq: rep.Seq, Discovered: eps, Results: results})
	rep.Successes = out.Successes
	switch {
	case out.Stale:
		rep.Outcome = OutcomeStale
		return engine.RefreshInterval(), nil
	case !out.Applied:
		rep.Outcome = OutcomeAllFailed
		l.Warn().Int("probed", rep.Probed).Dur("retry_in", engine.RetryInterval()).Msg("Every probe failed, previous ranking retained.")
		return engine.RetryInterval(), nil
	}

	rep.Outcome = OutcomeApplied
	ev := l.Info().Int("discovered", rep.Discovered).Int("probed", rep.Probed).Int("succeeded", rep.Successes).Bool("rotated", out.Rotated)
	if out.HasActive {
		ev = ev.Str("active", out.Active.Key())
	}
	ev.Msg("Refresh cycle applied.")
	m.publish()
	m.saveAsync()
	return engine.RefreshInterval(), nil
}

func (m *Manager) finishCycle(rep *CycleReport) {
	rep.Duration = time.Since(rep.StartedAt)
	m.mu.Lock()
	m.lastCycle = rep
	m.mu.Unlock()
	m.metrics.ObserveRefresh(rep.Outcome, rep.Duration)
	m.readyOnce.Do(func() { close(m.readyCh) })
}

// publish 把当前快照推给指标和所有监听者。
func (m *Manager) publish() {
	snap := m.store.Snapshot()
	m.metrics.SetPool(snap.Ranked, snap.Active)

	m.mu.RLock()
	listeners := append([]UpdateListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l.OnRankingUpdate(snap)
	}
}

func (m *Manager) onDemote(reason string) {
	m.publish()
	m.TriggerRefresh(reason)
}

// TriggerRefresh 请求一次周期外的刷新。正在刷新或已有待处理的请求时, 新请求被合并, 返回 false。
func (m *Manager) TriggerRefresh(reason string) bool {
	l := logger.WithComponent("ProxyPool/Manager")
	if m.refreshing.Load() {
		l.Debug().Str("reason", reason).Msg("Refresh already running, trigger absorbed.")
		return false
	}
	select {
	case m.triggerCh <- reason:
		l.Info().Str("reason", reason).Msg("Out-of-cycle refresh scheduled.")
		return true
	default:
		l.Debug().Str("reason", reason).Msg("Refresh already pending, trigger absorbed.")
		return false
	}
}

// RefreshNow 在调用方的 goroutine 上同步执行一轮刷新。
func (m *Manager) RefreshNow(ctx context.Context) (*CycleReport, error) {
	rep, _, err := m.refresh(ctx, "manual")
	return rep, err
}

// Ready 在第一轮刷新结束后 (无论结果) 关闭。
func (m *Manager) Ready() <-chan struct{} {
	return m.readyCh
}

// FetchProxies 只抓取目录, 不修改选择状态。
func (m *Manager) FetchProxies(ctx context.Context) ([]model.Endpoint, error) {
	return m.scraper.Fetch(ctx)
}

// TestProxies 对给定端点做基准测试并返回每个端点的结果。
// 结果也会并入选择状态 (不带周期序号)。
func (m *Manager) TestProxies(ctx context.Context, eps []model.Endpoint) ([]model.Measurement, error) {
	for _, ep := range eps {
		if err := ep.Validate(); err != nil {
			return nil, fmt.Errorf("invalid endpoint %s: %w", ep, err)
		}
	}
	_, probe := m.settings()
	results, err := m.bench.RunBatch(ctx, eps, probe.Concurrency, probe.Timeout())
	if err != nil {
		return nil, err
	}
	if ctx.Err() == nil {
		if out := m.store.Update(selector.Batch{Results: results}); out.Applied {
			m.publish()
			m.saveAsync()
		}
	}
	return results, nil
}

// MakeRequest 通过当前最优端点执行一次请求。
func (m *Manager) MakeRequest(ctx context.Context, req router.Request) (*router.Response, error) {
	if m.router == nil {
		return nil, fmt.Errorf("manager: no router configured")
	}
	return m.router.Route(ctx, req)
}

func (m *Manager) Snapshot() selector.Snapshot {
	return m.store.Snapshot()
}

func (m *Manager) Status() Status {
	snap := m.store.Snapshot()
	st := Status{
		Running:     m.running.Load(),
		Refreshing:  m.refreshing.Load(),
		Active:      snap.Active,
		Pool:        len(snap.Ranked),
		LastRefresh: snap.LastRefresh,
	}
	for _, e := range snap.Ranked {
		if e.Ranked {
			st.Ranked++
		}
	}
	m.mu.RLock()
	if m.lastCycle != nil {
		c := *m.lastCycle
		st.LastCycle = &c
	}
	st.Overlay = m.overlay
	m.mu.RUnlock()
	if m.router != nil {
		st.Traffic = m.router.GetTrafficStats()
	}
	return st
}

// OnSettingsUpdate 实现 settings.ConfigurableModule。
func (m *Manager) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	l := logger.WithComponent("ProxyPool/Manager")
	switch moduleKey {
	case settings.ModuleEngine:
		e, ok := newSettings.(*settings.EngineSettings)
		if !ok {
			return fmt.Errorf("invalid settings type for engine module: %T", newSettings)
		}
		m.mu.Lock()
		m.engine = *e
		m.mu.Unlock()
		m.store.SetOptions(storeOptions(e))
		if m.router != nil {
			m.router.SetRetries(e.RouteRetries)
			m.router.SetTimeout(e.RequestTimeout())
		}
		m.publish()
		l.Info().Int("failure_threshold", e.FailureThreshold).Int("route_retries", e.RouteRetries).Dur("refresh_interval", e.RefreshInterval()).Msg("Engine settings applied.")
	case settings.ModuleProbe:
		p, ok := newSettings.(*settings.ProbeSettings)
		if !ok {
			return fmt.Errorf("invalid settings type for probe module: %T", newSettings)
		}
		m.mu.Lock()
		m.probe = *p
		m.mu.Unlock()
		if pc, ok := m.bench.(probeConfigurer); ok {
			pc.SetOptions(validator.Options{
				ReferenceURL: p.ReferenceURL,
				MinBytes:     p.MinBytes,
				MaxBytes:     p.MaxBytes,
			})
		}
		l.Info().Int("batch_size", p.BatchSize).Int("concurrency", p.Concurrency).Str("reference_url", p.ReferenceURL).Msg("Probe settings applied.")
	default:
		return fmt.Errorf("unknown module key: %s", moduleKey)
	}
	return nil
}

// loadEndpoints 从存储加载端点到选择状态。
func (m *Manager) loadEndpoints() error {
	if m.storage == nil {
		return nil
	}
	entries, err := m.storage.Load()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	m.store.Restore(entries)
	m.publish()
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("count", len(entries)).Msg("Restored endpoints from storage.")
	return nil
}

// saveEndpoints 将当前选择状态保存到存储。
func (m *Manager) saveEndpoints() error {
	if m.storage == nil {
		return nil
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	return m.storage.Save(m.store.Snapshot().Ranked)
}

// saveAsync 在后台保存, 避免阻塞刷新循环。管理器未运行 (未启动或正在停止) 时同步保存。
func (m *Manager) saveAsync() {
	if m.storage == nil {
		return
	}
	save := func() {
		if err := m.saveEndpoints(); err != nil {
			l := logger.WithComponent("ProxyPool/Manager")
			l.Error().Err(err).Msg("Failed to save endpoints to storage.")
		}
	}

	m.saveGate.Lock()
	if !m.running.Load() {
		m.saveGate.Unlock()
		save()
		return
	}
	m.saves.Add(1)
	m.saveGate.Unlock()
	go func() {
		defer m.saves.Done()
		save()
	}()
}

// Stop 优雅地停止管理器的所有后台任务。正在进行的探测会随 ctx 一起取消。
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	// running 已经为 false, 之后的 saveAsync 都会同步执行
	m.saveGate.Lock()
	m.saveGate.Unlock()
	m.saves.Wait()
	if m.router != nil {
		m.router.Close()
	}
	if err := m.saveEndpoints(); err != nil {
		logger.Error().Err(err).Msg("Failed to save endpoints on shutdown.")
	}
	logger.Info().Msg("ProxyPool Manager gracefully stopped.")
}

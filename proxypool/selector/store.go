package selector

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"outproxy_nexus/internal/shared/logger"
	"outproxy_nexus/proxypool/model"
)

// Options 是选择器的可调参数, 由 settings 的 engine 模块提供。
type Options struct {
	FailureThreshold int
	HistorySize      int
	StaleAfter       time.Duration
	RecencyDecay     float64
	Now              func() time.Time
}

func DefaultOptions() Options {
	return Options{
		FailureThreshold: 3,
		HistorySize:      5,
		StaleAfter:       15 * time.Minute,
		RecencyDecay:     0.5,
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.FailureThreshold < 1 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.HistorySize < 1 {
		o.HistorySize = def.HistorySize
	}
	if o.RecencyDecay <= 0 || o.RecencyDecay > 1 {
		o.RecencyDecay = def.RecencyDecay
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Batch 是一次刷新周期交给 Update 的全部数据。
type Batch struct {
	// Seq 是刷新周期序号。0 表示不参与排序 (例如手动测试)。
	// 序号小于已应用的最大序号的批次会被丢弃。
	Seq uint64
	// Discovered 是本周期目录抓取到的完整列表, 为 nil 时不做对账。
	Discovered []model.Endpoint
	Results    []model.Measurement
}

// UpdateOutcome describes what an Update did.
type UpdateOutcome struct {
	Applied   bool
	Stale     bool // 被更新的周期抢先, 整批丢弃
	Successes int
	Active    model.Endpoint
	HasActive bool
	Rotated   bool // active endpoint changed
}

// FailureOutcome describes the effect of RecordFailure.
type FailureOutcome struct {
	Failures      int
	Demoted       bool
	WasActive     bool
	PoolExhausted bool // 没有任何可用的已排名端点了
}

// Snapshot is a consistent copy of the selection state.
type Snapshot struct {
	Ranked      []*model.RankedEndpoint `json:"ranked"`
	Active      *model.Endpoint         `json:"active,omitempty"`
	LastRefresh time.Time               `json:"last_refresh"`
	Seq         uint64                  `json:"seq"`
}

// view 是一次发布后不再修改的只读视图, 读操作不需要加锁。
type view struct {
	ranked      []*model.RankedEndpoint
	active      *model.Endpoint
	lastRefresh time.Time
	seq         uint64
	everRanked  bool
}

// Store 持有进程内唯一的选择状态。
// 所有修改都在 mu 下完成, 完成后整体发布一个新的 view, 因此读者永远看不到半合并的排名。
type Store struct {
	mu          sync.Mutex
	opts        Options
	entries     map[string]*model.RankedEndpoint
	activeKey   string
	lastSeq     uint64
	lastRefresh time.Time
	everRanked  bool
	nextOrder   int

	current atomic.Pointer[view]
}

func NewStore(opts Options) *Store {
	opts.normalize()
	s := &Store{
		opts:    opts,
		entries: make(map[string]*model.RankedEndpoint),
	}
	s.current.Store(&view{})
	return s
}

// SetOptions 热更新参数并重新计算排名。
func (s *Store) SetOptions(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.Now == nil {
		opts.Now = s.opts.Now
	}
	opts.normalize()
	s.opts = opts
	for _, e := range s.entries {
		if len(e.History) > opts.HistorySize {
			e.History = append([]model.ProbeResult(nil), e.History[len(e.History)-opts.HistorySize:]...)
		}
	}
	s.rebuildLocked(false)
}

// Update 合并一批探测结果, 重新计算得分并排序, 然后选出最优端点作为 active。
// 一个成功都没有的批次不会修改状态, 上一轮的排名原样保留。
func (s *Store) Update(b Batch) UpdateOutcome {
	log := logger.WithComponent("ProxyPool/Selector")
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Seq != 0 {
		if b.Seq < s.lastSeq {
			log.Warn().Int64("seq", int64(b.Seq)).Int64("latest", int64(s.lastSeq)).Msg("Discarding results of a superseded refresh cycle.")
			return UpdateOutcome{Stale: true}
		}
		s.lastSeq = b.Seq
	}

	successes := 0
	for _, m := range b.Results {
		if m.Result.Success {
			successes++
		}
	}
	if successes == 0 {
		log.Warn().Int("results", len(b.Results)).Msg("No successful probe in batch, keeping previous ranking.")
		out := UpdateOutcome{}
		if ep, ok := s.activeLocked(); ok {
			out.Active, out.HasActive = ep, true
		}
		return out
	}

	now := s.opts.Now()
	if b.Discovered != nil {
		s.reconcileLocked(b.Discovered)
	}

	for _, m := range b.Results {
		key := m.Endpoint.Key()
		e, ok := s.entries[key]
		if !ok {
			e = &model.RankedEndpoint{Endpoint: m.Endpoint, Order: s.nextOrder}
			s.nextOrder++
			s.entries[key] = e
		}
		s.appendResultLocked(e, m.Result)
	}

	prev := s.activeKey
	s.lastRefresh = now
	s.rebuildLocked(true)

	out := UpdateOutcome{Applied: true, Successes: successes, Rotated: prev != s.activeKey}
	if ep, ok := s.activeLocked(); ok {
		out.Active, out.HasActive = ep, true
	}
	return out
}

// reconcileLocked 用新抓取的目录替换旧条目。
// 重新出现的端点保留历史和失败状态; 消失的端点只有在已排名、正在使用、已降级或有失败记录时才保留,
// 这样一次短暂的目录遗漏既不会抹掉一个已知良好的端点, 也不会清掉一个坏端点的降级状态。
func (s *Store) reconcileLocked(discovered []model.Endpoint) {
	seen := make(map[string]bool, len(discovered))
	for i, ep := range discovered {
		key := ep.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if e, ok := s.entries[key]; ok {
			e.Order = i
			if ep.Source != "" {
				e.Endpoint.Source = ep.Source
			}
			continue
		}
		s.entries[key] = &model.RankedEndpoint{Endpoint: ep, Order: i, State: model.StateDiscovered}
	}
	s.nextOrder = len(discovered)
	for key, e := range s.entries {
		// 降级或有失败记录的端点也保留, 否则它重新出现时会以一个干净的计数回来
		if seen[key] || key == s.activeKey || e.Ranked || e.Demoted || e.ConsecutiveFailures > 0 {
			continue
		}
		delete(s.entries, key)
	}
}

func (s *Store) appendResultLocked(e *model.RankedEndpoint, r model.ProbeResult) {
	// 同一时刻的结果只记一次, 使重复的 Update 幂等
	for i := range e.History {
		if e.History[i].At.Equal(r.At) {
			e.History[i] = r
			return
		}
	}
	e.History = append(e.History, r)
	sort.SliceStable(e.History, func(i, j int) bool { return e.History[i].At.Before(e.History[j].At) })
	if over := len(e.History) - s.opts.HistorySize; over > 0 {
		e.History = append([]model.ProbeResult(nil), e.History[over:]...)
	}
	if r.Success && e.Demoted && r.At.After(e.DemotedAt) {
		// 重新测试成功, 重新进入排名。失败计数只由 RecordSuccess 清零。
		e.Demoted = false
		e.DemotedAt = time.Time{}
	}
}

// rebuildLocked 重新打分、排序并发布新视图。
// reselect 为 true 时 active 总是切换到排名第一的端点。
func (s *Store) rebuildLocked(reselect bool) {
	now := s.opts.Now()
	ordered := make([]*model.RankedEndpoint, 0, len(s.entries))
	for _, e := range s.entries {
		score, successes, ranked := scoreHistory(e.History, now, s.opts.StaleAfter, s.opts.RecencyDecay)
		e.Score = score
		e.RecentSuccesses = successes
		e.Ranked = ranked && !e.Demoted
		if latest, ok := e.Latest(); ok {
			e.LastMeasured = latest.At
		}
		if e.Ranked {
			s.everRanked = true
		}
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return less(ordered[i], ordered[j]) })

	if cur, ok := s.entries[s.activeKey]; reselect || !ok || !cur.Ranked {
		s.activeKey = ""
		if len(ordered) > 0 && ordered[0].Ranked {
			s.activeKey = ordered[0].Endpoint.Key()
		}
	}

	v := &view{
		ranked:      make([]*model.RankedEndpoint, len(ordered)),
		lastRefresh: s.lastRefresh,
		seq:         s.lastSeq,
		everRanked:  s.everRanked,
	}
	for i, e := range ordered {
		switch {
		case e.Endpoint.Key() == s.activeKey:
			e.State = model.StateActive
		case e.Demoted:
			e.State = model.StateDemoted
		case e.Ranked:
			e.State = model.StateStandby
		case len(e.History) > 0:
			e.State = model.StateUnranked
		default:
			e.State = model.StateDiscovered
		}
		v.ranked[i] = e.Clone()
		if e.State == model.StateActive {
			ep := e.Endpoint
			v.active = &ep
		}
	}
	s.current.Store(v)
}

func (s *Store) activeLocked() (model.Endpoint, bool) {
	if e, ok := s.entries[s.activeKey]; ok {
		return e.Endpoint, true
	}
	return model.Endpoint{}, false
}

// Active 返回当前选中的端点。只读取已发布的视图, 不会等待正在进行的更新。
func (s *Store) Active() (model.Endpoint, bool) {
	v := s.current.Load()
	if v.active == nil {
		return model.Endpoint{}, false
	}
	return *v.active, true
}

// Next 返回不在 exclude 中的最优可用端点 (已排名且未降级)。路由重试时用它绕开本次请求已经失败过的端点。
func (s *Store) Next(exclude map[string]bool) (model.Endpoint, bool) {
	v := s.current.Load()
	if v.active != nil && !exclude[v.active.Key()] {
		return *v.active, true
	}
	for _, e := range v.ranked {
		if !e.Ranked || e.Demoted || exclude[e.Endpoint.Key()] {
			continue
		}
		return e.Endpoint, true
	}
	return model.Endpoint{}, false
}

// HasRanking reports whether any endpoint has ever been ranked.
// The router uses it to tell "no endpoint yet" from "all endpoints exhausted".
func (s *Store) HasRanking() bool {
	return s.current.Load().everRanked
}

// RecordFailure 增加端点的连续失败计数。
// 计数达到阈值时端点被降级, 如果它正是 active, 则 active 切换到下一个可用的已排名端点。
func (s *Store) RecordFailure(ep model.Endpoint) FailureOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ep.Key()
	e, ok := s.entries[key]
	if !ok {
		return FailureOutcome{}
	}
	e.ConsecutiveFailures++
	out := FailureOutcome{Failures: e.ConsecutiveFailures, WasActive: key == s.activeKey}
	if e.Demoted || e.ConsecutiveFailures < s.opts.FailureThreshold {
		s.rebuildLocked(false)
		return out
	}

	e.Demoted = true
	e.DemotedAt = s.opts.Now()
	out.Demoted = true
	s.rebuildLocked(false)

	_, hasActive := s.activeLocked()
	out.PoolExhausted = !hasActive
	l := logger.WithComponent("ProxyPool/Selector")
	l.Warn().
		Str("endpoint", key).
		Int("failures", e.ConsecutiveFailures).
		Bool("exhausted", out.PoolExhausted).
		Msg("Endpoint demoted.")
	return out
}

// RecordSuccess 将端点的连续失败计数清零。
func (s *Store) RecordSuccess(ep model.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ep.Key()]
	if !ok || e.ConsecutiveFailures == 0 {
		return
	}
	e.ConsecutiveFailures = 0
	s.rebuildLocked(false)
}

// Snapshot returns a deep copy of the current view.
func (s *Store) Snapshot() Snapshot {
	v := s.current.Load()
	snap := Snapshot{
		Ranked:      make([]*model.RankedEndpoint, len(v.ranked)),
		LastRefresh: v.lastRefresh,
		Seq:         v.seq,
	}
	for i, e := range v.ranked {
		snap.Ranked[i] = e.Clone()
	}
	if v.active != nil {
		ep := *v.active
		snap.Active = &ep
	}
	return snap
}

// Candidates 从本周期发现的端点中挑出最多 limit 个去做基准测试:
// 当前 active 优先, 其余按上次测量时间从旧到新 (从未测过的最先), 同时间按目录顺序。
func (s *Store) Candidates(discovered []model.Endpoint, limit int) []model.Endpoint {
	v := s.current.Load()
	known := make(map[string]*model.RankedEndpoint, len(v.ranked))
	for _, e := range v.ranked {
		known[e.Endpoint.Key()] = e
	}

	type cand struct {
		ep    model.Endpoint
		index int
		last  time.Time
	}
	var active *model.Endpoint
	var rest []cand
	seen := make(map[string]bool, len(discovered))
	for i, ep := range discovered {
		key := ep.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if v.active != nil && key == v.active.Key() {
			a := ep
			active = &a
			continue
		}
		c := cand{ep: ep, index: i}
		if e, ok := known[key]; ok {
			c.last = e.LastMeasured
		}
		rest = append(rest, c)
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if !rest[i].last.Equal(rest[j].last) {
			return rest[i].last.Before(rest[j].last)
		}
		return rest[i].index < rest[j].index
	})

	out := make([]model.Endpoint, 0, limit)
	if active != nil {
		out = append(out, *active)
	}
	for _, c := range rest {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, c.ep)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Restore 用持久化的条目预热选择状态 (启动时调用)。已有条目不会被覆盖。
func (s *Store) Restore(entries []*model.RankedEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range entries {
		key := r.Endpoint.Key()
		if _, ok := s.entries[key]; ok {
			continue
		}
		e := r.Clone()
		e.Order = s.nextOrder
		s.nextOrder++
		if len(e.History) > s.opts.HistorySize {
			e.History = e.History[len(e.History)-s.opts.HistorySize:]
		}
		s.entries[key] = e
	}
	s.rebuildLocked(s.activeKey == "")
}

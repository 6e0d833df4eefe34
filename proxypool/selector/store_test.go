package selector

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"outproxy_nexus/proxypool/model"
)

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func ep(host string) model.Endpoint {
	return model.Endpoint{Host: host, Port: 4444, Scheme: model.SchemeHTTP}
}

func ok(e model.Endpoint, kbps float64, at time.Time) model.Measurement {
	return model.Measurement{Endpoint: e, Result: model.ProbeResult{
		Success:    true,
		Throughput: kbps * 1024,
		Bytes:      10240,
		At:         at,
	}}
}

func fail(e model.Endpoint, at time.Time) model.Measurement {
	return model.Measurement{Endpoint: e, Result: model.ProbeResult{
		Failure: model.FailureConnect,
		Reason:  "connection refused",
		At:      at,
	}}
}

// newTestStore returns a store whose clock can be moved by the test.
func newTestStore() (*Store, *time.Time) {
	now := baseTime
	opts := DefaultOptions()
	opts.Now = func() time.Time { return now }
	return NewStore(opts), &now
}

func TestActive_EmptyStore(t *testing.T) {
	s, _ := newTestStore()
	if _, ok := s.Active(); ok {
		t.Fatal("Expected no active endpoint on an empty store")
	}
	if s.HasRanking() {
		t.Error("Expected HasRanking() to be false before any update")
	}
}

func TestUpdate_PicksHighestThroughput(t *testing.T) {
	s, _ := newTestStore()
	a, b, c := ep("a.example"), ep("b.example"), ep("c.example")

	out := s.Update(Batch{Seq: 1, Discovered: []model.Endpoint{c, b, a}, Results: []model.Measurement{
		ok(b, 200, baseTime), fail(c, baseTime), ok(a, 500, baseTime),
	}})
	if !out.Applied || out.Successes != 2 {
		t.Fatalf("Unexpected outcome: %+v", out)
	}

	active, found := s.Active()
	if !found || active.Key() != a.Key() {
		t.Fatalf("Expected active endpoint %s, got %v (found=%v)", a, active, found)
	}

	snap := s.Snapshot()
	if len(snap.Ranked) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(snap.Ranked))
	}
	wantOrder := []string{a.Key(), b.Key(), c.Key()}
	for i, want := range wantOrder {
		if got := snap.Ranked[i].Endpoint.Key(); got != want {
			t.Errorf("Ranked[%d] = %s, want %s", i, got, want)
		}
	}
	if snap.Ranked[2].Ranked {
		t.Error("Expected the failed endpoint to be unranked")
	}
	if snap.Ranked[0].State != model.StateActive || snap.Ranked[1].State != model.StateStandby || snap.Ranked[2].State != model.StateUnranked {
		t.Errorf("Unexpected states: %v %v %v", snap.Ranked[0].State, snap.Ranked[1].State, snap.Ranked[2].State)
	}
}

func TestRecordFailure_DemotesAndRotates(t *testing.T) {
	s, _ := newTestStore()
	a, b := ep("a.example"), ep("b.example")
	s.Update(Batch{Seq: 1, Results: []model.Measurement{ok(a, 500, baseTime), ok(b, 200, baseTime)}})

	for i := 1; i <= 2; i++ {
		out := s.RecordFailure(a)
		if out.Demoted {
			t.Fatalf("Demoted after %d failures, threshold is 3", i)
		}
		if active, _ := s.Active(); active.Key() != a.Key() {
			t.Fatalf("Active rotated too early after %d failures", i)
		}
	}

	out := s.RecordFailure(a)
	if !out.Demoted || !out.WasActive || out.PoolExhausted {
		t.Fatalf("Unexpected failure outcome: %+v", out)
	}
	active, found := s.Active()
	if !found || active.Key() != b.Key() {
		t.Fatalf("Expected rotation to %s, got %v", b, active)
	}

	// 降级的端点在再次测试成功之前不能重新成为 active
	s.Update(Batch{Seq: 2, Results: []model.Measurement{ok(b, 100, baseTime.Add(time.Second))}})
	if active, _ := s.Active(); active.Key() == a.Key() {
		t.Fatal("Demoted endpoint returned to active without a fresh successful probe")
	}
}

func TestRecordFailure_LastEndpointExhaustsPool(t *testing.T) {
	s, _ := newTestStore()
	a := ep("a.example")
	s.Update(Batch{Results: []model.Measurement{ok(a, 500, baseTime)}})

	var out FailureOutcome
	for i := 0; i < 3; i++ {
		out = s.RecordFailure(a)
	}
	if !out.PoolExhausted {
		t.Fatalf("Expected pool exhausted, got %+v", out)
	}
	if _, found := s.Active(); found {
		t.Fatal("Active() returned a demoted endpoint")
	}
	if !s.HasRanking() {
		t.Error("HasRanking() should stay true once an endpoint was ranked")
	}
	snap := s.Snapshot()
	if len(snap.Ranked) != 1 || snap.Ranked[0].State != model.StateDemoted {
		t.Fatalf("Demoted endpoint should remain in the pool, got %+v", snap.Ranked)
	}
}

func TestDemotedEndpoint_ReentersAfterSuccessfulProbe(t *testing.T) {
	s, now := newTestStore()
	a, b := ep("a.example"), ep("b.example")
	s.Update(Batch{Results: []model.Measurement{ok(a, 500, baseTime), ok(b, 200, baseTime)}})
	for i := 0; i < 3; i++ {
		s.RecordFailure(a)
	}

	*now = baseTime.Add(time.Minute)
	s.Update(Batch{Results: []model.Measurement{ok(a, 800, *now), ok(b, 200, *now)}})
	active, _ := s.Active()
	if active.Key() != a.Key() {
		t.Fatalf("Expected re-benchmarked endpoint %s to be active again, got %s", a, active)
	}
}

func TestFailureCounter_OnlyResetBySuccess(t *testing.T) {
	s, now := newTestStore()
	a, b := ep("a.example"), ep("b.example")
	s.Update(Batch{Results: []model.Measurement{ok(a, 500, baseTime), ok(b, 100, baseTime)}})

	s.RecordFailure(a)
	s.RecordFailure(a)
	*now = baseTime.Add(time.Minute)
	s.Update(Batch{Results: []model.Measurement{ok(a, 500, *now)}})

	if got := failures(s, a); got != 2 {
		t.Fatalf("Expected failure counter to stay at 2 across an update, got %d", got)
	}
	s.RecordSuccess(a)
	if got := failures(s, a); got != 0 {
		t.Fatalf("Expected RecordSuccess to reset the counter, got %d", got)
	}
}

func failures(s *Store, e model.Endpoint) int {
	for _, r := range s.Snapshot().Ranked {
		if r.Endpoint.Key() == e.Key() {
			return r.ConsecutiveFailures
		}
	}
	return -1
}

func TestUpdate_AllFailedKeepsPreviousRanking(t *testing.T) {
	s, now := newTestStore()
	a, b := ep("a.example"), ep("b.example")
	s.Update(Batch{Seq: 1, Results: []model.Measurement{ok(a, 500, baseTime), ok(b, 200, baseTime)}})
	before := s.Snapshot()

	*now = baseTime.Add(5 * time.Minute)
	out := s.Update(Batch{Seq: 2, Discovered: []model.Endpoint{b}, Results: []model.Measurement{fail(a, *now), fail(b, *now)}})
	if out.Applied {
		t.Fatal("A batch without any success must not be applied")
	}

	after := s.Snapshot()
	if len(after.Ranked) != len(before.Ranked) {
		t.Fatalf("Ranking changed size: %d -> %d", len(before.Ranked), len(after.Ranked))
	}
	for i := range before.Ranked {
		if before.Ranked[i].Endpoint.Key() != after.Ranked[i].Endpoint.Key() || len(before.Ranked[i].History) != len(after.Ranked[i].History) {
			t.Fatalf("Ranking changed at %d", i)
		}
	}
	if active, _ := s.Active(); active.Key() != a.Key() {
		t.Fatalf("Expected prior best %s to stay active, got %s", a, active)
	}
}

func TestUpdate_StaleCycleDiscarded(t *testing.T) {
	s, _ := newTestStore()
	a, b := ep("a.example"), ep("b.example")

	// 周期 2 先完成
	s.Update(Batch{Seq: 2, Results: []model.Measurement{ok(b, 300, baseTime.Add(time.Second))}})
	// 周期 1 更慢, 后完成
	out := s.Update(Batch{Seq: 1, Results: []model.Measurement{ok(a, 900, baseTime)}})
	if !out.Stale || out.Applied {
		t.Fatalf("Expected stale batch to be discarded, got %+v", out)
	}
	active, _ := s.Active()
	if active.Key() != b.Key() {
		t.Fatalf("Expected cycle 2 result %s to win, got %s", b, active)
	}
	if len(s.Snapshot().Ranked) != 1 {
		t.Error("Stale batch leaked entries into the store")
	}
}

func TestUpdate_Idempotent(t *testing.T) {
	s, _ := newTestStore()
	a, b, c := ep("a.example"), ep("b.example"), ep("c.example")
	batch := Batch{Seq: 1, Results: []model.Measurement{ok(a, 100, baseTime), ok(b, 300, baseTime), ok(c, 200, baseTime)}}

	s.Update(batch)
	first := keys(s.Snapshot())
	s.Update(batch)
	second := keys(s.Snapshot())

	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Fatalf("Order changed on identical input: %v -> %v", first, second)
	}
	for _, r := range s.Snapshot().Ranked {
		if len(r.History) != 1 {
			t.Errorf("%s: expected 1 history entry, got %d", r.Endpoint, len(r.History))
		}
	}
}

func keys(s Snapshot) []string {
	out := make([]string, len(s.Ranked))
	for i, r := range s.Ranked {
		out[i] = r.Endpoint.Key()
	}
	return out
}

func TestUpdate_TieBreakOnRecentSuccesses(t *testing.T) {
	s, now := newTestStore()
	a, b := ep("a.example"), ep("b.example")
	s.Update(Batch{Results: []model.Measurement{ok(a, 200, baseTime)}})
	*now = baseTime.Add(time.Minute)
	s.Update(Batch{Results: []model.Measurement{ok(a, 200, *now), ok(b, 200, *now)}})

	active, _ := s.Active()
	if active.Key() != a.Key() {
		t.Fatalf("Expected endpoint with more recent successes to win the tie, got %s", active)
	}
}

func TestScore_StaleResultsAreUnranked(t *testing.T) {
	s, now := newTestStore()
	a, b := ep("a.example"), ep("b.example")
	s.Update(Batch{Results: []model.Measurement{ok(a, 900, baseTime)}})

	*now = baseTime.Add(time.Hour)
	s.Update(Batch{Results: []model.Measurement{ok(b, 10, *now)}})

	snap := s.Snapshot()
	if snap.Ranked[0].Endpoint.Key() != b.Key() {
		t.Fatalf("Expected fresh slow endpoint before stale fast one, got %s", snap.Ranked[0].Endpoint)
	}
	if snap.Ranked[1].Ranked || snap.Ranked[1].Score != 0 {
		t.Errorf("Expected stale endpoint to be unranked, got %+v", snap.Ranked[1])
	}
}

func TestUpdate_ReconcileKeepsKnownGoodEndpoints(t *testing.T) {
	s, now := newTestStore()
	a, b, c := ep("a.example"), ep("b.example"), ep("c.example")
	s.Update(Batch{Seq: 1, Discovered: []model.Endpoint{a, b, c}, Results: []model.Measurement{ok(a, 500, baseTime), fail(b, baseTime)}})

	*now = baseTime.Add(time.Minute)
	d := ep("d.example")
	s.Update(Batch{Seq: 2, Discovered: []model.Endpoint{d}, Results: []model.Measurement{ok(d, 100, *now)}})

	got := map[string]bool{}
	for _, k := range keys(s.Snapshot()) {
		got[k] = true
	}
	if !got[a.Key()] {
		t.Error("Known-good endpoint was dropped by a transient directory omission")
	}
	if got[b.Key()] || got[c.Key()] {
		t.Errorf("Unranked absent endpoints should be replaced, got %v", got)
	}
	if !got[d.Key()] {
		t.Error("Newly discovered endpoint missing")
	}
}

func TestUpdate_DemotedEndpointSurvivesOmission(t *testing.T) {
	s, now := newTestStore()
	a, b, c := ep("a.example"), ep("b.example"), ep("c.example")
	s.Update(Batch{Seq: 1, Discovered: []model.Endpoint{a, b}, Results: []model.Measurement{ok(a, 500, baseTime), ok(b, 200, baseTime)}})
	for i := 0; i < 3; i++ {
		s.RecordFailure(a)
	}

	*now = baseTime.Add(time.Minute)
	s.Update(Batch{Seq: 2, Discovered: []model.Endpoint{b, c}, Results: []model.Measurement{ok(b, 200, *now), ok(c, 100, *now)}})
	if got := failures(s, a); got != 3 {
		t.Fatalf("Expected demoted endpoint to stay in the pool with 3 failures, got %d", got)
	}

	*now = baseTime.Add(2 * time.Minute)
	s.Update(Batch{Seq: 3, Discovered: []model.Endpoint{a, b, c}, Results: []model.Measurement{ok(b, 200, *now), ok(c, 100, *now)}})
	for _, r := range s.Snapshot().Ranked {
		if r.Endpoint.Key() != a.Key() {
			continue
		}
		if !r.Demoted || r.ConsecutiveFailures != 3 || r.State != model.StateDemoted {
			t.Fatalf("Expected reappearing endpoint to keep its demotion, got demoted=%v failures=%d state=%s", r.Demoted, r.ConsecutiveFailures, r.State)
		}
	}
	if active, _ := s.Active(); active.Key() != b.Key() {
		t.Errorf("Expected %s to stay active, got %s", b, active)
	}
}

func TestNext_SkipsExcludedAndDemoted(t *testing.T) {
	s, _ := newTestStore()
	a, b, c := ep("a.example"), ep("b.example"), ep("c.example")
	s.Update(Batch{Results: []model.Measurement{ok(a, 500, baseTime), ok(b, 300, baseTime), ok(c, 100, baseTime)}})

	if got, found := s.Next(nil); !found || got.Key() != a.Key() {
		t.Fatalf("Expected Next(nil) to return the active endpoint, got %v", got)
	}
	if got, found := s.Next(map[string]bool{a.Key(): true}); !found || got.Key() != b.Key() {
		t.Fatalf("Expected next-best %s, got %v", b, got)
	}
	for i := 0; i < 3; i++ {
		s.RecordFailure(b)
	}
	if got, found := s.Next(map[string]bool{a.Key(): true}); !found || got.Key() != c.Key() {
		t.Fatalf("Expected demoted endpoint to be skipped, got %v", got)
	}
	if _, found := s.Next(map[string]bool{a.Key(): true, c.Key(): true}); found {
		t.Error("Expected no endpoint when every usable one is excluded")
	}
}

func TestCandidates_ActiveFirstThenLeastRecentlyMeasured(t *testing.T) {
	s, now := newTestStore()
	a, b, c, d := ep("a.example"), ep("b.example"), ep("c.example"), ep("d.example")
	s.Update(Batch{Results: []model.Measurement{ok(a, 100, baseTime)}})
	*now = baseTime.Add(time.Minute)
	s.Update(Batch{Results: []model.Measurement{ok(b, 900, *now)}})

	got := s.Candidates([]model.Endpoint{a, b, c, d, c}, 3)
	want := []string{b.Key(), c.Key(), d.Key()}
	if len(got) != len(want) {
		t.Fatalf("Expected %d candidates, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Key() != want[i] {
			t.Errorf("Candidates[%d] = %s, want %s", i, got[i].Key(), want[i])
		}
	}
}

func TestRestore_WarmStart(t *testing.T) {
	s, _ := newTestStore()
	a := ep("a.example")
	entry := &model.RankedEndpoint{Endpoint: a, History: []model.ProbeResult{ok(a, 100, baseTime.Add(-time.Minute)).Result}}
	s.Restore([]*model.RankedEndpoint{entry})

	active, found := s.Active()
	if !found || active.Key() != a.Key() {
		t.Fatalf("Expected restored endpoint to be active, got %v", active)
	}
}

func TestRestore_DemotedEntryStaysUnranked(t *testing.T) {
	s, _ := newTestStore()
	a, b := ep("a.example"), ep("b.example")
	demoted := &model.RankedEndpoint{
		Endpoint:            a,
		History:             []model.ProbeResult{ok(a, 900, baseTime.Add(-2*time.Minute)).Result},
		Demoted:             true,
		DemotedAt:           baseTime.Add(-time.Minute),
		ConsecutiveFailures: 3,
	}
	good := &model.RankedEndpoint{Endpoint: b, History: []model.ProbeResult{ok(b, 100, baseTime.Add(-2*time.Minute)).Result}}
	s.Restore([]*model.RankedEndpoint{demoted, good})

	if active, _ := s.Active(); active.Key() != b.Key() {
		t.Fatalf("Expected %s to be active after restore, got %s", b, active)
	}
	if got := failures(s, a); got != 3 {
		t.Errorf("Expected restored failure counter 3, got %d", got)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s, _ := newTestStore()
	eps := make([]model.Endpoint, 8)
	for i := range eps {
		eps[i] = ep(fmt.Sprintf("h%d.example", i))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				var ms []model.Measurement
				for j, e := range eps {
					ms = append(ms, ok(e, float64(100+j), baseTime.Add(time.Duration(w*1000+i)*time.Millisecond)))
				}
				s.Update(Batch{Results: ms})
			}
		}(w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if active, found := s.Active(); found {
					s.RecordFailure(active)
					s.RecordSuccess(active)
				}
				snap := s.Snapshot()
				for k := 1; k < len(snap.Ranked); k++ {
					if less(snap.Ranked[k], snap.Ranked[k-1]) {
						t.Errorf("Observed unsorted ranking at %d", k)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

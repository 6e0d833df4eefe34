package selector

import (
	"time"

	"gonum.org/v1/gonum/stat"
	"outproxy_nexus/proxypool/model"
)

// scoreHistory 计算一个端点的得分: 窗口内成功探测吞吐量的加权平均。
// 最新的一次权重为 1, 往前每一次乘以 decay。窗口外的结果视为未知而不是 0。
func scoreHistory(history []model.ProbeResult, now time.Time, staleAfter time.Duration, decay float64) (score float64, successes int, ranked bool) {
	var xs, ws []float64
	weight := 1.0
	for i := len(history) - 1; i >= 0; i-- {
		r := history[i]
		if !r.Success {
			continue
		}
		if staleAfter > 0 && now.Sub(r.At) > staleAfter {
			continue
		}
		xs = append(xs, r.Throughput)
		ws = append(ws, weight)
		weight *= decay
	}
	if len(xs) == 0 {
		return 0, 0, false
	}
	return stat.Mean(xs, ws), len(xs), true
}

// less orders entries best-first.
// Ranked entries come before unranked ones, by score, then recent successes, then recency.
// Everything else falls back to directory order and finally to the key.
func less(a, b *model.RankedEndpoint) bool {
	if a.Ranked != b.Ranked {
		return a.Ranked
	}
	if a.Ranked {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.RecentSuccesses != b.RecentSuccesses {
			return a.RecentSuccesses > b.RecentSuccesses
		}
		if !a.LastMeasured.Equal(b.LastMeasured) {
			return a.LastMeasured.After(b.LastMeasured)
		}
	}
	if a.Demoted != b.Demoted {
		return !a.Demoted
	}
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.Endpoint.Key() < b.Endpoint.Key()
}

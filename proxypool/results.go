package manager

import (
	"sort"

	"outproxy_nexus/proxypool/model"
)

// TestResult 是 TestProxies 对外暴露的精简结果。
type TestResult struct {
	Endpoint   model.Endpoint    `json:"endpoint"`
	Success    bool              `json:"success"`
	Throughput float64           `json:"throughput"` // bytes/sec
	LatencyMs  int64             `json:"latency_ms"`
	Bytes      int64             `json:"bytes"`
	Failure    model.FailureKind `json:"failure,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// Summarize 把测量结果转换为 TestResult, 成功的在前, 按吞吐量从高到低排列。
func Summarize(ms []model.Measurement) []TestResult {
	out := make([]TestResult, 0, len(ms))
	for _, m := range ms {
		out = append(out, TestResult{
			Endpoint:   m.Endpoint,
			Success:    m.Result.Success,
			Throughput: m.Result.Throughput,
			LatencyMs:  m.Result.Latency.Milliseconds(),
			Bytes:      m.Result.Bytes,
			Failure:    m.Result.Failure,
			Reason:     m.Result.Reason,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Success != out[j].Success {
			return out[i].Success
		}
		if out[i].Throughput != out[j].Throughput {
			return out[i].Throughput > out[j].Throughput
		}
		return out[i].Endpoint.Key() < out[j].Endpoint.Key()
	})
	return out
}

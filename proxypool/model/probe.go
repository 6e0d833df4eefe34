package model

import "time"

// FailureKind classifies why a probe did not succeed. A failed probe is data, not an error.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureConnect
	FailureTimeout
	FailureStatus
	FailureTooSmall
	FailureCanceled
	FailureInvalid
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureConnect:
		return "connect"
	case FailureTimeout:
		return "timeout"
	case FailureStatus:
		return "status"
	case FailureTooSmall:
		return "too_small"
	case FailureCanceled:
		return "canceled"
	case FailureInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ProbeResult is the outcome of one timed benchmark against one endpoint.
type ProbeResult struct {
	Success    bool          `json:"success"`
	Elapsed    time.Duration `json:"elapsed"`    // connect -> last byte
	Latency    time.Duration `json:"latency"`    // connect -> response headers
	Bytes      int64         `json:"bytes"`      // body bytes received
	Throughput float64       `json:"throughput"` // bytes/sec, 0 on failure
	At         time.Time     `json:"at"`

	Failure FailureKind `json:"failure,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Measurement binds a result to the endpoint it was taken against.
type Measurement struct {
	Endpoint Endpoint    `json:"endpoint"`
	Result   ProbeResult `json:"result"`
}

// ParseFailureKind is the inverse of FailureKind.String.
func ParseFailureKind(s string) FailureKind {
	for k := FailureNone; k <= FailureInvalid; k++ {
		if k.String() == s {
			return k
		}
	}
	return FailureInvalid
}

func (k *FailureKind) UnmarshalText(b []byte) error {
	*k = ParseFailureKind(string(b))
	return nil
}

package types

// TrafficStats 用于报告流量统计信息
type TrafficStats struct {
	Uplink   uint64 `json:"uplink"`
	Downlink uint64 `json:"downlink"`
}

type HealthStatus int

const (
	StatusUnknown HealthStatus = iota // Default value
	StatusUp
	StatusDown
)

func (s HealthStatus) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *HealthStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "up":
		*s = StatusUp
	case "down":
		*s = StatusDown
	default:
		*s = StatusUnknown
	}
	return nil
}

package app

import (
	"context"
	"time"

	manager "outproxy_nexus/proxypool"
)

// DashboardStats 是周期性推送给 websocket 客户端的状态。
type DashboardStats struct {
	Timestamp    time.Time      `json:"timestamp"`
	UplinkRate   uint64         `json:"uplink_rate"`   // bytes per second
	DownlinkRate uint64         `json:"downlink_rate"` // bytes per second
	Status       manager.Status `json:"status"`
}

// statsLoop 每两秒计算一次路由流量速率并广播状态。没有客户端连接时跳过。
func (s *AppServer) statsLoop(ctx context.Context) {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastUplink, lastDownlink uint64
	var lastTimestamp time.Time

	for {
		select {
		case <-ticker.C:
			status := s.manager.Status()
			now := time.Now()
			var upRate, downRate uint64

			// 计算速率（如果不是第一次）
			if !lastTimestamp.IsZero() {
				elapsed := now.Sub(lastTimestamp).Seconds()
				if elapsed > 0 && status.Traffic.Uplink >= lastUplink && status.Traffic.Downlink >= lastDownlink {
					upRate = uint64(float64(status.Traffic.Uplink-lastUplink) / elapsed)
					downRate = uint64(float64(status.Traffic.Downlink-lastDownlink) / elapsed)
				}
			}
			lastUplink, lastDownlink, lastTimestamp = status.Traffic.Uplink, status.Traffic.Downlink, now

			if s.hub.ClientCount() == 0 {
				continue
			}
			s.hub.BroadcastStatusUpdate(&DashboardStats{
				Timestamp:    now,
				UplinkRate:   upRate,
				DownlinkRate: downRate,
				Status:       status,
			})
		case <-ctx.Done():
			return
		}
	}
}

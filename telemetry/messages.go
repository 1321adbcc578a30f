package telemetry

import (
	"encoding/json"
	"math"

	"remote-x/status"
)

const (
	TypeRTTReport     = "rtt_report"
	TypeQualityChange = "quality_change"
)

// SideMessage 是数据通道上的控制消息。
type SideMessage struct {
	Type    string         `json:"type"`
	RTT     *float64       `json:"rtt,omitempty"`
	Quality status.Quality `json:"quality,omitempty"`
}

// RTTReport 编码一条往返时延上报（毫秒，取整）。
func RTTReport(ms float64) string {
	v := math.Round(ms)
	b, _ := json.Marshal(SideMessage{Type: TypeRTTReport, RTT: &v})
	return string(b)
}

// QualityChange 编码一条画质切换请求。
func QualityChange(q status.Quality) string {
	b, _ := json.Marshal(SideMessage{Type: TypeQualityChange, Quality: q})
	return string(b)
}

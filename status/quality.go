package status

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityUltra  Quality = "ultra"
)

// QualityProfile 是画质预设对应的目标分辨率/帧率/码率。
type QualityProfile struct {
	Preset      Quality `json:"preset"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         int     `json:"fps"`
	BitrateKbps int     `json:"bitrate_kbps"`
}

var profiles = map[Quality]QualityProfile{
	QualityLow:    {Preset: QualityLow, Width: 640, Height: 360, FPS: 15, BitrateKbps: 500},
	QualityMedium: {Preset: QualityMedium, Width: 960, Height: 540, FPS: 24, BitrateKbps: 1200},
	QualityHigh:   {Preset: QualityHigh, Width: 1280, Height: 720, FPS: 30, BitrateKbps: 2500},
	QualityUltra:  {Preset: QualityUltra, Width: 1920, Height: 1080, FPS: 30, BitrateKbps: 4000},
}

// String 返回画质预设文本。
func (q Quality) String() string { return string(q) }

// Profile 返回预设对应的参数；未知预设返回零值。
func (q Quality) Profile() QualityProfile { return profiles[q] }

// Resolution 返回形如 "960x540" 的分辨率文本。
func (p QualityProfile) Resolution() string { return fmt.Sprintf("%dx%d", p.Width, p.Height) }

// ParseQuality 将文本解析为 Quality。
// 参数：
// - v: 预设文本（low/medium/high/ultra，大小写不敏感）
// 返回：
// - Quality: 解析结果
// - error: 未知预设时返回错误
func ParseQuality(v string) (Quality, error) {
	q := Quality(strings.ToLower(strings.TrimSpace(v)))
	if _, ok := profiles[q]; !ok {
		return "", fmt.Errorf("unknown Quality: %q", v)
	}
	return q, nil
}

// Qualities 按从低到高返回全部预设。
func Qualities() []Quality {
	return []Quality{QualityLow, QualityMedium, QualityHigh, QualityUltra}
}

// MarshalJSON 将 Quality 编码为 JSON 字符串。
func (q Quality) MarshalJSON() ([]byte, error) { return json.Marshal(string(q)) }

// UnmarshalJSON 从 JSON 字符串解码为 Quality。
func (q *Quality) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseQuality(v)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

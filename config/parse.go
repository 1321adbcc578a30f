package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Target struct {
	Host string
	Port int
}

// ParseTarget 解析目标地址（形如 "10.0.0.5"、"10.0.0.5:8765"、"[::1]:8765"）。
// 参数：
// - s: 目标地址文本
// - defaultPort: 未写端口时使用的缺省端口
// 返回：
// - Target: 主机与端口
// - error: 解析失败原因
func ParseTarget(s string, defaultPort int) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("empty target")
	}
	if strings.Contains(s, "://") || strings.ContainsAny(s, "/?#") {
		return Target{}, fmt.Errorf("target must be host[:port]: %q", s)
	}

	host, portText, err := net.SplitHostPort(s)
	if err != nil {
		// 无端口：纯主机名、IPv4 或未加括号的 IPv6。
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		portText = ""
	}
	if host == "" {
		return Target{}, fmt.Errorf("empty host: %q", s)
	}

	port := defaultPort
	if portText != "" {
		port, err = strconv.Atoi(portText)
		if err != nil {
			return Target{}, fmt.Errorf("invalid port: %q", portText)
		}
	}
	if port <= 0 || port > 65535 {
		return Target{}, fmt.Errorf("invalid port: %d", port)
	}
	return Target{Host: host, Port: port}, nil
}

// Addr 返回 host:port 文本（IPv6 自动加括号）。
func (t Target) Addr() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

// String 同 Addr。
func (t Target) String() string { return t.Addr() }

// WebSocketURL 返回控制通道地址。
// 参数：
// - path: 控制通道路径（如 "/ws"）
func (t Target) WebSocketURL(path string) string { return "ws://" + t.Addr() + path }

// HTTPBase 返回信令接口的基础地址（不带末尾斜杠）。
func (t Target) HTTPBase() string { return "http://" + t.Addr() }

type ByteSize int64

// Int64 返回字节数的 int64 表达。
func (b ByteSize) Int64() int64 { return int64(b) }

// UnmarshalYAML 支持从 YAML 中解析 ByteSize（如 100MB、2GB、1024B）。
// 参数：
// - value: YAML 节点
// 返回：
// - error: 解析失败原因
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*b = 0
		return nil
	}
	v := strings.TrimSpace(value.Value)
	if v == "" {
		*b = 0
		return nil
	}
	n, err := parseByteSize(v)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// parseByteSize 解析形如 "100MB"/"1.5GB" 的字节数文本。
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "KB"):
		mult = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "MB"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return int64(f * float64(mult)), nil
}

// DefaultConfig 返回一份可用的默认配置（与主机端缺省端口、超时保持一致）。
func DefaultConfig() Config {
	return Config{
		Control: ControlConfig{
			DefaultPort:    8765,
			Path:           "/ws",
			Mode:           "same_origin",
			RequestTimeout: 35 * time.Second,
			ReconnectDelay: 3 * time.Second,
			DialTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
			PongTimeout:    60 * time.Second,
			PeerInfoAction: "system_info",
		},
		Stream: StreamConfig{
			Quality:              "medium",
			MaxReconnectAttempts: 5,
			ReconnectDelay:       3 * time.Second,
			SignalingTimeout:     10 * time.Second,
			SignalingPrefix:      "/api/screen",
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Telemetry: TelemetryConfig{
			Interval: 1 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "console",
			FilePath: "logs/remote-client.log",
			MaxSize:  ByteSize(20 * 1024 * 1024),
			MaxAge:   7,
			Compress: true,
		},
	}
}

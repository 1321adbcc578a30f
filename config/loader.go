package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"remote-x/status"
)

// Load 从 YAML 文件读取并解析配置，并做基础校验与默认值补齐。
// 参数：
// - path: 配置文件路径
// 返回：
// - Config: 合并默认值后的配置
// - error: 读取/解析/校验失败原因
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 校验配置字段合法性（端口、超时、模式、画质、日志输出等）。
// 参数：
// - cfg: 待校验配置
// 返回：
// - error: 校验失败原因
func Validate(cfg Config) error {
	c := cfg.Control
	if c.DefaultPort <= 0 || c.DefaultPort > 65535 {
		return fmt.Errorf("invalid control.default_port: %d", c.DefaultPort)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("invalid control.path: %q", c.Path)
	}
	if _, err := status.ParseConnMode(c.Mode); err != nil {
		return fmt.Errorf("invalid control.mode: %w", err)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid control.request_timeout: %s", c.RequestTimeout)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("invalid control.reconnect_delay: %s", c.ReconnectDelay)
	}
	if c.DialTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("invalid control dial/write timeout: %s/%s", c.DialTimeout, c.WriteTimeout)
	}
	if c.PingInterval <= 0 || c.PongTimeout <= c.PingInterval {
		return fmt.Errorf("invalid control ping/pong: %s/%s", c.PingInterval, c.PongTimeout)
	}
	if c.Target != "" {
		if _, err := ParseTarget(c.Target, c.DefaultPort); err != nil {
			return fmt.Errorf("invalid control.target: %w", err)
		}
	}

	s := cfg.Stream
	if _, err := status.ParseQuality(s.Quality); err != nil {
		return fmt.Errorf("invalid stream.quality: %w", err)
	}
	if s.MaxReconnectAttempts < 0 {
		return fmt.Errorf("invalid stream.max_reconnect_attempts: %d", s.MaxReconnectAttempts)
	}
	if s.ReconnectDelay <= 0 || s.SignalingTimeout <= 0 {
		return fmt.Errorf("invalid stream reconnect/signaling timeout: %s/%s", s.ReconnectDelay, s.SignalingTimeout)
	}
	if !strings.HasPrefix(s.SignalingPrefix, "/") {
		return fmt.Errorf("invalid stream.signaling_prefix: %q", s.SignalingPrefix)
	}

	if cfg.Telemetry.Interval <= 0 {
		return fmt.Errorf("invalid telemetry.interval: %s", cfg.Telemetry.Interval)
	}

	if (cfg.Logging.Output == "file" || cfg.Logging.Output == "both") && cfg.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required when output=file/both")
	}
	return nil
}

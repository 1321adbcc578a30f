package config

import "time"

type Config struct {
	Control   ControlConfig   `yaml:"control"`
	Stream    StreamConfig    `yaml:"stream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ControlConfig struct {
	Target         string        `yaml:"target"`
	DefaultPort    int           `yaml:"default_port"`
	Path           string        `yaml:"path"`
	Mode           string        `yaml:"mode"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	PeerInfoAction string        `yaml:"peer_info_action"`
}

type StreamConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Quality              string        `yaml:"quality"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	SignalingTimeout     time.Duration `yaml:"signaling_timeout"`
	SignalingPrefix      string        `yaml:"signaling_prefix"`
	ICEServers           []string      `yaml:"ice_servers"`
	RecordPath           string        `yaml:"record_path"`
}

type TelemetryConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level    string   `yaml:"level"`
	Format   string   `yaml:"format"`
	Output   string   `yaml:"output"`
	FilePath string   `yaml:"file_path"`
	MaxSize  ByteSize `yaml:"max_size"`
	MaxAge   int      `yaml:"max_age"`
	Compress bool     `yaml:"compress"`
}

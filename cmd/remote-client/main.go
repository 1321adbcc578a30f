package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"remote-x/client"
	"remote-x/config"
	"remote-x/control"
	rxlog "remote-x/log"
	"remote-x/status"
)

const Version = "0.3"

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		target     string
		mode       string
		quality    string
		startVideo bool
		showVer    bool
	)
	fs := pflag.NewFlagSet("remote-client", pflag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	fs.StringVar(&configPath, "config", "", "配置文件路径（YAML）。如果是目录，则读取该目录下的 config.yaml；为空时使用内置默认值")
	fs.StringVarP(&target, "target", "t", "", "目标主机（host 或 host:port），覆盖 control.target")
	fs.StringVar(&mode, "mode", "", "控制通道模式：same_origin / cross_origin，覆盖 control.mode")
	fs.StringVarP(&quality, "quality", "q", "", "画质：low / medium / high / ultra，覆盖 stream.quality")
	fs.BoolVar(&startVideo, "stream", false, "连接后立即开始画面流")
	fs.BoolVar(&showVer, "version", false, "输出版本并退出")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stdout, "remote-client %s\n\n", Version)
		_, _ = fmt.Fprintln(os.Stdout, "用法：")
		_, _ = fmt.Fprintln(os.Stdout, "  remote-client [--config <path>] [--target <host[:port]>] [--stream] [--quality <q>]")
		_, _ = fmt.Fprintln(os.Stdout, "\n参数：")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVer {
		_, _ = fmt.Fprintln(os.Stdout, Version)
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if target != "" {
		cfg.Control.Target = target
	}
	if mode != "" {
		cfg.Control.Mode = mode
	}
	if quality != "" {
		cfg.Stream.Quality = quality
	}
	if startVideo {
		cfg.Stream.Enabled = true
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := rxlog.Init(cfg.Logging); err != nil {
		return err
	}
	if cfg.Control.Target == "" {
		return fmt.Errorf("no target: use --target or control.target")
	}

	ctx, cancel := signalContext()
	defer cancel()

	c := client.New(cfg)
	c.Start()
	defer c.Close()

	go printUpdates(ctx, c)

	if err := c.Connect(ctx, cfg.Control.Target); err != nil {
		rxlog.With(map[string]any{"target": cfg.Control.Target, "status": "connect_error"}).WithError(err).Error("连接目标主机失败")
		return err
	}
	rxlog.With(map[string]any{"target": cfg.Control.Target, "mode": cfg.Control.Mode, "status": "connect_ok"}).Info("已连接目标主机")
	if cfg.Stream.Enabled {
		q, _ := status.ParseQuality(cfg.Stream.Quality)
		if err := c.StartStream(ctx, q); err != nil {
			rxlog.With(map[string]any{"quality": q, "status": "stream_error"}).WithError(err).Warn("开始画面流失败")
		}
	}

	lines := make(chan string)
	go readLines(lines)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := dispatch(ctx, c, line); quit {
				return nil
			}
		}
	}
}

// dispatch 执行一行控制台输入。
// 格式：
// - "<action> [json]": 发送控制动作（高频动作不等应答）
// - "!stream start|stop"、"!quality <q>"、"!stats"、"!status"、"!quit"
// 返回：
// - bool: 是否退出
func dispatch(ctx context.Context, c *client.Client, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	head, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	if strings.HasPrefix(head, "!") {
		switch head {
		case "!quit", "!exit":
			return true
		case "!stream":
			switch rest {
			case "start":
				q, _ := status.ParseQuality(c.StreamSnapshot().Quality.String())
				if q == "" {
					q = status.QualityMedium
				}
				report(c.StartStream(ctx, q))
			case "stop":
				c.StopStream(ctx)
			default:
				_, _ = fmt.Fprintln(os.Stdout, "用法：!stream start|stop")
			}
		case "!quality":
			q, err := status.ParseQuality(rest)
			if err != nil {
				report(err)
				return false
			}
			report(c.ChangeQuality(ctx, q))
		case "!stats":
			printJSON(c.Stats())
		case "!status":
			printJSON(map[string]any{"control": c.ControlSnapshot(), "stream": c.StreamSnapshot()})
		default:
			_, _ = fmt.Fprintf(os.Stdout, "未知命令：%s\n", head)
		}
		return false
	}

	action := control.Action(head)
	var payload any
	if rest != "" {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(rest), &raw); err != nil {
			report(fmt.Errorf("payload is not json: %w", err))
			return false
		}
		payload = raw
	}
	if action.HighFrequency() {
		report(c.Send(action, payload))
		return false
	}
	data, err := c.Call(ctx, action, payload)
	if err != nil {
		report(err)
		return false
	}
	_, _ = fmt.Fprintln(os.Stdout, string(data))
	return false
}

func printUpdates(ctx context.Context, c *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-c.Updates():
			switch {
			case u.Control != nil:
				_, _ = fmt.Fprintf(os.Stdout, "[control] %s %s %s\n", u.Control.At.Format(time.TimeOnly), u.Control.Status, u.Control.LastError)
			case u.Stream != nil:
				_, _ = fmt.Fprintf(os.Stdout, "[stream] %s %s quality=%s attempts=%d %s\n",
					u.Stream.At.Format(time.TimeOnly), u.Stream.Status, u.Stream.Quality, u.Stream.Attempts, u.Stream.LastError)
			}
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func report(err error) {
	if err != nil {
		_, _ = fmt.Fprintln(os.Stdout, "error:", err)
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(os.Stdout, string(b))
}

func loadConfig(p string) (config.Config, error) {
	if p == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(resolveConfigPath(p))
}

func resolveConfigPath(p string) string {
	st, err := os.Stat(p)
	if err != nil {
		return p
	}
	if st.IsDir() {
		return filepath.Join(p, "config.yaml")
	}
	return p
}

// signalContext 创建一个可被 SIGINT/SIGTERM 取消的 Context。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

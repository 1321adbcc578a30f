package stream

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/sirupsen/logrus"

	rxerrors "remote-x/errors"
	rxlog "remote-x/log"
)

// Sink 消费当前会话的视频轨道。同一时刻最多挂接一个轨道；
// Detach 须在传输关闭之后调用（轨道读取随传输关闭而结束）。
type Sink interface {
	Attach(id string, t Track) error
	Detach()
}

// WriterFunc 为一次挂接打开写出端；返回 nil 表示读空丢弃。
type WriterFunc func(id, mimeType string) (media.Writer, error)

// TrackSink 持续读取轨道并交给写出端。
type TrackSink struct {
	open WriterFunc
	log  *logrus.Entry

	mu   sync.Mutex
	id   string
	done chan struct{}
}

// NewDiscardSink 返回只读空轨道的 Sink（保证 RTP 缓冲不堆积、统计持续更新）。
func NewDiscardSink() *TrackSink {
	return &TrackSink{
		open: func(string, string) (media.Writer, error) { return nil, nil },
		log:  rxlog.Component("sink"),
	}
}

// NewFileSink 返回把视频写入 dir 的 Sink：VP8 写 IVF，H.264 写 Annex-B。
// 每个会话代号一个文件，文件名为会话 trace。
func NewFileSink(dir string) *TrackSink {
	return &TrackSink{
		open: func(id, mimeType string) (media.Writer, error) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			switch {
			case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
				w, err := ivfwriter.New(filepath.Join(dir, id+".ivf"))
				if err != nil {
					return nil, err
				}
				return w, nil
			case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
				w, err := h264writer.New(filepath.Join(dir, id+".h264"))
				if err != nil {
					return nil, err
				}
				return w, nil
			default:
				return nil, rxerrors.New(rxerrors.CodeBadRequest, "unsupported codec for recording: "+mimeType)
			}
		},
		log: rxlog.Component("sink"),
	}
}

// Attach 开始消费 t；已有挂接时先等待其结束。
// 写出端打开失败时仍读空轨道，并返回错误供调用方记录。
func (s *TrackSink) Attach(id string, t Track) error {
	s.Detach()

	w, err := s.open(id, t.MimeType())
	done := make(chan struct{})

	s.mu.Lock()
	s.id = id
	s.done = done
	s.mu.Unlock()

	go s.pump(id, t, w, done)
	return err
}

// Detach 等待当前挂接的读取结束并关闭写出端（幂等）。
func (s *TrackSink) Detach() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.id = ""
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Attached 返回当前挂接的会话 trace（未挂接为空）。
func (s *TrackSink) Attached() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *TrackSink) pump(id string, t Track, w media.Writer, done chan struct{}) {
	defer close(done)
	var packets int
	for {
		pkt, err := t.ReadRTP()
		if err != nil {
			break
		}
		packets++
		if w != nil {
			if err := w.WriteRTP(pkt); err != nil {
				s.log.WithFields(logrus.Fields{"trace": id, "status": "write_error"}).WithError(err).Warn("视频写出失败，改为丢弃")
				_ = w.Close()
				w = nil
			}
		}
	}
	if w != nil {
		_ = w.Close()
	}
	s.log.WithFields(logrus.Fields{"trace": id, "track": t.ID(), "packets": packets}).Debug("视频轨道结束")
}

package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestCodeAndWrap 验证 Wrap/Code/errors.Is 的基础行为。
func TestCodeAndWrap(t *testing.T) {
	base := errors.New("x")
	e := Wrap(CodeTransport, "dial failed", base)
	if Code(e) != CodeTransport {
		t.Fatalf("code=%d", Code(e))
	}
	if !errors.Is(e, base) {
		t.Fatalf("unwrap failed")
	}
	if !errors.Is(e, ErrTransport) {
		t.Fatalf("sentinel match failed")
	}
	if errors.Is(e, ErrTimeout) {
		t.Fatalf("unexpected timeout match")
	}
}

// TestCodeFallback 验证非 CodeError 的默认错误码回退。
func TestCodeFallback(t *testing.T) {
	base := errors.New("x")
	if Code(base) != CodeInternal {
		t.Fatalf("expected default code")
	}
	if Code(nil) != 0 {
		t.Fatalf("expected code 0 for nil")
	}
	if IsCode(nil, CodeInternal) {
		t.Fatalf("nil must not match any code")
	}
}

// TestSentinelThroughFmtWrap 验证经 fmt.Errorf 包装后哨兵判断仍成立。
func TestSentinelThroughFmtWrap(t *testing.T) {
	e := fmt.Errorf("volume_get: %w", New(CodeTimeout, "request timed out"))
	if !errors.Is(e, ErrTimeout) {
		t.Fatalf("expected timeout")
	}
	if !IsCode(e, CodeTimeout) {
		t.Fatalf("code=%d", Code(e))
	}
}

// TestText 验证状态栏文本不带错误码前缀。
func TestText(t *testing.T) {
	if got := Text(New(CodeProtocol, "Unknown action: nope")); got != "Unknown action: nope" {
		t.Fatalf("text=%q", got)
	}
	if got := Text(Wrap(CodeTransport, "dial failed", errors.New("refused"))); got != "dial failed: refused" {
		t.Fatalf("text=%q", got)
	}
	if Text(nil) != "" {
		t.Fatalf("expected empty text")
	}
}

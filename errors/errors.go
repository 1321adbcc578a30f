package errors

import (
	"errors"
	"fmt"
)

type CodeError struct {
	Code    int
	Message string
	Err     error
}

// Error 返回带错误码的可读文本（用于日志与状态栏错误描述）。
func (e *CodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%d %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s: %v", e.Code, e.Message, e.Err)
}

// Unwrap 返回底层错误，便于 errors.Is/errors.As 继续判断。
func (e *CodeError) Unwrap() error { return e.Err }

// Is 按错误码匹配，使 errors.Is(err, ErrTimeout) 这类哨兵判断成立。
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	if !ok || t == nil || e == nil {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Code == e.Code
}

// New 构造一个仅包含错误码与消息的 CodeError。
// 参数：
// - code: 错误码
// - msg: 错误描述
func New(code int, msg string) *CodeError { return &CodeError{Code: code, Message: msg} }

// Wrap 将底层错误包装为带错误码的 CodeError。
// 参数：
// - code: 错误码
// - msg: 错误描述
// - err: 底层错误（可为 nil）
func Wrap(code int, msg string, err error) *CodeError {
	if err == nil {
		return &CodeError{Code: code, Message: msg}
	}
	return &CodeError{Code: code, Message: msg, Err: err}
}

// Code 提取错误码。
// 返回：
// - 0: err 为 nil
// - CodeError: 返回其中的 Code
// - 其它错误: 默认返回 CodeInternal
func Code(err error) int {
	if err == nil {
		return 0
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsCode 判断 err 链上是否带有指定错误码。
func IsCode(err error, code int) bool {
	return err != nil && Code(err) == code
}

// Text 返回面向状态栏的错误文本：CodeError 只取 message（含底层原因），其它错误原样输出。
func Text(err error) string {
	if err == nil {
		return ""
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		if ce.Err != nil {
			return ce.Message + ": " + ce.Err.Error()
		}
		return ce.Message
	}
	return err.Error()
}

const (
	CodeInternal     = 500
	CodeBadRequest   = 502
	CodeTransport    = 510
	CodeNotConnected = 511
	CodeProtocol     = 520
	CodeTimeout      = 530
	CodeNegotiation  = 540
)

// 哨兵错误：仅携带错误码，配合 errors.Is 使用。
var (
	ErrTransport    = &CodeError{Code: CodeTransport}
	ErrNotConnected = &CodeError{Code: CodeNotConnected}
	ErrProtocol     = &CodeError{Code: CodeProtocol}
	ErrTimeout      = &CodeError{Code: CodeTimeout}
	ErrNegotiation  = &CodeError{Code: CodeNegotiation}
	ErrBadRequest   = &CodeError{Code: CodeBadRequest}
)

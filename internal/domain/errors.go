package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound 表示存储中不存在该条目（不会发起网络请求）。
	ErrNotFound = errors.New("条目不存在")

	// ErrNoTranslator 表示需要选择 translator 时没有任何可用项，无法解析流。
	ErrNoTranslator = errors.New("没有可用的 translator")

	// ErrInvalidInput 表示调用参数不合法（空查询、负数下标、链接缺少内部 id 等）。
	ErrInvalidInput = errors.New("参数无效")

	// ErrNotSeries 表示对电影调用了季/集操作。它同时满足 errors.Is(err, ErrNotFound)。
	ErrNotSeries = fmt.Errorf("%w：该条目不是剧集", ErrNotFound)
)

// UpstreamError 表示上游请求失败：非 2xx、传输错误、超时，或响应缺少预期字段。
// 属于“暂时不可用”，调用方可稍后重试。
type UpstreamError struct {
	Op     string // "search" / "movie" / "season" / "stream"
	URL    string
	Status int // 0 表示没有拿到 HTTP 响应
	Err    error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "upstream error"
	}
	var b strings.Builder
	b.WriteString("upstream ")
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, " HTTP %d", e.Status)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " url=%s", e.URL)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// DecodeError 表示请求成功但 payload 不符合预期的混淆格式（上游格式可能已变化）。
// 必须与 UpstreamError 区分上报，避免长期静默返回空结果。
type DecodeError struct {
	Stage string // "base64" / "utf8" / "entry"
	Err   error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "decode error"
	}
	if e.Err == nil {
		return "decode " + e.Stage + " 失败"
	}
	return fmt.Sprintf("decode %s 失败：%v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecode 判断 err 是否为 DecodeError。
func IsDecode(err error) bool {
	var e *DecodeError
	return errors.As(err, &e)
}

// IsUpstream 判断 err 是否为 UpstreamError。
func IsUpstream(err error) bool {
	var e *UpstreamError
	return errors.As(err, &e)
}

// IsUnavailable 判断 err 是否属于可恢复的“无结果”（NotFound/Upstream/NoTranslator）。
// DecodeError 不属于这一类。
func IsUnavailable(err error) bool {
	if err == nil || IsDecode(err) {
		return false
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoTranslator) || IsUpstream(err)
}

const (
	ErrCodeNotFound       = "not_found"
	ErrCodeNoTranslator   = "no_translator"
	ErrCodeUpstreamFailed = "upstream_failed"
	ErrCodeDecodeFailed   = "decode_failed"
	ErrCodeInvalidInput   = "invalid_input"
	ErrCodeInternal       = "internal"
)

// ErrorCode 把 error 映射为对外稳定的 error_code。
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsDecode(err):
		return ErrCodeDecodeFailed
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrNoTranslator):
		return ErrCodeNoTranslator
	case errors.Is(err, ErrInvalidInput):
		return ErrCodeInvalidInput
	case IsUpstream(err):
		return ErrCodeUpstreamFailed
	default:
		return ErrCodeInternal
	}
}

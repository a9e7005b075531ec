package site

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingURL 表示 get_cdn_series 响应里没有可用的 url 字段。
var ErrMissingURL = errors.New("响应缺少 url 字段")

// HTTPStatusError 表示站点返回了非 2xx 的 HTTP 状态码。
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Location   string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	loc := strings.TrimSpace(e.Location)
	if loc == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d location=%s", e.StatusCode, loc)
}

// BlockedError 表示请求被引导到了“验证/拦截”页面。
// 产品约束：不尝试绕过，直接视为上游失败，提示用户配置代理。
type BlockedError struct {
	URL    string
	Reason string // 例如 "challenge"
}

func (e *BlockedError) Error() string {
	if e == nil {
		return "blocked"
	}
	if strings.TrimSpace(e.Reason) == "" {
		return "blocked"
	}
	return "blocked: " + strings.TrimSpace(e.Reason)
}

// StreamError 表示 get_cdn_series 返回了 success=false。
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	if e == nil || strings.TrimSpace(e.Message) == "" {
		return "stream 请求被拒绝"
	}
	return "stream 请求被拒绝：" + e.Message
}

// Unwrap 让 StreamError 同时满足 errors.Is(err, ErrMissingURL)。
func (e *StreamError) Unwrap() error { return ErrMissingURL }

var challengeMarkers = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("challenge-platform"),
	[]byte("<title>Just a moment"),
}

// CheckResponse 按站点语义判断一次响应是否可用：
// 先识别拦截页，再检查状态码，最后拒绝空 body。
func CheckResponse(pageURL string, status int, location string, body []byte) error {
	for _, m := range challengeMarkers {
		if bytes.Contains(body, m) {
			return &BlockedError{URL: pageURL, Reason: "challenge"}
		}
	}
	if status < 200 || status >= 300 {
		return &HTTPStatusError{URL: pageURL, StatusCode: status, Location: location}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("empty response body")
	}
	return nil
}

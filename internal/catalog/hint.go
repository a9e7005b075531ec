package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/John-Robertt/rezkacat/internal/codec"
	"github.com/John-Robertt/rezkacat/internal/domain"
	"github.com/John-Robertt/rezkacat/internal/site"
)

// Hint 把 error 转成面向用户的一句话（带可操作建议）。用于 CLI/API 的 error_msg。
func Hint(err error) string {
	if err == nil {
		return ""
	}

	var de *domain.DecodeError
	if errors.As(err, &de) {
		return fmt.Sprintf("流地址解码失败（%s 阶段），上游混淆格式可能已变化；配置 cache.dir 可保留原始 payload 便于排查。", de.Stage)
	}
	if errors.Is(err, domain.ErrNotSeries) {
		return "该条目不是剧集，不能按季/集操作。"
	}
	if errors.Is(err, domain.ErrNotFound) {
		return "条目不存在；请先通过 search 发现该条目。"
	}
	if errors.Is(err, domain.ErrNoTranslator) {
		return "页面没有任何可用的 translator，无法解析流地址。"
	}
	if errors.Is(err, domain.ErrInvalidInput) {
		return err.Error()
	}

	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		return err.Error()
	}

	if errors.Is(err, codec.ErrLocked) {
		return "所有清晰度都被站点锁定（通常需要登录或订阅），当前没有可播放地址。"
	}

	var be *site.BlockedError
	if errors.As(err, &be) {
		return fmt.Sprintf("请求被站点拦截（%s）。当前不支持绕过；建议配置 proxy.url 或稍后重试。", be.Reason)
	}
	if errors.Is(err, site.ErrMissingURL) {
		var se *site.StreamError
		if errors.As(err, &se) && strings.TrimSpace(se.Message) != "" {
			return fmt.Sprintf("站点未返回流地址：%s", se.Message)
		}
		return "站点未返回流地址（响应缺少 url 字段），稍后重试。"
	}

	// HTTP 非 2xx：尽量给出可操作提示（反爬/限流是最常见问题）。
	var hs *site.HTTPStatusError
	if errors.As(err, &hs) {
		switch hs.StatusCode {
		case 403, 429:
			return fmt.Sprintf("站点返回 HTTP %d（可能触发反爬/限流）。建议降低 http.concurrency 或配置 proxy.url。", hs.StatusCode)
		case 404:
			return "站点返回 HTTP 404（页面可能已下架或链接已变化）。"
		default:
			if loc := strings.TrimSpace(hs.Location); loc != "" {
				return fmt.Sprintf("站点返回 HTTP %d（重定向）：%s", hs.StatusCode, loc)
			}
			return fmt.Sprintf("站点返回 HTTP %d。", hs.StatusCode)
		}
	}

	low := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(low, "timeout") {
		return "请求超时。建议检查网络/代理，或调大 http.timeout 后重试。"
	}
	if strings.Contains(low, "tls") || strings.Contains(low, "handshake") || strings.Contains(low, "ssl") {
		return "连接失败（TLS/SSL 握手异常或域名不可达）。可设置 base_url 指向可用镜像，或配置 proxy.url。"
	}
	return fmt.Sprintf("上游请求失败：%v", ue.Err)
}

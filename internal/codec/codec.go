// Package codec 解码站点 get_cdn_series 接口返回的混淆流地址。
//
// 约束：
// - 纯函数，无 I/O、无全局可变状态
// - 任何一步无法解码都返回 *domain.DecodeError，绝不返回“空结果 + nil”
package codec

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/rezkacat/internal/domain"
)

// ErrLocked 表示清单结构正常，但每个清晰度都被站点锁定（候选为空或 null）。
// 它不是 DecodeError：格式没有变化，只是当前没有可播放地址。
var ErrLocked = errors.New("所有清晰度均被锁定")

// Separator 是垃圾 token 前的固定分隔符。
const Separator = "//_//"

// escapedSeparator 是 JSON 未反转义时分隔符的形态。
const escapedSeparator = `\/\/_\/\/`

// 固定顺序：bk4 -> bk0。
var trashKeys = []string{
	"$$!!@$$@^!@#$$@",
	"@@@@@!##!^^^",
	"####^!!##!@@",
	"^^^!@##!!##",
	"$$#!!@#!@##",
}

// trashTokens 与 trashKeys 一一对应：Separator + TokenFor(key)。
var trashTokens = func() []string {
	out := make([]string, 0, len(trashKeys))
	for _, k := range trashKeys {
		tok, err := TokenFor(k)
		if err != nil {
			panic(fmt.Sprintf("codec: 无法编码 trash key %q: %v", k, err))
		}
		out = append(out, Separator+tok)
	}
	return out
}()

// TokenFor 计算 key 在 payload 中的编码形态：
// 百分号编码 -> 去掉 '%' -> 按 hex 解释为字节 -> 标准 base64。
func TokenFor(key string) (string, error) {
	hexDigits := strings.ReplaceAll(url.QueryEscape(key), "%", "")
	raw, err := hex.DecodeString(hexDigits)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// TrashTokens 返回按移除顺序排列的垃圾 token（含分隔符）。
func TrashTokens() []string {
	out := make([]string, len(trashTokens))
	copy(out, trashTokens)
	return out
}

// Clean 执行第一阶段：去掉 "#h" 前缀、还原转义分隔符、按 bk4..bk0 删除垃圾 token。
// 删除是子串替换（幂等），某个 token 不存在不影响其他 token。
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "#") && len(s) >= 2 {
		s = s[2:]
	}
	s = strings.ReplaceAll(s, escapedSeparator, Separator)
	for _, tok := range trashTokens {
		s = strings.ReplaceAll(s, tok, "")
	}
	return s
}

// Unwrap 执行第二阶段：base64 -> UTF-8 文本 -> 百分号解码（宽松，见 Unquote）。
func Unwrap(cleaned string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// 上游偶尔省略 padding。
		b2, err2 := base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
		if err2 != nil {
			return "", &domain.DecodeError{Stage: "base64", Err: err}
		}
		b = b2
	}
	if !utf8.Valid(b) {
		return "", &domain.DecodeError{Stage: "utf8", Err: errors.New("不是合法的 UTF-8")}
	}
	return Unquote(string(b)), nil
}

// Unquote 解码 %XX；不合法的转义（"%"、"%.m"、"%zz"）原样保留。
// 解码出的字节不是合法 UTF-8 时替换为 U+FFFD。
func Unquote(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b = append(b, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
			continue
		}
		b = append(b, s[i])
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// ParseQualities 解析 "[label]url or url,[label]url" 形式的清单。
//
// 约束：
// - 每个清晰度只取第一个 " or " 候选
// - 重复 label 后者覆盖前者；锁定条目（候选为空或 null）同样参与覆盖，结果中不保留该 label
// - 结构不合法返回 DecodeError；全部被锁定返回 ErrLocked
func ParseQualities(s string) (domain.StreamSet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &domain.DecodeError{Stage: "entry", Err: errors.New("清单为空")}
	}

	out := domain.StreamSet{}
	locked := 0
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		label, rest, ok := strings.Cut(entry, "]")
		if !ok || !strings.HasPrefix(label, "[") {
			return nil, &domain.DecodeError{Stage: "entry", Err: fmt.Errorf("条目格式不合法：%q", entry)}
		}
		label = strings.TrimSpace(label[1:])
		if label == "" {
			return nil, &domain.DecodeError{Stage: "entry", Err: fmt.Errorf("缺少清晰度标签：%q", entry)}
		}
		first, _, _ := strings.Cut(rest, " or ")
		first = strings.TrimSpace(first)
		if first == "" || first == "null" {
			delete(out, label)
			locked++
			continue
		}
		out[label] = first
	}
	if len(out) == 0 {
		if locked > 0 {
			return nil, ErrLocked
		}
		return nil, &domain.DecodeError{Stage: "entry", Err: errors.New("没有可用的清晰度")}
	}
	return out, nil
}

// Decode 把原始混淆 payload 解码为 quality -> URL 映射。
func Decode(raw string) (domain.StreamSet, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &domain.DecodeError{Stage: "base64", Err: errors.New("payload 为空")}
	}
	text, err := Unwrap(Clean(raw))
	if err != nil {
		return nil, err
	}
	return ParseQualities(text)
}

var embeddedRE = regexp.MustCompile(`(?s)"streams":\s*"(.*?)",`)

// FindEmbedded 从页面初始化脚本中提取内嵌的 streams payload（未解码）。
// 脚本里是 JSON 字符串，"\/" 还原为 "/"。
func FindEmbedded(page string) (string, bool) {
	m := embeddedRE.FindStringSubmatch(page)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return strings.ReplaceAll(m[1], `\/`, "/"), true
}

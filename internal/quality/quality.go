// Package quality 在一组清晰度里挑出“最好”的一个。
package quality

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/John-Robertt/rezkacat/internal/domain"
)

var leadingNumRE = regexp.MustCompile(`^\s*(\d+)\s*([pPkK]?)`)

// Rank 返回清晰度标签的数值等级；无法识别的标签返回 0。
// "720p" -> 720，"1080p Ultra" -> 1080，"4K" -> 2160。
func Rank(label string) int {
	m := leadingNumRE.FindStringSubmatch(label)
	if len(m) < 3 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	if strings.EqualFold(m[2], "k") {
		switch n {
		case 2:
			return 1440
		case 4:
			return 2160
		case 8:
			return 4320
		default:
			return n * 540
		}
	}
	return n
}

// Less 判断 a 是否比 b 差：先比等级，等级相同再比字典序（"1080p Ultra" 优于 "1080p"）。
func Less(a, b string) bool {
	ra, rb := Rank(a), Rank(b)
	if ra != rb {
		return ra < rb
	}
	return a < b
}

// Order 返回从好到差排序的标签。
func Order(set domain.StreamSet) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[j], out[i]) })
	return out
}

// Best 返回最好的清晰度及其 URL；set 为空时 ok=false。
func Best(set domain.StreamSet) (label, url string, ok bool) {
	for k, v := range set {
		if !ok || Less(label, k) {
			label, url, ok = k, v, true
		}
	}
	return label, url, ok
}

// Ranker 允许调用方替换默认排序策略（默认是 Best）。
type Ranker func(domain.StreamSet) (label, url string, ok bool)

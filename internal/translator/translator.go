// Package translator 负责 translator（配音/字幕轨道）的回退与选择。
//
// 约束：
// - 页面没有显式 translator 时，从初始化脚本中提取默认 id 并合成 {id, "default"}
// - 两者都没有时列表保持为空，选择返回 ErrNoTranslator（不 panic）
// - 偏好顺序由调用方注入；默认取站点顺序的第一个
package translator

import (
	"regexp"
	"strings"

	"github.com/John-Robertt/rezkacat/internal/domain"
)

// DefaultTitle 是合成 translator 的标题。
const DefaultTitle = "default"

var defaultIDRE = regexp.MustCompile(`initCDN(?:Series|Movies)Events\(\d+,\s*(\d+)`)

// DefaultID 从页面初始化脚本中提取内嵌的默认 translator id。
func DefaultID(page string) (string, bool) {
	m := defaultIDRE.FindStringSubmatch(page)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// Effective 返回实际使用的 translator 列表：显式列表优先，否则回退到内嵌默认 id（见 DefaultID）。
func Effective(explicit []domain.Translator, defaultID string) []domain.Translator {
	if len(explicit) > 0 {
		out := make([]domain.Translator, len(explicit))
		copy(out, explicit)
		return out
	}
	if id := strings.TrimSpace(defaultID); id != "" {
		return []domain.Translator{{ID: id, Title: DefaultTitle}}
	}
	return nil
}

// Rank 从列表中选一个；列表为空必须返回 ok=false。
type Rank func(list []domain.Translator) (domain.Translator, bool)

// First 按站点顺序取第一个。
func First(list []domain.Translator) (domain.Translator, bool) {
	if len(list) == 0 {
		return domain.Translator{}, false
	}
	return list[0], true
}

// PriorityRank 按 priority 顺序匹配 translator 的 id 或标题（标题大小写不敏感、子串匹配）。
// 都不匹配时退回 First。
func PriorityRank(priority []string) Rank {
	prefs := make([]string, 0, len(priority))
	for _, p := range priority {
		if p = strings.TrimSpace(p); p != "" {
			prefs = append(prefs, p)
		}
	}
	return func(list []domain.Translator) (domain.Translator, bool) {
		for _, p := range prefs {
			lp := strings.ToLower(p)
			for _, tr := range list {
				if tr.ID == p {
					return tr, true
				}
			}
			for _, tr := range list {
				if strings.Contains(strings.ToLower(tr.Title), lp) {
					return tr, true
				}
			}
		}
		return First(list)
	}
}

// Selector 持有注入的排序策略。
type Selector struct {
	Rank Rank
}

// Select 从 movie 的 translator 列表中选一个；为空返回 domain.ErrNoTranslator。
func (s Selector) Select(m domain.Movie) (domain.Translator, error) {
	rank := s.Rank
	if rank == nil {
		rank = First
	}
	tr, ok := rank(m.Translators)
	if !ok || tr.ID == "" {
		return domain.Translator{}, domain.ErrNoTranslator
	}
	return tr, nil
}

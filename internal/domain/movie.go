package domain

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Movie 是目录中的一个条目（电影或剧集），按 ID 持久化。
//
// 不变量（实现必须遵守）：
// - ID 由 Link 唯一决定（MovieID），重复搜索命中不会产生新条目
// - IsSeries=false 时只使用 Source；IsSeries=true 时只使用 Seasons
// - Seasons 中的 season/episode 条目一旦创建就不会被删除，只允许 nil -> 已解析
type Movie struct {
	ID       string `json:"id"`
	Link     string `json:"link"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	Poster   string `json:"poster"`
	IsSeries bool   `json:"is_series"`

	Translators []Translator `json:"translators"`

	// Source 只在电影上使用；nil 表示尚未解析。
	Source StreamSet `json:"source,omitempty"`
	// Seasons 只在剧集上使用（0-based 下标）。
	// omitempty 保证持久化文档里非叶子层级不会出现 null（局部更新依赖这一点）。
	Seasons Seasons `json:"seasons,omitempty"`
}

// Translator 是站点提供的一个配音/字幕轨道。
type Translator struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// StreamSet 是 quality label -> 选中 URL 的映射（每个清晰度只保留第一个候选）。
type StreamSet map[string]string

// Resolved 判断该叶子是否已经解析出可播放地址。
func (s StreamSet) Resolved() bool { return s != nil }

// Episodes 是 episode 下标 -> 流的稀疏映射；值为 nil 表示“已知存在但未解析”。
type Episodes map[int]StreamSet

// Seasons 是 season 下标 -> Episodes 的稀疏映射；键存在即表示“该季已知”。
type Seasons map[int]Episodes

// Leaf 返回 (season, episode) 叶子。
// known=false 表示该叶子尚未被发现（季或集不存在）。
func (s Seasons) Leaf(season, episode int) (set StreamSet, known bool) {
	eps, ok := s[season]
	if !ok {
		return nil, false
	}
	set, known = eps[episode]
	return set, known
}

// Summary 返回只包含搜索卡片字段的副本（不含 translators/streams）。
func (m Movie) Summary() Movie {
	return Movie{
		ID:       m.ID,
		Link:     m.Link,
		Title:    m.Title,
		Subtitle: m.Subtitle,
		Poster:   m.Poster,
		IsSeries: m.IsSeries,
	}
}

// SearchResult 是一次搜索的结果（只包含摘要，不是持久化数据的合并视图）。
type SearchResult struct {
	Query  string  `json:"query"`
	Movies []Movie `json:"movies"`
}

// MovieID 从规范链接计算确定性 ID（UUIDv5，URL 命名空间）。
// 同一链接永远得到同一 ID；这是存储主键，也是搜索去重的依据。
func MovieID(link string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.TrimSpace(link))).String()
}

// InternalID 从链接末段解析站点内部数字 ID。
// 例如 https://host/films/drama/12345-some-title-2020.html -> 12345。
func InternalID(link string) (int, bool) {
	link = strings.TrimSpace(link)
	if i := strings.IndexAny(link, "?#"); i >= 0 {
		link = link[:i]
	}
	link = strings.TrimRight(link, "/")
	seg := link
	if i := strings.LastIndex(link, "/"); i >= 0 {
		seg = link[i+1:]
	}
	if i := strings.Index(seg, "-"); i >= 0 {
		seg = seg[:i]
	}
	n, err := strconv.Atoi(seg)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

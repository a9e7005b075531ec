// Package site 把“站点变化”限制在适配器内部；catalog 只依赖统一接口与稳定的字段结构。
//
// 约束：
// - Parse* 必须是纯函数：相同输入 => 相同输出
// - 适配器不做网络请求、不做缓存、不做重试（这些由 catalog 与 httpx 统一实现）
package site

import (
	"net/url"
	"time"

	"github.com/John-Robertt/rezkacat/internal/domain"
)

// Card 是搜索结果中的一张卡片。
type Card struct {
	Link     string
	Title    string
	Subtitle string
	Poster   string
}

// MovieFields 是详情页中 catalog 关心的字段。
type MovieFields struct {
	Title    string
	Subtitle string
	Poster   string

	// IsSeries 由季标签页是否存在决定。
	IsSeries    bool
	SeasonCount int

	// Translators 是页面显式列出的 translator（站点顺序）。
	Translators []domain.Translator
	// DefaultTranslatorID 是初始化脚本里内嵌的默认 translator id；可能为空。
	DefaultTranslatorID string
}

// SeasonFields 是季页面（剧集列表）中 catalog 关心的字段。
type SeasonFields struct {
	EpisodeCount int
}

// Extractor 把原始页面解析为结构化字段。
type Extractor interface {
	ParseSearch(html []byte, pageURL string) ([]Card, error)
	ParseMovie(html []byte, pageURL string) (MovieFields, error)
	ParseSeason(html []byte, pageURL string) (SeasonFields, error)
	// ParseStream 从 get_cdn_series 的响应体中取出混淆 payload（url 字段）。
	ParseStream(body []byte) (string, error)
}

// Endpoints 是站点固定的请求地址与表单（契约常量）。
type Endpoints interface {
	SearchURL(query string) string
	SeasonURL(link, translatorID string, season int) string
	StreamURL(now time.Time) string
	EpisodeForm(internalID int, translatorID string, season, episode int) url.Values
	FilmForm(internalID int, translatorID string) url.Values
}

// Site 是一个站点适配器。
type Site interface {
	Name() string
	Endpoints
	Extractor
}

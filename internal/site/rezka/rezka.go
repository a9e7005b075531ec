package rezka

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/rezkacat/internal/domain"
	"github.com/John-Robertt/rezkacat/internal/site"
	"github.com/John-Robertt/rezkacat/internal/translator"
)

// DefaultBaseURL 是未配置 base_url 时使用的站点地址。
const DefaultBaseURL = "https://rezka.ag"

// Site 实现 HDRezka 的请求地址与 HTML 解析。
//
// 约束：
// - Parse* 不做缓存/重试/限速（由上层统一控制）
// - Parse* 必须是纯函数（依赖输入 html + pageURL）
type Site struct {
	Base string
}

var _ site.Site = Site{}

func New(base string) Site {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return Site{Base: base}
}

func (Site) Name() string { return "rezka" }

func (s Site) base() string {
	if s.Base == "" {
		return DefaultBaseURL
	}
	return s.Base
}

// SearchURL：<base>/search/?do=search&subaction=search&q=<query>
func (s Site) SearchURL(query string) string {
	return s.base() + "/search/?do=search&subaction=search&q=" + url.QueryEscape(query)
}

// SeasonURL 返回季页面地址。
// season 0 或没有 translator 时直接用详情页链接；否则用 #t:<tid>-s:<season+1>-e:1 锚点。
func (Site) SeasonURL(link, translatorID string, season int) string {
	if season == 0 || translatorID == "" {
		return link
	}
	return link + "#t:" + translatorID + "-s:" + strconv.Itoa(season+1) + "-e:1"
}

// StreamURL：<base>/ajax/get_cdn_series/?t=<unix ms>
func (s Site) StreamURL(now time.Time) string {
	return s.base() + "/ajax/get_cdn_series/?t=" + strconv.FormatInt(now.UnixMilli(), 10)
}

// EpisodeForm 构造 get_stream 表单；season/episode 在线路上是 1-based。
func (Site) EpisodeForm(internalID int, translatorID string, season, episode int) url.Values {
	return url.Values{
		"id":            {strconv.Itoa(internalID)},
		"translator_id": {translatorID},
		"season":        {strconv.Itoa(season + 1)},
		"episode":       {strconv.Itoa(episode + 1)},
		"action":        {"get_stream"},
	}
}

// FilmForm 构造 get_movie 表单。
func (Site) FilmForm(internalID int, translatorID string) url.Values {
	return url.Values{
		"id":            {strconv.Itoa(internalID)},
		"translator_id": {translatorID},
		"is_camrip":     {"0"},
		"is_ads":        {"0"},
		"is_director":   {"0"},
		"action":        {"get_movie"},
	}
}

// ParseSearch 解析搜索结果页的卡片（div.b-content__inline_item）。
func (Site) ParseSearch(html []byte, pageURL string) ([]site.Card, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}

	cards := make([]site.Card, 0, 16)
	seen := make(map[string]struct{}, 16)
	doc.Find("div.b-content__inline_item").Each(func(_ int, s *goquery.Selection) {
		link, _ := s.Attr("data-url")
		if link == "" {
			link, _ = s.Find("div.b-content__inline_item-link a").First().Attr("href")
		}
		link = resolveURL(pageURL, link)
		if link == "" {
			return
		}
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}

		poster, _ := s.Find("img").First().Attr("src")
		title := s.Find("div.b-content__inline_item-link")
		cards = append(cards, site.Card{
			Link:     link,
			Title:    normSpace(title.Find("a").First().Text()),
			Subtitle: normSpace(title.Find("div").First().Text()),
			Poster:   resolveURL(pageURL, poster),
		})
	})
	return cards, nil
}

// ParseMovie 解析详情页：标题、海报、translator 列表、季标签页。
func (Site) ParseMovie(html []byte, pageURL string) (site.MovieFields, error) {
	if len(html) == 0 {
		return site.MovieFields{}, errors.New("html 为空")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return site.MovieFields{}, err
	}

	// 先确认是详情页：没有播放器也没有标题时，多半是拦截页或跳转页。
	title := normSpace(doc.Find("div.b-post__title h1").First().Text())
	if title == "" && doc.Find("#cdnplayer, #translators-list, #simple-seasons-tabs").Length() == 0 {
		return site.MovieFields{}, errors.New("未找到标题与播放器（疑似返回了非详情页内容）")
	}

	f := site.MovieFields{
		Title:    title,
		Subtitle: normSpace(doc.Find("div.b-post__origtitle").First().Text()),
	}
	if src, ok := doc.Find("div.b-sidecover img").First().Attr("src"); ok {
		f.Poster = resolveURL(pageURL, src)
	}

	doc.Find("#translators-list li[data-translator_id]").Each(func(_ int, s *goquery.Selection) {
		id, _ := s.Attr("data-translator_id")
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		name := normSpace(s.Text())
		if name == "" {
			name, _ = s.Attr("title")
			name = normSpace(name)
		}
		f.Translators = append(f.Translators, domain.Translator{ID: id, Title: name})
	})

	tabs := doc.Find("#simple-seasons-tabs")
	f.IsSeries = tabs.Length() > 0
	if f.IsSeries {
		f.SeasonCount = tabs.Find("li").Length()
	}

	if id, ok := translator.DefaultID(string(html)); ok {
		f.DefaultTranslatorID = id
	}
	return f, nil
}

// ParseSeason 统计剧集列表（#simple-episodes-list-1 li）的条目数。
func (Site) ParseSeason(html []byte, _ string) (site.SeasonFields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return site.SeasonFields{}, err
	}
	return site.SeasonFields{
		EpisodeCount: doc.Find("#simple-episodes-list-1 li").Length(),
	}, nil
}

type streamResponse struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	URL     json.RawMessage `json:"url"`
}

// ParseStream 取出 get_cdn_series 响应的 url 字段（仍是混淆 payload）。
// 站点失败时 url 可能缺失或为 false。
func (Site) ParseStream(body []byte) (string, error) {
	var r streamResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", err
	}
	if r.Success != nil && !*r.Success {
		return "", &site.StreamError{Message: strings.TrimSpace(r.Message)}
	}
	if len(r.URL) == 0 {
		return "", site.ErrMissingURL
	}
	var u string
	if err := json.Unmarshal(r.URL, &u); err != nil || strings.TrimSpace(u) == "" {
		return "", site.ErrMissingURL
	}
	return u, nil
}

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	ru, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(ru).String()
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

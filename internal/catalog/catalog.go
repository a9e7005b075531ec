// Package catalog 维护 Movie/Season/Episode 实体图：按需抓取、解析、解码并以字段级 Patch 合并进存储。
//
// 约束：
// - 任何上游失败（非 2xx、传输错误、超时、响应缺字段）都不写存储
// - 已解析的叶子永不回退；骨架只用 SetIfAbsent 写入
// - 每次失败都记录 op/movie_id/season/episode
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/John-Robertt/rezkacat/internal/domain"
	"github.com/John-Robertt/rezkacat/internal/infra/cache"
	"github.com/John-Robertt/rezkacat/internal/infra/httpx"
	"github.com/John-Robertt/rezkacat/internal/metrics"
	"github.com/John-Robertt/rezkacat/internal/quality"
	"github.com/John-Robertt/rezkacat/internal/site"
	"github.com/John-Robertt/rezkacat/internal/store"
	"github.com/John-Robertt/rezkacat/internal/translator"
)

// 操作名（日志 op 属性与 metrics 标签）。
const (
	OpSearch   = "search"
	OpMovie    = "movie"
	OpSeason   = "season"
	OpEpisode  = "episode"
	OpFilm     = "film"
	OpLookup   = "lookup"
	OpPrefetch = "prefetch"
)

// Options 是 Catalog 的依赖。Site/Store/HTTP 必填，其余可为空。
type Options struct {
	Site  site.Site
	Store store.Store
	HTTP  *httpx.Client

	Selector translator.Selector
	Ranker   quality.Ranker
	Cache    cache.Store
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Workers 是 Prefetch 的并发度；<1 时为 1。
	Workers int
	// Now 用于生成 stream 请求的时间戳参数；为空时用 time.Now。
	Now func() time.Time
}

// Catalog 是显式构造的服务对象（没有全局状态），可以同时存在多个实例。
type Catalog struct {
	site     site.Site
	store    store.Store
	http     *httpx.Client
	selector translator.Selector
	ranker   quality.Ranker
	cache    cache.Store
	log      *slog.Logger
	metrics  *metrics.Metrics
	workers  int
	now      func() time.Time
}

func New(opts Options) (*Catalog, error) {
	if opts.Site == nil {
		return nil, errors.New("catalog: site 不能为空")
	}
	if opts.Store == nil {
		return nil, errors.New("catalog: store 不能为空")
	}
	if opts.HTTP == nil {
		return nil, errors.New("catalog: http client 不能为空")
	}
	c := &Catalog{
		site:     opts.Site,
		store:    opts.Store,
		http:     opts.HTTP,
		selector: opts.Selector,
		ranker:   opts.Ranker,
		cache:    opts.Cache,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		workers:  opts.Workers,
		now:      opts.Now,
	}
	if c.ranker == nil {
		c.ranker = quality.Best
	}
	if c.log == nil {
		c.log = slog.New(slog.DiscardHandler)
	}
	if c.workers < 1 {
		c.workers = 1
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Best 按注入的 Ranker 从流映射中选出最佳清晰度。
func (c *Catalog) Best(set domain.StreamSet) (label, url string, ok bool) {
	return c.ranker(set)
}

// Stored 只读取存储中的条目（不发起网络请求）。
func (c *Catalog) Stored(ctx context.Context, id string) (*domain.Movie, error) {
	m, err := c.store.FindOne(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Search 抓取搜索页，按 ID 创建不存在的条目，返回本次的摘要列表。
// 已存在的条目保持原样：搜索命中不会把已抓取详情的条目降级成摘要。
func (c *Catalog) Search(ctx context.Context, query string) (res domain.SearchResult, err error) {
	query = strings.TrimSpace(query)
	defer func() { c.finish(OpSearch, err, "query", query) }()

	if query == "" {
		return domain.SearchResult{}, fmt.Errorf("%w：query 不能为空", domain.ErrInvalidInput)
	}

	pageURL := c.site.SearchURL(query)
	body, err := c.get(ctx, "search", pageURL, "")
	if err != nil {
		return domain.SearchResult{}, err
	}
	cards, err := c.site.ParseSearch(body, pageURL)
	if err != nil {
		return domain.SearchResult{}, &domain.UpstreamError{Op: "search", URL: pageURL, Err: err}
	}

	res = domain.SearchResult{Query: query, Movies: make([]domain.Movie, 0, len(cards))}
	created := 0
	for _, card := range cards {
		m := domain.Movie{
			ID:       domain.MovieID(card.Link),
			Link:     card.Link,
			Title:    card.Title,
			Subtitle: card.Subtitle,
			Poster:   card.Poster,
			// 摘要阶段只能从链接猜测；详情抓取时以季标签页为准。
			IsSeries: strings.Contains(card.Link, "series"),
		}
		ok, err := c.store.InsertOne(ctx, m)
		if err != nil {
			return domain.SearchResult{}, fmt.Errorf("保存搜索结果失败（id=%s）：%w", m.ID, err)
		}
		if ok {
			created++
		}
		res.Movies = append(res.Movies, m.Summary())
	}
	c.log.Debug("搜索完成", "op", OpSearch, "query", query, "results", len(res.Movies), "created", created)
	return res, nil
}

// GetMovie 抓取已存储条目的详情页并合并：
// - 剧集：写入 translators/is_series 与季骨架（已存在的季不动）；之前按电影写入的 source 清空
// - 电影：立即解析 source；解析失败时整次不写入
// - 已有季数据的条目不会被改成电影（季条目不可删除），此时返回 UpstreamError 且不写入
func (c *Catalog) GetMovie(ctx context.Context, id string) (out *domain.Movie, err error) {
	id = strings.TrimSpace(id)
	defer func() { c.finish(OpMovie, err, "movie_id", id) }()

	m, err := c.store.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, "movie", m.Link, "")
	if err != nil {
		return nil, err
	}
	f, err := c.site.ParseMovie(body, m.Link)
	if err != nil {
		c.dumpPage(m.ID, OpMovie, body)
		return nil, &domain.UpstreamError{Op: "movie", URL: m.Link, Err: err}
	}

	if !f.IsSeries && len(m.Seasons) > 0 {
		c.dumpPage(m.ID, OpMovie, body)
		return nil, &domain.UpstreamError{Op: "movie", URL: m.Link, Err: errors.New("详情页显示为电影，但条目已有季数据，拒绝覆盖")}
	}

	m.IsSeries = f.IsSeries
	m.Translators = translator.Effective(f.Translators, f.DefaultTranslatorID)
	if m.Translators == nil {
		m.Translators = []domain.Translator{}
	}

	patches := []store.Patch{
		store.Set("is_series", m.IsSeries),
		store.Set("translators", m.Translators),
	}
	if f.Title != "" {
		patches = append(patches, store.Set("title", f.Title))
	}
	if f.Subtitle != "" {
		patches = append(patches, store.Set("subtitle", f.Subtitle))
	}
	if f.Poster != "" {
		patches = append(patches, store.Set("poster", f.Poster))
	}

	if m.IsSeries {
		if m.Source != nil {
			patches = append(patches, store.Set("source", nil))
		}
		for s := 0; s < f.SeasonCount; s++ {
			patches = append(patches, store.SetIfAbsent(store.SeasonPath(s), map[string]any{}))
		}
	} else {
		set, err := c.resolveFilm(ctx, m, body)
		if err != nil {
			return nil, err
		}
		patches = append(patches, store.Set("source", set))
	}

	if err := c.store.UpdateOne(ctx, m.ID, patches...); err != nil {
		return nil, err
	}
	if !m.IsSeries {
		c.metrics.Resolved()
	}
	return c.Stored(ctx, m.ID)
}

// GetSeason 抓取某一季的剧集列表，只为该季写入 null 叶子骨架。
func (c *Catalog) GetSeason(ctx context.Context, id string, season int) (out *domain.Movie, err error) {
	id = strings.TrimSpace(id)
	defer func() { c.finish(OpSeason, err, "movie_id", id, "season", season) }()

	if season < 0 {
		return nil, fmt.Errorf("%w：season=%d", domain.ErrInvalidInput, season)
	}
	m, err := c.store.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.IsSeries {
		return nil, domain.ErrNotSeries
	}

	// 没有 translator 时退回详情页链接（SeasonURL 对空 id 的约定）。
	tid := ""
	if tr, err := c.selector.Select(m); err == nil {
		tid = tr.ID
	}
	pageURL := c.site.SeasonURL(m.Link, tid, season)
	body, err := c.get(ctx, "season", pageURL, m.Link)
	if err != nil {
		return nil, err
	}
	f, err := c.site.ParseSeason(body, pageURL)
	if err != nil {
		c.dumpPage(m.ID, OpSeason, body)
		return nil, &domain.UpstreamError{Op: "season", URL: pageURL, Err: err}
	}

	patches := make([]store.Patch, 0, f.EpisodeCount+1)
	patches = append(patches, store.SetIfAbsent(store.SeasonPath(season), map[string]any{}))
	for e := 0; e < f.EpisodeCount; e++ {
		patches = append(patches, store.SetIfAbsent(store.LeafPath(season, e), nil))
	}
	if err := c.store.UpdateOne(ctx, m.ID, patches...); err != nil {
		return nil, err
	}
	return c.Stored(ctx, m.ID)
}

// get 发送 GET 并按站点语义检查响应。referer 为空时不带。
func (c *Catalog) get(ctx context.Context, op, pageURL, referer string) ([]byte, error) {
	h := http.Header{}
	if referer != "" {
		h.Set("Referer", referer)
	}
	return c.do(ctx, httpx.Request{Op: op, Method: http.MethodGet, URL: pageURL, Header: h})
}

// do 把传输错误、超时、非 2xx、拦截页统一包装为 UpstreamError。
func (c *Catalog) do(ctx context.Context, req httpx.Request) ([]byte, error) {
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, &domain.UpstreamError{Op: req.Op, URL: req.URL, Status: resp.Status, Err: err}
	}
	if err := site.CheckResponse(req.URL, resp.Status, resp.Header.Get("Location"), resp.Body); err != nil {
		return nil, &domain.UpstreamError{Op: req.Op, URL: req.URL, Status: resp.Status, Err: err}
	}
	return resp.Body, nil
}

// finish 统一记录操作结果：metrics + 失败日志（附带 Hint）。
func (c *Catalog) finish(op string, err error, attrs ...any) {
	c.metrics.Operation(op, err)
	if err == nil {
		return
	}
	args := append([]any{"op", op}, attrs...)
	args = append(args, "error_code", domain.ErrorCode(err), "err", err, "hint", Hint(err))
	switch {
	case domain.IsDecode(err):
		c.log.Error("解码失败（上游格式可能已变化）", args...)
	case domain.IsUnavailable(err):
		c.log.Warn("操作未完成", args...)
	default:
		c.log.Error("操作失败", args...)
	}
}

func (c *Catalog) dumpPage(movieID, op string, body []byte) {
	if !c.cache.Enabled() {
		return
	}
	if err := c.cache.WritePage(movieID, op, body); err != nil {
		c.log.Warn("写入页面转储失败", "op", op, "movie_id", movieID, "err", err)
	}
}

func (c *Catalog) dumpPayload(movieID, op string, raw string) {
	if !c.cache.Enabled() {
		return
	}
	if err := c.cache.WritePayload(movieID, op, []byte(raw)); err != nil {
		c.log.Warn("写入 payload 转储失败", "op", op, "movie_id", movieID, "err", err)
	}
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/John-Robertt/rezkacat/internal/codec"
	"github.com/John-Robertt/rezkacat/internal/domain"
	"github.com/John-Robertt/rezkacat/internal/infra/httpx"
	"github.com/John-Robertt/rezkacat/internal/quality"
	"github.com/John-Robertt/rezkacat/internal/store"
)

// ResolveEpisode 解析 (season, episode) 的流映射，只写入这一个叶子。
// 叶子未被季骨架发现时也允许解析（父级自动创建）。
func (c *Catalog) ResolveEpisode(ctx context.Context, id string, season, episode int) (out *domain.Movie, err error) {
	id = strings.TrimSpace(id)
	defer func() { c.finish(OpEpisode, err, "movie_id", id, "season", season, "episode", episode) }()

	if season < 0 || episode < 0 {
		return nil, fmt.Errorf("%w：season=%d episode=%d", domain.ErrInvalidInput, season, episode)
	}
	m, err := c.store.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.IsSeries {
		return nil, domain.ErrNotSeries
	}
	internalID, ok := domain.InternalID(m.Link)
	if !ok {
		return nil, fmt.Errorf("%w：链接缺少内部 id：%s", domain.ErrInvalidInput, m.Link)
	}
	tr, err := c.selector.Select(m)
	if err != nil {
		return nil, err
	}

	form := c.site.EpisodeForm(internalID, tr.ID, season, episode)
	set, err := c.stream(ctx, m, fmt.Sprintf("episode_s%d_e%d", season, episode), form)
	if err != nil {
		return nil, err
	}
	if err := c.store.UpdateOne(ctx, m.ID, store.Set(store.LeafPath(season, episode), set)); err != nil {
		return nil, err
	}
	c.metrics.Resolved()
	c.logResolved(OpEpisode, m.ID, set, "season", season, "episode", episode, "translator_id", tr.ID)
	return c.Stored(ctx, m.ID)
}

// ResolveFilm 解析电影的 source 并写入；失败时 source 保持原样。
func (c *Catalog) ResolveFilm(ctx context.Context, movie domain.Movie) (out *domain.Movie, err error) {
	defer func() { c.finish(OpFilm, err, "movie_id", movie.ID) }()

	if movie.IsSeries {
		return nil, fmt.Errorf("%w：该条目是剧集，请按集解析", domain.ErrInvalidInput)
	}
	set, err := c.resolveFilm(ctx, movie, nil)
	if err != nil {
		return nil, err
	}
	if err := c.store.UpdateOne(ctx, movie.ID, store.Set("source", set)); err != nil {
		return nil, err
	}
	c.metrics.Resolved()
	return c.Stored(ctx, movie.ID)
}

// resolveFilm 只做请求与解码，不写存储（GetMovie 需要把它与详情字段合并成一次写入）。
// page 是已抓取的详情页（可为 nil）：接口失败或没有 translator 时，退回页面内嵌的 streams。
func (c *Catalog) resolveFilm(ctx context.Context, m domain.Movie, page []byte) (domain.StreamSet, error) {
	set, err := c.resolveFilmStream(ctx, m)
	if err == nil || page == nil || !(domain.IsUpstream(err) || errors.Is(err, domain.ErrNoTranslator)) {
		return set, err
	}
	raw, ok := codec.FindEmbedded(string(page))
	if !ok {
		return nil, err
	}
	embedded, derr := codec.Decode(raw)
	if derr != nil {
		c.log.Debug("内嵌 streams 不可用", "op", OpFilm, "movie_id", m.ID, "err", derr)
		return nil, err
	}
	c.logResolved(OpFilm, m.ID, embedded, "from", "embedded", "cause", err)
	return embedded, nil
}

func (c *Catalog) resolveFilmStream(ctx context.Context, m domain.Movie) (domain.StreamSet, error) {
	internalID, ok := domain.InternalID(m.Link)
	if !ok {
		return nil, fmt.Errorf("%w：链接缺少内部 id：%s", domain.ErrInvalidInput, m.Link)
	}
	tr, err := c.selector.Select(m)
	if err != nil {
		return nil, err
	}
	set, err := c.stream(ctx, m, OpFilm, c.site.FilmForm(internalID, tr.ID))
	if err != nil {
		return nil, err
	}
	c.logResolved(OpFilm, m.ID, set, "translator_id", tr.ID)
	return set, nil
}

// stream 调用 get_cdn_series 并解码。
// 响应缺 url => UpstreamError；payload 形状不符 => DecodeError（并转储原始 payload）。
func (c *Catalog) stream(ctx context.Context, m domain.Movie, dumpOp string, form url.Values) (domain.StreamSet, error) {
	h := http.Header{}
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Referer", m.Link)
	h.Set("Accept", "application/json, text/javascript, */*; q=0.01")

	req := httpx.Request{
		Op:     "stream",
		Method: http.MethodPost,
		URL:    c.site.StreamURL(c.now()),
		Header: h,
		Form:   form,
	}
	body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	raw, err := c.site.ParseStream(body)
	if err != nil {
		return nil, &domain.UpstreamError{Op: "stream", URL: req.URL, Status: http.StatusOK, Err: err}
	}
	set, err := codec.Decode(raw)
	if errors.Is(err, codec.ErrLocked) {
		// 格式正常但没有可播放地址：与缺 url 同类，不转储。
		return nil, &domain.UpstreamError{Op: "stream", URL: req.URL, Status: http.StatusOK, Err: err}
	}
	if err != nil {
		c.dumpPayload(m.ID, dumpOp, raw)
		return nil, err
	}
	return set, nil
}

func (c *Catalog) logResolved(op, movieID string, set domain.StreamSet, attrs ...any) {
	label, _, _ := c.ranker(set)
	args := append([]any{"op", op, "movie_id", movieID, "qualities", quality.Order(set), "best", label}, attrs...)
	c.log.Debug("流解析完成", args...)
}

package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/rezkacat/internal/codec"
	"github.com/John-Robertt/rezkacat/internal/domain"
	"github.com/John-Robertt/rezkacat/internal/infra/httpx"
	"github.com/John-Robertt/rezkacat/internal/site"
	"github.com/John-Robertt/rezkacat/internal/translator"
)

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("缺少依赖时期望错误")
	}
}

func TestSearch_UpsertsSummaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.cat.Search(ctx, "во все тяжкие")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if res.Query != "во все тяжкие" || len(res.Movies) != 2 {
		t.Fatalf("搜索结果不符：%+v", res)
	}
	s := res.Movies[0]
	if s.Link != f.up.link(seriesPath) || s.ID != domain.MovieID(s.Link) || !s.IsSeries {
		t.Fatalf("剧集摘要不符：%+v", s)
	}
	if s.Poster != f.up.link("/i/646.jpg") || s.Subtitle != "2008 - 2013, США, Триллеры" {
		t.Fatalf("摘要字段不符：%+v", s)
	}
	if res.Movies[1].IsSeries {
		t.Fatalf("电影链接不应被标记为剧集：%+v", res.Movies[1])
	}

	all, err := f.store.List(ctx)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(all) != 2 {
		t.Fatalf("期望存储 2 条，实际 %d", len(all))
	}
}

func TestSearch_RepeatedDoesNotDuplicateOrDowngrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.cat.Search(ctx, "q")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	id := res.Movies[0].ID
	if _, err := f.cat.GetMovie(ctx, id); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, err := f.cat.ResolveEpisode(ctx, id, 0, 0); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	res2, err := f.cat.Search(ctx, "q")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(res2.Movies[0].Translators) != 0 || res2.Movies[0].Seasons != nil {
		t.Fatalf("搜索结果只应包含摘要：%+v", res2.Movies[0])
	}

	all, _ := f.store.List(ctx)
	if len(all) != 2 {
		t.Fatalf("重复搜索不应产生重复条目，实际 %d", len(all))
	}
	got, err := f.cat.Stored(ctx, id)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got.Title != "Во все тяжкие" || len(got.Translators) != 2 {
		t.Fatalf("详情字段被回退：%+v", got)
	}
	if set, known := got.Seasons.Leaf(0, 0); !known || !set.Resolved() {
		t.Fatalf("已解析叶子被回退：known=%v set=%v", known, set)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.cat.Search(context.Background(), "  ")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("期望 ErrInvalidInput，实际 %v", err)
	}
	if f.up.count("/search/") != 0 {
		t.Fatalf("空查询不应发起请求")
	}
}

func TestGetMovie_NotFoundWithoutNetwork(t *testing.T) {
	f := newFixture(t)
	_, err := f.cat.GetMovie(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际 %v", err)
	}
	if !domain.IsUnavailable(err) {
		t.Fatalf("NotFound 应属于可恢复的无结果")
	}
	if f.up.count(seriesPath) != 0 || f.up.count("stream") != 0 {
		t.Fatalf("NotFound 不应发起网络请求")
	}
}

func TestGetMovie_SeriesSkeleton(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, seriesPath)

	got, err := f.cat.GetMovie(ctx, m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !got.IsSeries || got.Title != "Во все тяжкие" || got.Subtitle != "Breaking Bad" {
		t.Fatalf("详情字段不符：%+v", got)
	}
	if len(got.Translators) != 2 || got.Translators[0] != (domain.Translator{ID: "56", Title: "Дубляж"}) {
		t.Fatalf("translator 列表不符：%+v", got.Translators)
	}
	if len(got.Seasons) != 2 {
		t.Fatalf("期望 2 季骨架，实际 %v", got.Seasons)
	}
	for s := 0; s < 2; s++ {
		if eps, ok := got.Seasons[s]; !ok || len(eps) != 0 {
			t.Fatalf("season %d 应存在且为空：ok=%v eps=%v", s, ok, eps)
		}
	}
	if got.Source != nil {
		t.Fatalf("剧集不应写入 source")
	}
	if f.up.count("stream") != 0 {
		t.Fatalf("剧集详情不应触发流解析")
	}
}

func TestGetMovie_RefetchKeepsEpisodeSkeleton(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, seriesPath)

	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, err := f.cat.GetSeason(ctx, m.ID, 1); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	got, err := f.cat.GetMovie(ctx, m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got.Seasons[1]) != 3 {
		t.Fatalf("再次抓取详情不应清空季骨架：%v", got.Seasons)
	}
}

func TestGetMovie_DefaultTranslatorFallback(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, defaultPath)

	got, err := f.cat.GetMovie(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	want := domain.Translator{ID: "238", Title: "default"}
	if len(got.Translators) != 1 || got.Translators[0] != want {
		t.Fatalf("期望 [%v]，实际 %v", want, got.Translators)
	}
}

func TestGetMovie_FilmResolvesSource(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, filmPath)

	got, err := f.cat.GetMovie(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got.IsSeries || got.Seasons != nil {
		t.Fatalf("电影不应有季：%+v", got)
	}
	if got.Source["720p"] != "http://cdn/film/720.mp4" || len(got.Source) != 3 {
		t.Fatalf("source 不符（720p 应取第一个候选）：%v", got.Source)
	}
	form := f.up.lastForm()
	want := url.Values{
		"id":            {"12345"},
		"translator_id": {"110"},
		"is_camrip":     {"0"},
		"is_ads":        {"0"},
		"is_director":   {"0"},
		"action":        {"get_movie"},
	}
	for k := range want {
		if form.Get(k) != want.Get(k) {
			t.Fatalf("表单字段 %s 不符：期望 %q，实际 %q", k, want.Get(k), form.Get(k))
		}
	}
	if label, u, ok := f.cat.Best(got.Source); !ok || label != "1080p" || u != "http://cdn/film/1080.mp4" {
		t.Fatalf("最佳清晰度不符：%s %s %v", label, u, ok)
	}
}

func TestGetMovie_FilmResolutionFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, filmPath)
	f.up.setStream(func(url.Values) (int, string) { return http.StatusServiceUnavailable, "busy" })

	_, err := f.cat.GetMovie(ctx, m.ID)
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusServiceUnavailable {
		t.Fatalf("期望 UpstreamError 503，实际 %v", err)
	}

	got, err := f.cat.Stored(ctx, m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got.Title != "seed" || got.Translators != nil || got.Source != nil {
		t.Fatalf("失败时不应写入任何字段：%+v", got)
	}
}

func TestGetMovie_ChallengePageIsUpstream(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, seriesPath)
	f.up.setPage(seriesPath, `<html><head><title>Just a moment...</title></head><body>challenge-platform</body></html>`)

	_, err := f.cat.GetMovie(context.Background(), m.ID)
	var be *site.BlockedError
	if !errors.As(err, &be) || !domain.IsUpstream(err) {
		t.Fatalf("期望 Upstream(Blocked)，实际 %v", err)
	}
}

func TestGetSeason_WritesOnlyThatSeason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, seriesPath)
	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	got, err := f.cat.GetSeason(ctx, m.ID, 1)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got.Seasons[1]) != 3 {
		t.Fatalf("season 1 应有 3 个叶子：%v", got.Seasons[1])
	}
	for e := 0; e < 3; e++ {
		if set, known := got.Seasons.Leaf(1, e); !known || set != nil {
			t.Fatalf("(1,%d) 应为已知未解析：known=%v set=%v", e, known, set)
		}
	}
	if len(got.Seasons[0]) != 0 {
		t.Fatalf("season 0 不应被修改：%v", got.Seasons[0])
	}
}

func TestGetSeason_KeepsResolvedLeaves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, seriesPath)
	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, err := f.cat.ResolveEpisode(ctx, m.ID, 0, 1); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	got, err := f.cat.GetSeason(ctx, m.ID, 0)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if set, _ := got.Seasons.Leaf(0, 1); !set.Resolved() {
		t.Fatalf("季骨架不应覆盖已解析叶子：%v", got.Seasons[0])
	}
}

func TestGetSeason_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	film := f.seed(t, filmPath)

	if _, err := f.cat.GetSeason(ctx, film.ID, 0); !errors.Is(err, domain.ErrNotSeries) {
		t.Fatalf("电影按季操作期望 ErrNotSeries，实际 %v", err)
	}
	if _, err := f.cat.GetSeason(ctx, film.ID, -1); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("负数 season 期望 ErrInvalidInput，实际 %v", err)
	}
	if _, err := f.cat.GetSeason(ctx, "missing", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际 %v", err)
	}
}

func TestGetSeason_UpstreamFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, barePath)
	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	f.up.setPage(barePath, "")

	_, err := f.cat.GetSeason(ctx, m.ID, 0)
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusNotFound {
		t.Fatalf("期望 UpstreamError 404，实际 %v", err)
	}
	got, _ := f.cat.Stored(ctx, m.ID)
	if len(got.Seasons[0]) != 0 {
		t.Fatalf("失败时不应写入叶子：%v", got.Seasons)
	}
}

func TestResolveEpisode_KeepsSiblingLeaf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, seriesPath)
	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if _, err := f.cat.ResolveEpisode(ctx, m.ID, 0, 0); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	got, err := f.cat.ResolveEpisode(ctx, m.ID, 0, 2)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if set, _ := got.Seasons.Leaf(0, 0); set["720p"] != "http://cdn/s1e1/720.mp4" {
		t.Fatalf("(0,0) 被破坏：%v", got.Seasons[0])
	}
	if set, _ := got.Seasons.Leaf(0, 2); set["1080p"] != "http://cdn/s1e3/1080.mp4" {
		t.Fatalf("(0,2) 未写入：%v", got.Seasons[0])
	}

	form := f.up.lastForm()
	if form.Get("id") != "646" || form.Get("translator_id") != "56" || form.Get("season") != "1" || form.Get("episode") != "3" || form.Get("action") != "get_stream" {
		t.Fatalf("episode 表单不符：%v", form)
	}
	f.up.mu.Lock()
	h := f.up.header[len(f.up.header)-1]
	f.up.mu.Unlock()
	if h.Get("X-Requested-With") != "XMLHttpRequest" || h.Get("Referer") != m.Link {
		t.Fatalf("ajax 请求头不符：%v", h)
	}
}

func TestResolveEpisode_PriorityRank(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Selector = translator.Selector{Rank: translator.PriorityRank([]string{"lostfilm"})}
	})
	ctx := context.Background()
	m := f.seed(t, seriesPath)
	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, err := f.cat.ResolveEpisode(ctx, m.ID, 0, 0); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := f.up.lastForm().Get("translator_id"); got != "111" {
		t.Fatalf("期望按偏好选择 111，实际 %q", got)
	}
}

func TestResolveEpisode_NoTranslator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, barePath)
	got, err := f.cat.GetMovie(ctx, m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got.Translators) != 0 {
		t.Fatalf("期望空 translator 列表，实际 %v", got.Translators)
	}

	_, err = f.cat.ResolveEpisode(ctx, m.ID, 0, 0)
	if !errors.Is(err, domain.ErrNoTranslator) {
		t.Fatalf("期望 ErrNoTranslator，实际 %v", err)
	}
	if f.up.count("stream") != 0 {
		t.Fatalf("没有 translator 时不应请求流地址")
	}

	// 没有 translator 时季页面使用详情页链接，仍然可以铺骨架。
	got, err = f.cat.GetSeason(ctx, m.ID, 0)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got.Seasons[0]) != 1 {
		t.Fatalf("期望 1 集骨架，实际 %v", got.Seasons[0])
	}
}

func TestResolveEpisode_DecodeErrorIsDistinct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, seriesPath)
	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, err := f.cat.GetSeason(ctx, m.ID, 0); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	f.up.setStream(func(url.Values) (int, string) {
		return http.StatusOK, `{"success":true,"url":"#h!!not base64!!"}`
	})

	_, err := f.cat.ResolveEpisode(ctx, m.ID, 0, 1)
	if !domain.IsDecode(err) {
		t.Fatalf("期望 DecodeError，实际 %v", err)
	}
	if domain.IsUnavailable(err) || domain.IsUpstream(err) {
		t.Fatalf("DecodeError 必须与上游失败区分：%v", err)
	}

	got, _ := f.cat.Stored(ctx, m.ID)
	if set, known := got.Seasons.Leaf(0, 1); !known || set != nil {
		t.Fatalf("解码失败不应写入叶子：known=%v set=%v", known, set)
	}

	path, err := f.cache.PayloadPath(m.ID, "episode_s0_e1")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("期望转储原始 payload：%v", err)
	}
	if string(b) != "#h!!not base64!!" {
		t.Fatalf("转储内容不符：%q", b)
	}
}

func TestResolveEpisode_MissingURLIsUpstream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, seriesPath)
	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	f.up.setStream(func(url.Values) (int, string) {
		return http.StatusOK, `{"success":false,"message":"Время сессии истекло"}`
	})

	_, err := f.cat.ResolveEpisode(ctx, m.ID, 0, 0)
	if !domain.IsUpstream(err) || !errors.Is(err, site.ErrMissingURL) {
		t.Fatalf("期望 UpstreamError(ErrMissingURL)，实际 %v", err)
	}
	got, _ := f.cat.Stored(ctx, m.ID)
	if _, known := got.Seasons.Leaf(0, 0); known {
		t.Fatalf("失败时不应创建叶子：%v", got.Seasons)
	}
}

func TestResolveEpisode_TimeoutIsUpstream(t *testing.T) {
	f := newFixture(t)
	f.cat.http = httpx.NewWithHTTPClient(f.up.srv.Client(), httpx.Options{Concurrency: 1, Timeout: 50 * time.Millisecond})
	ctx := context.Background()
	m := f.seed(t, seriesPath)
	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	f.up.setStream(func(url.Values) (int, string) {
		time.Sleep(300 * time.Millisecond)
		return http.StatusOK, `{}`
	})

	_, err := f.cat.ResolveEpisode(ctx, m.ID, 0, 0)
	if !domain.IsUpstream(err) || !httpx.IsTimeout(err) {
		t.Fatalf("期望超时的 UpstreamError，实际 %v", err)
	}
}

func TestResolveEpisode_FilmIsNotSeries(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, filmPath)
	if _, err := f.cat.ResolveEpisode(context.Background(), m.ID, 0, 0); !errors.Is(err, domain.ErrNotSeries) {
		t.Fatalf("期望 ErrNotSeries，实际 %v", err)
	}
}

func TestResolveEpisode_ConcurrentLeaves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, seriesPath)
	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for e := 0; e < n; e++ {
		wg.Add(1)
		go func(e int) {
			defer wg.Done()
			_, err := f.cat.ResolveEpisode(ctx, m.ID, 1, e)
			errs <- err
		}(e)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
	}

	got, _ := f.cat.Stored(ctx, m.ID)
	if len(got.Seasons[1]) != n {
		t.Fatalf("并发解析丢失叶子：期望 %d，实际 %d", n, len(got.Seasons[1]))
	}
	if len(got.Seasons[0]) != 0 {
		t.Fatalf("其他季不应被修改：%v", got.Seasons[0])
	}
}

func TestResolveFilm_MissingURLLeavesSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, filmPath)
	first, err := f.cat.GetMovie(ctx, m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	f.up.setStream(func(url.Values) (int, string) {
		return http.StatusOK, `{"success":true,"message":""}`
	})
	out, err := f.cat.ResolveFilm(ctx, *first)
	if out != nil || !domain.IsUpstream(err) || !errors.Is(err, site.ErrMissingURL) {
		t.Fatalf("期望 none + UpstreamError(ErrMissingURL)，实际 out=%v err=%v", out, err)
	}

	got, _ := f.cat.Stored(ctx, m.ID)
	if len(got.Source) != len(first.Source) || got.Source["720p"] != first.Source["720p"] {
		t.Fatalf("source 不应变化：之前 %v，之后 %v", first.Source, got.Source)
	}
}

func TestResolveFilm_RejectsSeries(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, seriesPath)
	if _, err := f.cat.ResolveFilm(context.Background(), m); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("期望 ErrInvalidInput，实际 %v", err)
	}
}

func TestResolveFilm_IdempotentRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, filmPath)
	f.up.setStream(func(url.Values) (int, string) { return http.StatusBadGateway, "" })
	if _, err := f.cat.GetMovie(ctx, m.ID); !domain.IsUnavailable(err) {
		t.Fatalf("期望可恢复的失败，实际 %v", err)
	}

	f.up.setStream(nil)
	got, err := f.cat.GetMovie(ctx, m.ID)
	if err != nil {
		t.Fatalf("重试应成功：%v", err)
	}
	again, err := f.cat.ResolveFilm(ctx, *got)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(again.Source) != 3 {
		t.Fatalf("重复解析结果不符：%v", again.Source)
	}
	all, _ := f.store.List(ctx)
	if len(all) != 1 {
		t.Fatalf("重试不应产生副作用：%d", len(all))
	}
}

func TestGetMovie_FilmTurnedSeriesClearsSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, filmPath)
	if got, err := f.cat.GetMovie(ctx, m.ID); err != nil || got.Source == nil {
		t.Fatalf("期望电影解析出 source：%v %+v", err, got)
	}

	f.up.setPage(filmPath, seriesHTML)
	got, err := f.cat.GetMovie(ctx, m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !got.IsSeries || len(got.Seasons) != 2 {
		t.Fatalf("期望变为剧集并带 2 季骨架：%+v", got)
	}
	if got.Source != nil {
		t.Fatalf("剧集不应同时保留 source：%v", got.Source)
	}
}

func TestGetMovie_SeriesWithSeasonsIsNotTurnedIntoFilm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, seriesPath)
	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	streams := f.up.count("stream")

	f.up.setPage(seriesPath, filmHTML)
	_, err := f.cat.GetMovie(ctx, m.ID)
	if !domain.IsUpstream(err) {
		t.Fatalf("期望 UpstreamError，实际 %v", err)
	}
	if f.up.count("stream") != streams {
		t.Fatalf("拒绝覆盖时不应请求流地址")
	}
	got, _ := f.cat.Stored(ctx, m.ID)
	if !got.IsSeries || len(got.Seasons) != 2 || got.Source != nil {
		t.Fatalf("条目应保持原样：%+v", got)
	}
}

func TestGetMovie_FilmFallsBackToEmbeddedStreams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, filmPath)

	// 页面脚本中的 JSON 字符串会把 "/" 转义成 "\/"。
	payload := strings.ReplaceAll(encodePayload("[480p]http://embed/480.mp4,[1080p]http://embed/1080.mp4"), "/", `\/`)
	page := strings.Replace(filmHTML, "{});", `{"id":"cdnplayer","streams":"`+payload+`","default_quality":"480p"});`, 1)
	f.up.setPage(filmPath, page)
	f.up.setStream(func(url.Values) (int, string) { return http.StatusServiceUnavailable, "busy" })

	got, err := f.cat.GetMovie(ctx, m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got.Source["1080p"] != "http://embed/1080.mp4" || len(got.Source) != 2 {
		t.Fatalf("期望使用内嵌 streams，实际 %v", got.Source)
	}

	// 显式重新解析不带页面，接口失败即失败且 source 不变。
	if _, err := f.cat.ResolveFilm(ctx, *got); !domain.IsUpstream(err) {
		t.Fatalf("期望 UpstreamError，实际 %v", err)
	}
	again, _ := f.cat.Stored(ctx, m.ID)
	if again.Source["1080p"] != "http://embed/1080.mp4" {
		t.Fatalf("失败时 source 不应变化：%v", again.Source)
	}
}

func TestResolveEpisode_AllLockedIsUpstreamNotDecode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seed(t, seriesPath)
	if _, err := f.cat.GetMovie(ctx, m.ID); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	f.up.setStream(func(url.Values) (int, string) {
		return http.StatusOK, streamOK("[1080p Ultra]null,[720p]null")
	})

	_, err := f.cat.ResolveEpisode(ctx, m.ID, 0, 0)
	if !errors.Is(err, codec.ErrLocked) || !domain.IsUpstream(err) || domain.IsDecode(err) {
		t.Fatalf("期望 UpstreamError(ErrLocked)，实际 %v", err)
	}
	if !strings.Contains(Hint(err), "锁定") {
		t.Fatalf("提示应说明清晰度被锁定：%q", Hint(err))
	}
	path, _ := f.cache.PayloadPath(m.ID, "episode_s0_e0")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("锁定不是格式变化，不应转储 payload：%v", err)
	}
	got, _ := f.cat.Stored(ctx, m.ID)
	if _, known := got.Seasons.Leaf(0, 0); known {
		t.Fatalf("失败时不应创建叶子：%v", got.Seasons)
	}
}

package catalog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/rezkacat/internal/codec"
	"github.com/John-Robertt/rezkacat/internal/domain"
	"github.com/John-Robertt/rezkacat/internal/infra/cache"
	"github.com/John-Robertt/rezkacat/internal/infra/httpx"
	"github.com/John-Robertt/rezkacat/internal/logx"
	"github.com/John-Robertt/rezkacat/internal/site/rezka"
	"github.com/John-Robertt/rezkacat/internal/store"
	"github.com/John-Robertt/rezkacat/internal/translator"
)

const (
	seriesPath  = "/series/thriller/646-vo-vse-tyazhkie-2008.html"
	filmPath    = "/films/drama/12345-breaking-film-2019.html"
	defaultPath = "/series/comedy/777-mini-2020.html"
	barePath    = "/series/comedy/888-no-voice-2021.html"
)

// upstream 是 HDRezka 的最小假实现：搜索页、详情页（季页面与详情页同一路径）、get_cdn_series。
type upstream struct {
	srv *httptest.Server

	mu     sync.Mutex
	pages  map[string]string
	hits   map[string]int
	forms  []url.Values
	header []http.Header

	// stream 根据表单返回 (status, body)；为空时返回 defaultQualities 的编码结果。
	stream func(form url.Values) (int, string)
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{
		pages: make(map[string]string),
		hits:  make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/search/", func(w http.ResponseWriter, r *http.Request) {
		u.hit("/search/")
		fmt.Fprint(w, searchHTML)
	})
	mux.HandleFunc("/ajax/get_cdn_series/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "form", http.StatusBadRequest)
			return
		}
		u.mu.Lock()
		u.hits["stream"]++
		u.forms = append(u.forms, r.PostForm)
		u.header = append(u.header, r.Header.Clone())
		fn := u.stream
		u.mu.Unlock()

		status, body := http.StatusOK, streamOK(defaultQualities(r.PostForm))
		if fn != nil {
			status, body = fn(r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		u.hit(r.URL.Path)
		u.mu.Lock()
		page, ok := u.pages[r.URL.Path]
		u.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, page)
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)

	u.pages[seriesPath] = seriesHTML
	u.pages[filmPath] = filmHTML
	u.pages[defaultPath] = defaultOnlyHTML
	u.pages[barePath] = bareHTML
	return u
}

func (u *upstream) hit(path string) {
	u.mu.Lock()
	u.hits[path]++
	u.mu.Unlock()
}

func (u *upstream) count(key string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[key]
}

// setPage 替换某个路径的页面；html 为空表示删除（返回 404）。
func (u *upstream) setPage(path, html string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if html == "" {
		delete(u.pages, path)
		return
	}
	u.pages[path] = html
}

func (u *upstream) setStream(fn func(form url.Values) (int, string)) {
	u.mu.Lock()
	u.stream = fn
	u.mu.Unlock()
}

func (u *upstream) lastForm() url.Values {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.forms) == 0 {
		return nil
	}
	return u.forms[len(u.forms)-1]
}

func (u *upstream) link(path string) string { return u.srv.URL + path }

type fixture struct {
	up    *upstream
	cat   *Catalog
	store *store.Memory
	cache cache.Store
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	up := newUpstream(t)
	st := store.NewMemory()
	cs := cache.New(t.TempDir(), false)
	opts := Options{
		Site:     rezka.New(up.srv.URL),
		Store:    st,
		HTTP:     httpx.NewWithHTTPClient(up.srv.Client(), httpx.Options{Concurrency: 4, Timeout: 2 * time.Second}),
		Selector: translator.Selector{Rank: translator.First},
		Cache:    cs,
		Logger:   logx.Discard(),
		Workers:  3,
		Now:      func() time.Time { return time.UnixMilli(1700000000000) },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	return &fixture{up: up, cat: c, store: st, cache: cs}
}

// seed 直接写入一个摘要条目（等价于 search 命中）。
func (f *fixture) seed(t *testing.T, path string) domain.Movie {
	t.Helper()
	link := f.up.link(path)
	m := domain.Movie{
		ID:       domain.MovieID(link),
		Link:     link,
		Title:    "seed",
		IsSeries: strings.Contains(link, "series"),
	}
	if _, err := f.store.InsertOne(t.Context(), m); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	return m
}

// encodePayload 是 codec.Decode 的逆过程：base64 后插入全部垃圾 token（已含分隔符），再加 #h 前缀。
func encodePayload(text string) string {
	b64 := base64.StdEncoding.EncodeToString([]byte(text))
	var sb strings.Builder
	sb.WriteString("#h")
	for i, tok := range codec.TrashTokens() {
		cut := (i + 1) * len(b64) / 7
		if i == 0 {
			sb.WriteString(b64[:cut])
		}
		sb.WriteString(tok)
		next := (i + 2) * len(b64) / 7
		if i == len(codec.TrashTokens())-1 {
			next = len(b64)
		}
		sb.WriteString(b64[cut:next])
	}
	return sb.String()
}

// defaultQualities 让每个叶子的 URL 都可区分（s/e 来自表单）。
func defaultQualities(form url.Values) string {
	key := "film"
	if form.Get("action") == "get_stream" {
		key = "s" + form.Get("season") + "e" + form.Get("episode")
	}
	return fmt.Sprintf("[480p]http://cdn/%[1]s/480.mp4,[720p]http://cdn/%[1]s/720.mp4 or http://mirror/%[1]s/720.mp4,[1080p]http://cdn/%[1]s/1080.mp4", key)
}

func streamOK(qualities string) string {
	b, _ := json.Marshal(map[string]any{
		"success": true,
		"message": "",
		"url":     encodePayload(qualities),
		"quality": "720p",
	})
	return string(b)
}

const searchHTML = `<html><body>
<div class="b-content__inline_items">
  <div class="b-content__inline_item" data-url="` + seriesPath + `">
    <div class="b-content__inline_item-cover"><a href="` + seriesPath + `"><img src="/i/646.jpg"></a></div>
    <div class="b-content__inline_item-link"><a href="` + seriesPath + `">Во все тяжкие</a><div>2008 - 2013, США, Триллеры</div></div>
  </div>
  <div class="b-content__inline_item" data-url="` + filmPath + `">
    <div class="b-content__inline_item-cover"><a href="` + filmPath + `"><img src="/i/12345.jpg"></a></div>
    <div class="b-content__inline_item-link"><a href="` + filmPath + `">Во все тяжкие: Фильм</a><div>2019, США, Драмы</div></div>
  </div>
</div>
</body></html>`

const seriesHTML = `<html><body>
<div class="b-post__title"><h1>Во все тяжкие</h1></div>
<div class="b-post__origtitle">Breaking Bad</div>
<div class="b-sidecover"><img src="/i/646-big.jpg"></div>
<ul id="translators-list">
  <li data-translator_id="56" title="Дубляж">Дубляж</li>
  <li data-translator_id="111" title="LostFilm">LostFilm</li>
</ul>
<ul id="simple-seasons-tabs"><li data-tab_id="1">Сезон 1</li><li data-tab_id="2">Сезон 2</li></ul>
<ul id="simple-episodes-list-1"><li>Серия 1</li><li>Серия 2</li><li>Серия 3</li></ul>
<script>$(function () { sof.tv.initCDNSeriesEvents(646, 56, 1, 1, false, 'rezka.ag', false, {}); });</script>
</body></html>`

const defaultOnlyHTML = `<html><body>
<div class="b-post__title"><h1>Мини</h1></div>
<ul id="simple-seasons-tabs"><li>Сезон 1</li></ul>
<ul id="simple-episodes-list-1"><li>Серия 1</li><li>Серия 2</li></ul>
<script>sof.tv.initCDNSeriesEvents(777, 238, 1, 1, false, 'rezka.ag', false, {});</script>
</body></html>`

const bareHTML = `<html><body>
<div class="b-post__title"><h1>Без озвучки</h1></div>
<ul id="simple-seasons-tabs"><li>Сезон 1</li></ul>
<ul id="simple-episodes-list-1"><li>Серия 1</li></ul>
</body></html>`

const filmHTML = `<html><body>
<div class="b-post__title"><h1>Во все тяжкие: Фильм</h1></div>
<div class="b-post__origtitle">El Camino</div>
<div class="b-sidecover"><img src="/i/12345-big.jpg"></div>
<div id="cdnplayer"></div>
<script>sof.tv.initCDNMoviesEvents(12345, 110, 0, 0, 0, 'rezka.ag', false, {});</script>
</body></html>`

// Package api 以 JSON 暴露 catalog 的每个操作（rezkacat serve）。
//
// 约束：
// - 错误响应固定为 {"error_code","error_msg"}，error_code 与 CLI 输出一致
// - handler 不直接访问 store，只通过 catalog
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/John-Robertt/rezkacat/internal/catalog"
	"github.com/John-Robertt/rezkacat/internal/domain"
	"github.com/John-Robertt/rezkacat/internal/metrics"
)

// DefaultLookupLimit 是 /api/lookup 未指定 limit 时的上限。
const DefaultLookupLimit = 20

type Handler struct {
	cat     *catalog.Catalog
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewHandler(cat *catalog.Catalog, m *metrics.Metrics, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{cat: cat, metrics: m, log: log}
}

// Routes 返回完整路由。
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/search", h.Search).Methods(http.MethodGet)
	api.HandleFunc("/lookup", h.Lookup).Methods(http.MethodGet)
	api.HandleFunc("/movies/{id}", h.GetMovie).Methods(http.MethodGet)
	api.HandleFunc("/movies/{id}/stored", h.Stored).Methods(http.MethodGet)
	api.HandleFunc("/movies/{id}/source", h.ResolveFilm).Methods(http.MethodGet)
	api.HandleFunc("/movies/{id}/prefetch", h.Prefetch).Methods(http.MethodPost)
	api.HandleFunc("/movies/{id}/seasons/{season:[0-9]+}", h.GetSeason).Methods(http.MethodGet)
	api.HandleFunc("/movies/{id}/seasons/{season:[0-9]+}/episodes/{episode:[0-9]+}", h.ResolveEpisode).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, domain.ErrCodeNotFound, "路由不存在")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "不支持的请求方法")
	})

	r.Use(h.loggingMiddleware)
	return r
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Search handles GET /api/search?q=
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	res, err := h.cat.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Lookup handles GET /api/lookup?q=&limit=
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	limit := DefaultLookupLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "limit 必须是非负整数")
			return
		}
		limit = n
	}
	res, err := h.cat.Lookup(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"query": r.URL.Query().Get("q"), "movies": res})
}

// GetMovie handles GET /api/movies/{id}（抓取详情）。
func (h *Handler) GetMovie(w http.ResponseWriter, r *http.Request) {
	m, err := h.cat.GetMovie(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// Stored handles GET /api/movies/{id}/stored（只读存储）。
func (h *Handler) Stored(w http.ResponseWriter, r *http.Request) {
	m, err := h.cat.Stored(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// ResolveFilm handles GET /api/movies/{id}/source
func (h *Handler) ResolveFilm(w http.ResponseWriter, r *http.Request) {
	m, err := h.cat.Stored(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	out, err := h.cat.ResolveFilm(r.Context(), *m)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// Prefetch handles POST /api/movies/{id}/prefetch
func (h *Handler) Prefetch(w http.ResponseWriter, r *http.Request) {
	rep, err := h.cat.Prefetch(r.Context(), mux.Vars(r)["id"], nil)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// GetSeason handles GET /api/movies/{id}/seasons/{season}
func (h *Handler) GetSeason(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	season, ok := index(w, vars["season"], "season")
	if !ok {
		return
	}
	m, err := h.cat.GetSeason(r.Context(), vars["id"], season)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// ResolveEpisode handles GET /api/movies/{id}/seasons/{season}/episodes/{episode}
func (h *Handler) ResolveEpisode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	season, ok := index(w, vars["season"], "season")
	if !ok {
		return
	}
	episode, ok := index(w, vars["episode"], "episode")
	if !ok {
		return
	}
	m, err := h.cat.ResolveEpisode(r.Context(), vars["id"], season, episode)
	if err != nil {
		h.fail(w, err)
		return
	}
	set, _ := m.Seasons.Leaf(season, episode)
	label, url, _ := h.cat.Best(set)
	respondJSON(w, http.StatusOK, map[string]any{
		"movie":   m,
		"streams": set,
		"best":    map[string]string{"quality": label, "url": url},
	})
}

func index(w http.ResponseWriter, s, name string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, name+" 必须是非负整数")
		return 0, false
	}
	return n, true
}

// StatusFor 把 error_code 映射为 HTTP 状态码。
func StatusFor(err error) int {
	switch domain.ErrorCode(err) {
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeNoTranslator:
		return http.StatusConflict
	case domain.ErrCodeUpstreamFailed, domain.ErrCodeDecodeFailed:
		return http.StatusBadGateway
	case domain.ErrCodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	respondError(w, StatusFor(err), domain.ErrorCode(err), catalog.Hint(err))
}

type errorBody struct {
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, errorBody{ErrorCode: code, ErrorMsg: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Info("http 请求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"dur_ms", time.Since(started).Milliseconds(),
		)
	})
}

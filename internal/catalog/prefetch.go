package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/John-Robertt/rezkacat/internal/domain"
)

// Observer 用于把 Prefetch 的进度/阶段/条目结果从执行流程中解耦出来。
//
// 约束：
// - catalog 只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）
// - Observer 的实现必须并发安全：OnItemDone 可能来自多个 goroutine
type Observer interface {
	// OnStart 在 Prefetch 开始时调用（此时只知道 id）。
	OnStart(id string)
	// OnPhaseDone 在阶段结束时调用：movie / seasons / episodes。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnItemDone 在某个叶子处理完成时调用。
	OnItemDone(idx, total int, item PrefetchItem, dur time.Duration)
	// OnProgress 用于 keepalive（通常由 CLI 自己 ticker 触发；catalog 不调用）。
	OnProgress(done, total, ok, fail, skip, active int, elapsed time.Duration)
}

const (
	ItemStatusOK      = "ok"
	ItemStatusFailed  = "failed"
	ItemStatusSkipped = "skipped"
)

// PrefetchItem 是一个叶子（或一次季抓取）的处理结果。
// Kind=season 时 Episode 为 -1；Kind=film 时 Season/Episode 都为 -1。
type PrefetchItem struct {
	Kind      string `json:"kind"` // "film" / "season" / "episode"
	Season    int    `json:"season"`
	Episode   int    `json:"episode"`
	Status    string `json:"status"`
	Best      string `json:"best,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

type PrefetchSummary struct {
	Total   int `json:"total"`
	OK      int `json:"ok"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// PrefetchReport 是一次 Prefetch 的对外稳定输出。
type PrefetchReport struct {
	MovieID    string          `json:"movie_id"`
	Title      string          `json:"title"`
	IsSeries   bool            `json:"is_series"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Summary    PrefetchSummary `json:"summary"`
	Items      []PrefetchItem  `json:"items"`
}

// Finalize 计算 summary，并按 (season, episode) 排序使输出稳定。
func (r *PrefetchReport) Finalize() {
	sort.SliceStable(r.Items, func(i, j int) bool {
		a, b := r.Items[i], r.Items[j]
		if a.Season != b.Season {
			return a.Season < b.Season
		}
		return a.Episode < b.Episode
	})
	s := PrefetchSummary{Total: len(r.Items)}
	for _, it := range r.Items {
		switch it.Status {
		case ItemStatusOK:
			s.OK++
		case ItemStatusFailed:
			s.Failed++
		case ItemStatusSkipped:
			s.Skipped++
		}
	}
	r.Summary = s
}

type leaf struct{ season, episode int }

// Prefetch 抓取详情、每一季的骨架，然后并发解析所有未解析的叶子。
// 单个叶子失败只记入报告，不影响其他叶子；只有详情抓取失败才返回 error。
func (c *Catalog) Prefetch(ctx context.Context, id string, obs Observer) (rep PrefetchReport, err error) {
	started := time.Now().UTC()
	rep = PrefetchReport{MovieID: id, StartedAt: started, Items: make([]PrefetchItem, 0, 32)}
	defer func() {
		rep.FinishedAt = time.Now().UTC()
		rep.Finalize()
		c.finish(OpPrefetch, err, "movie_id", id, "ok", rep.Summary.OK, "failed", rep.Summary.Failed)
	}()

	if obs != nil {
		obs.OnStart(id)
	}

	movieStarted := time.Now()
	m, err := c.GetMovie(ctx, id)
	if err != nil {
		return rep, err
	}
	rep.Title = m.Title
	rep.IsSeries = m.IsSeries
	if obs != nil {
		obs.OnPhaseDone("movie", map[string]any{
			"is_series":   m.IsSeries,
			"translators": len(m.Translators),
			"seasons":     len(m.Seasons),
		}, time.Since(movieStarted))
	}

	if !m.IsSeries {
		// GetMovie 已经解析了 source。
		label, _, _ := c.ranker(m.Source)
		item := PrefetchItem{Kind: "film", Season: -1, Episode: -1, Status: ItemStatusOK, Best: label}
		rep.Items = append(rep.Items, item)
		if obs != nil {
			obs.OnItemDone(1, 1, item, time.Since(movieStarted))
		}
		return rep, nil
	}

	// 季骨架：串行抓取（每季一次 GET，数量很少）。
	seasonsStarted := time.Now()
	seasons := make([]int, 0, len(m.Seasons))
	for s := range m.Seasons {
		seasons = append(seasons, s)
	}
	sort.Ints(seasons)
	episodes := 0
	for _, s := range seasons {
		if ctx.Err() != nil {
			rep.Items = append(rep.Items, failedItem("season", s, -1, ctx.Err()))
			continue
		}
		got, err := c.GetSeason(ctx, id, s)
		if err != nil {
			rep.Items = append(rep.Items, failedItem("season", s, -1, err))
			continue
		}
		m = got
		episodes += len(m.Seasons[s])
	}
	if obs != nil {
		obs.OnPhaseDone("seasons", map[string]any{
			"seasons":  len(seasons),
			"episodes": episodes,
		}, time.Since(seasonsStarted))
	}

	// 叶子：已解析的直接记为 skipped，其余交给 worker pool。
	var todo []leaf
	for _, s := range seasons {
		for e, set := range m.Seasons[s] {
			if set.Resolved() {
				rep.Items = append(rep.Items, PrefetchItem{Kind: "episode", Season: s, Episode: e, Status: ItemStatusSkipped})
				continue
			}
			todo = append(todo, leaf{season: s, episode: e})
		}
	}
	sort.Slice(todo, func(i, j int) bool {
		if todo[i].season != todo[j].season {
			return todo[i].season < todo[j].season
		}
		return todo[i].episode < todo[j].episode
	})

	workers := c.workers
	if workers > len(todo) {
		workers = len(todo)
	}
	if obs != nil {
		obs.OnPhaseDone("episodes", map[string]any{
			"workers": workers,
			"pending": len(todo),
			"skipped": len(rep.Items),
		}, 0)
	}

	type execResult struct {
		item PrefetchItem
		dur  time.Duration
	}

	jobs := make(chan leaf)
	results := make(chan execResult, len(todo))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for l := range jobs {
				oneStarted := time.Now()
				results <- execResult{item: c.prefetchLeaf(ctx, id, l), dur: time.Since(oneStarted)}
			}
		}()
	}

	go func() {
		for _, l := range todo {
			jobs <- l
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	done := 0
	for r := range results {
		done++
		rep.Items = append(rep.Items, r.item)
		if obs != nil {
			obs.OnItemDone(done, len(todo), r.item, r.dur)
		}
	}
	return rep, nil
}

func (c *Catalog) prefetchLeaf(ctx context.Context, id string, l leaf) PrefetchItem {
	if err := ctx.Err(); err != nil {
		return failedItem("episode", l.season, l.episode, err)
	}
	m, err := c.ResolveEpisode(ctx, id, l.season, l.episode)
	if err != nil {
		return failedItem("episode", l.season, l.episode, err)
	}
	set, _ := m.Seasons.Leaf(l.season, l.episode)
	label, _, _ := c.ranker(set)
	return PrefetchItem{Kind: "episode", Season: l.season, Episode: l.episode, Status: ItemStatusOK, Best: label}
}

func failedItem(kind string, season, episode int, err error) PrefetchItem {
	return PrefetchItem{
		Kind:      kind,
		Season:    season,
		Episode:   episode,
		Status:    ItemStatusFailed,
		ErrorCode: domain.ErrorCode(err),
		ErrorMsg:  Hint(err),
	}
}

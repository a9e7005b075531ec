package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/John-Robertt/rezkacat/internal/domain"
)

// Lookup 在已存储的条目中按标题/副标题做模糊匹配（不发起网络请求）。
// 结果按匹配距离升序；limit<=0 表示不限制。
func (c *Catalog) Lookup(ctx context.Context, query string, limit int) (res []domain.Movie, err error) {
	query = strings.TrimSpace(query)
	defer func() { c.finish(OpLookup, err, "query", query) }()

	if query == "" {
		return nil, fmt.Errorf("%w：query 不能为空", domain.ErrInvalidInput)
	}
	all, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		m    domain.Movie
		dist int
	}
	hits := make([]ranked, 0, len(all))
	for _, m := range all {
		best := -1
		for _, target := range []string{m.Title, m.Subtitle} {
			if target == "" {
				continue
			}
			if d := fuzzy.RankMatchNormalizedFold(query, target); d >= 0 && (best < 0 || d < best) {
				best = d
			}
		}
		if best >= 0 {
			hits = append(hits, ranked{m: m, dist: best})
		}
	}

	// 距离相同按标题排序，保证输出稳定。
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		if hits[i].m.Title != hits[j].m.Title {
			return hits[i].m.Title < hits[j].m.Title
		}
		return hits[i].m.ID < hits[j].m.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	res = make([]domain.Movie, 0, len(hits))
	for _, h := range hits {
		res = append(res, h.m.Summary())
	}
	return res, nil
}

// Package storetest 是 store.Store 实现共用的行为测试。
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/John-Robertt/rezkacat/internal/domain"
	"github.com/John-Robertt/rezkacat/internal/store"
)

// Run 对 open 返回的实现执行全部行为检查；每个子测试拿到一个全新的 Store。
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("FindMissing", func(t *testing.T) { testFindMissing(t, open(t)) })
	t.Run("InsertOnlyIfAbsent", func(t *testing.T) { testInsertOnlyIfAbsent(t, open(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, open(t)) })
	t.Run("LeafMergeKeepsSiblings", func(t *testing.T) { testLeafMerge(t, open(t)) })
	t.Run("SetIfAbsentNeverRegresses", func(t *testing.T) { testSetIfAbsent(t, open(t)) })
	t.Run("ConcurrentLeaves", func(t *testing.T) { testConcurrentLeaves(t, open(t)) })
	t.Run("List", func(t *testing.T) { testList(t, open(t)) })
}

func series(link string) domain.Movie {
	return domain.Movie{
		ID:       domain.MovieID(link),
		Link:     link,
		Title:    "T",
		IsSeries: true,
	}
}

func testFindMissing(t *testing.T, s store.Store) {
	defer s.Close()
	_, err := s.FindOne(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际 %v", err)
	}
}

func testInsertOnlyIfAbsent(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	m := series("https://x/series/1-a.html")

	created, err := s.InsertOne(ctx, m)
	if err != nil || !created {
		t.Fatalf("首次插入应成功：created=%v err=%v", created, err)
	}

	m2 := m
	m2.Title = "覆盖"
	created, err = s.InsertOne(ctx, m2)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if created {
		t.Fatalf("重复插入不应创建")
	}
	got, err := s.FindOne(ctx, m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got.Title != "T" {
		t.Fatalf("重复插入不应修改已有文档，实际 title=%q", got.Title)
	}
}

func testUpdateMissing(t *testing.T, s store.Store) {
	defer s.Close()
	err := s.UpdateOne(context.Background(), "nope", store.Set("title", "x"))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际 %v", err)
	}
}

func testLeafMerge(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	m := series("https://x/series/2-b.html")
	if _, err := s.InsertOne(ctx, m); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if err := s.UpdateOne(ctx, m.ID, store.Set(store.LeafPath(0, 0), domain.StreamSet{"720p": "http://a"})); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := s.UpdateOne(ctx, m.ID, store.Set(store.LeafPath(0, 2), domain.StreamSet{"1080p": "http://c"})); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	got, err := s.FindOne(ctx, m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if set, _ := got.Seasons.Leaf(0, 0); set["720p"] != "http://a" {
		t.Fatalf("(0,0) 被破坏：%v", got.Seasons)
	}
	if set, _ := got.Seasons.Leaf(0, 2); set["1080p"] != "http://c" {
		t.Fatalf("(0,2) 未写入：%v", got.Seasons)
	}
	if got.Title != "T" || got.Link != m.Link {
		t.Fatalf("其他字段不应变化：%+v", got)
	}
}

func testSetIfAbsent(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	m := series("https://x/series/3-c.html")
	if _, err := s.InsertOne(ctx, m); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := s.UpdateOne(ctx, m.ID, store.Set(store.LeafPath(1, 0), domain.StreamSet{"480p": "http://r"})); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	// 重新铺骨架：已解析的叶子与已存在的季都不能被覆盖。
	var patches []store.Patch
	patches = append(patches, store.SetIfAbsent(store.SeasonPath(0), map[string]any{}))
	patches = append(patches, store.SetIfAbsent(store.SeasonPath(1), map[string]any{}))
	for e := 0; e < 3; e++ {
		patches = append(patches, store.SetIfAbsent(store.LeafPath(1, e), nil))
	}
	if err := s.UpdateOne(ctx, m.ID, patches...); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	got, err := s.FindOne(ctx, m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if set, known := got.Seasons.Leaf(1, 0); !known || set["480p"] != "http://r" {
		t.Fatalf("(1,0) 发生回退：known=%v set=%v", known, set)
	}
	for e := 1; e < 3; e++ {
		if set, known := got.Seasons.Leaf(1, e); !known || set.Resolved() {
			t.Fatalf("(1,%d) 应为已知未解析：known=%v set=%v", e, known, set)
		}
	}
	if eps, ok := got.Seasons[0]; !ok || len(eps) != 0 {
		t.Fatalf("season 0 应存在且为空：ok=%v eps=%v", ok, eps)
	}
}

func testConcurrentLeaves(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	m := series("https://x/series/4-d.html")
	if _, err := s.InsertOne(ctx, m); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for e := 0; e < n; e++ {
		wg.Add(1)
		go func(e int) {
			defer wg.Done()
			set := domain.StreamSet{"720p": fmt.Sprintf("http://e/%d", e)}
			errs <- s.UpdateOne(ctx, m.ID, store.Set(store.LeafPath(0, e), set))
		}(e)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
	}

	got, err := s.FindOne(ctx, m.ID)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	for e := 0; e < n; e++ {
		set, known := got.Seasons.Leaf(0, e)
		if !known || set["720p"] != fmt.Sprintf("http://e/%d", e) {
			t.Fatalf("并发写入丢失了 (0,%d)：known=%v set=%v", e, known, set)
		}
	}
}

func testList(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.InsertOne(ctx, series(fmt.Sprintf("https://x/series/%d-l.html", 10+i))); err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
	}
	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got) != 3 {
		t.Fatalf("期望 3 条，实际 %d", len(got))
	}
}

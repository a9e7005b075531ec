package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/rezkacat/internal/catalog"
)

var _ catalog.Observer = (*progressUI)(nil)

// progressUI 是 prefetch 的交互终端进度输出。
//
// 约束：
// - 所有过程信息写到 stderr，不污染 stdout 的 JSON 输出契约
// - 事件驱动：catalog 只发事件，CLI 决定如何展示
// - keepalive：长时间无条目完成时也会定期输出一行
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	workers int
	total   int
	done    int
	ok      int
	fail    int
	skip    int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(id string) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}
	fmt.Fprintf(p.w, "[%s] rezkacat prefetch %s\n", now.Format("15:04:05"), id)
	p.lastPrinted = now
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "movie":
		kind := "film"
		if b, _ := fields["is_series"].(bool); b {
			kind = "series"
		}
		fmt.Fprintf(p.w, "详情: %s translators=%d seasons=%d (%s)\n",
			kind, intField(fields, "translators"), intField(fields, "seasons"), formatShortDuration(dur),
		)
	case "seasons":
		fmt.Fprintf(p.w, "季: seasons=%d episodes=%d (%s)\n",
			intField(fields, "seasons"), intField(fields, "episodes"), formatShortDuration(dur),
		)
	case "episodes":
		p.workers = intField(fields, "workers")
		p.total = intField(fields, "pending")
		fmt.Fprintf(p.w, "解析: workers=%d pending=%d skipped=%d\n\n",
			p.workers, p.total, intField(fields, "skipped"),
		)
		if p.total > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	default:
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnItemDone(idx, total int, it catalog.PrefetchItem, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = idx
	p.total = total
	switch it.Status {
	case catalog.ItemStatusOK:
		p.ok++
	case catalog.ItemStatusFailed:
		p.fail++
	case catalog.ItemStatusSkipped:
		p.skip++
	}

	key := itemKey(it)
	switch it.Status {
	case catalog.ItemStatusFailed:
		fmt.Fprintf(p.w, "[%d/%d] %s FAIL %s: %s (%s)\n",
			idx, total, key, it.ErrorCode, truncate(it.ErrorMsg, 160), formatShortDuration(dur),
		)
	default:
		fmt.Fprintf(p.w, "[%d/%d] %s %s best=%s (%s)\n",
			idx, total, key, strings.ToUpper(it.Status), orDash(it.Best), formatShortDuration(dur),
		)
	}
	p.lastPrinted = time.Now()

	// 最后一条完成：停止 ticker，避免在结束打印后又冒出 keepalive。
	if p.tickerStarted && p.done >= p.total {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) OnProgress(done, total, ok, fail, skip, active int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printProgressLocked(done, total, ok, fail, skip, active, elapsed)
}

func (p *progressUI) printProgressLocked(done, total, ok, fail, skip, active int, elapsed time.Duration) {
	fmt.Fprintf(p.w, "进度: done=%d/%d ok=%d fail=%d skip=%d active=%d elapsed=%s\n",
		done, total, ok, fail, skip, active, formatElapsed(elapsed),
	)
	p.lastPrinted = time.Now()
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stop := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && p.done >= p.total {
					p.mu.Unlock()
					return
				}
				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					active := min(p.workers, p.total-p.done)
					p.printProgressLocked(p.done, p.total, p.ok, p.fail, p.skip, active, time.Since(p.startedAt))
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func itemKey(it catalog.PrefetchItem) string {
	switch it.Kind {
	case "film":
		return "film"
	case "season":
		return fmt.Sprintf("s%d", it.Season)
	default:
		return fmt.Sprintf("s%d e%d", it.Season, it.Episode)
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec%3600)/60, sec%60)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	default:
		return 0
	}
}

// Package store 定义以 Movie.ID 为键的文档存储，以及字段级局部更新（Patch）。
//
// 约束：
// - UpdateOne 只改 Patch 指定的路径；路径上缺失的中间对象自动创建，兄弟键永不删除
// - 同一文档的一组 Patch 原子生效（实现必须在单个事务/单条语句内完成）
// - 不提供整文档替换接口
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/John-Robertt/rezkacat/internal/domain"
)

// Store 是 catalog 依赖的最小文档存储接口。
type Store interface {
	// FindOne 找不到时返回 domain.ErrNotFound。
	FindOne(ctx context.Context, id string) (domain.Movie, error)
	// InsertOne 只在不存在时创建；created=false 表示已存在且未做任何修改。
	InsertOne(ctx context.Context, m domain.Movie) (created bool, err error)
	// UpdateOne 对已存在的文档应用 patches；文档不存在返回 domain.ErrNotFound。
	UpdateOne(ctx context.Context, id string, patches ...Patch) error
	// List 返回全部文档（顺序不保证）。
	List(ctx context.Context) ([]domain.Movie, error)
	Close() error
}

// Patch 是对单个路径的写入。
type Patch struct {
	Path     []string
	Value    any
	IfAbsent bool // true 时只有键不存在才写入
}

// Set 无条件写入 path（点分路径，例如 "seasons.0.2"）。
func Set(path string, v any) Patch {
	return Patch{Path: SplitPath(path), Value: v}
}

// SetIfAbsent 只在 path 不存在时写入；已存在（包括值为 null）时保持原样。
func SetIfAbsent(path string, v any) Patch {
	return Patch{Path: SplitPath(path), Value: v, IfAbsent: true}
}

// SplitPath 把点分路径拆成段；空段会被丢弃。
func SplitPath(path string) []string {
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LeafPath 返回 (season, episode) 叶子的路径。
func LeafPath(season, episode int) string {
	return "seasons." + strconv.Itoa(season) + "." + strconv.Itoa(episode)
}

// SeasonPath 返回 season 的路径。
func SeasonPath(season int) string {
	return "seasons." + strconv.Itoa(season)
}

// String 便于日志输出。
func (p Patch) String() string {
	op := "set"
	if p.IfAbsent {
		op = "set_if_absent"
	}
	return op + " " + strings.Join(p.Path, ".")
}

// Validate 检查 patch 是否可应用（路径非空、值可 JSON 编码）。
func (p Patch) Validate() error {
	if len(p.Path) == 0 {
		return errors.New("patch 路径不能为空")
	}
	if p.Path[0] == "id" {
		return errors.New("不允许修改 id")
	}
	if _, err := json.Marshal(p.Value); err != nil {
		return fmt.Errorf("patch %s 值无法编码：%w", strings.Join(p.Path, "."), err)
	}
	return nil
}

// ValueJSON 返回 patch 值的 JSON 文本。
func (p Patch) ValueJSON() (string, error) {
	b, err := json.Marshal(p.Value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Apply 把 patches 应用到通用 JSON 文档（map[string]any）上。
// 中间节点缺失或为 null 时创建空对象；中间节点是非对象时报错，文档不变。
func Apply(doc map[string]any, patches []Patch) error {
	if doc == nil {
		return errors.New("文档不能为空")
	}
	// 先在副本上全部应用成功，再写回（保证一组 patch 要么全部生效要么都不生效）。
	work, err := cloneDoc(doc)
	if err != nil {
		return err
	}
	for _, p := range patches {
		if err := p.Validate(); err != nil {
			return err
		}
		if err := applyOne(work, p); err != nil {
			return err
		}
	}
	for k := range doc {
		delete(doc, k)
	}
	for k, v := range work {
		doc[k] = v
	}
	return nil
}

func applyOne(doc map[string]any, p Patch) error {
	cur := doc
	for i, seg := range p.Path[:len(p.Path)-1] {
		switch n := cur[seg].(type) {
		case map[string]any:
			cur = n
		case nil:
			m := map[string]any{}
			cur[seg] = m
			cur = m
		default:
			return fmt.Errorf("路径 %s 不是对象", strings.Join(p.Path[:i+1], "."))
		}
	}
	last := p.Path[len(p.Path)-1]
	if _, exists := cur[last]; exists && p.IfAbsent {
		return nil
	}
	v, err := normalize(p.Value)
	if err != nil {
		return err
	}
	cur[last] = v
	return nil
}

// normalize 把任意 Go 值转成 encoding/json 的通用表示，保证文档内类型一致。
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneDoc(doc map[string]any) (map[string]any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode 把 Movie 编码为文档字节。
func Encode(m domain.Movie) ([]byte, error) {
	if strings.TrimSpace(m.ID) == "" {
		return nil, errors.New("movie.id 不能为空")
	}
	return json.Marshal(m)
}

// Decode 把文档字节解码为 Movie。
func Decode(b []byte) (domain.Movie, error) {
	var m domain.Movie
	if err := json.Unmarshal(b, &m); err != nil {
		return domain.Movie{}, fmt.Errorf("文档损坏：%w", err)
	}
	return m, nil
}

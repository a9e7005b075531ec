// Package sqlitestore 用 SQLite（modernc.org/sqlite，纯 Go）实现 store.Store。
//
// 文档存成 JSON 文本；UpdateOne 把一组 patch 编译成单条
// UPDATE ... SET doc = json_set(json_insert(...)) 语句，局部更新在数据库内原子完成。
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/John-Robertt/rezkacat/internal/domain"
	"github.com/John-Robertt/rezkacat/internal/store"
)

const schema = `CREATE TABLE IF NOT EXISTS movies (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL CHECK (json_valid(doc))
)`

// Store 实现 store.Store。
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open 打开（必要时创建）path 处的数据库。path=":memory:" 时为内存库。
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 sqlite 失败：%w", err)
	}
	// 单连接：写入串行化，内存库也不会因为多连接而各自为政。
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化 schema 失败：%w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) FindOne(ctx context.Context, id string) (domain.Movie, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM movies WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Movie{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Movie{}, err
	}
	return store.Decode([]byte(doc))
}

func (s *Store) InsertOne(ctx context.Context, m domain.Movie) (bool, error) {
	b, err := store.Encode(m)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO movies (id, doc) VALUES (?, ?)`, m.ID, string(b))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) UpdateOne(ctx context.Context, id string, patches ...store.Patch) error {
	if len(patches) == 0 {
		if _, err := s.FindOne(ctx, id); err != nil {
			return err
		}
		return nil
	}
	expr, args, err := Compile(patches)
	if err != nil {
		return err
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE movies SET doc = `+expr+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]domain.Movie, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM movies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Movie
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		m, err := store.Decode([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Compile 把 patches 编译成作用于列 doc 的 SQL 表达式。
//
// 每个 patch 先用 json_insert 为每一级父路径补空对象（已存在则不动），
// 再对目标路径使用 json_set（Set）或 json_insert（SetIfAbsent）。
// 占位符顺序与 args 顺序一致：内层表达式在前。
func Compile(patches []store.Patch) (string, []any, error) {
	expr := "doc"
	var args []any
	for _, p := range patches {
		if err := p.Validate(); err != nil {
			return "", nil, err
		}
		for i := 1; i < len(p.Path); i++ {
			jp, err := jsonPath(p.Path[:i])
			if err != nil {
				return "", nil, err
			}
			expr = "json_insert(" + expr + ", ?, json('{}'))"
			args = append(args, jp)
		}
		jp, err := jsonPath(p.Path)
		if err != nil {
			return "", nil, err
		}
		val, err := p.ValueJSON()
		if err != nil {
			return "", nil, err
		}
		fn := "json_set"
		if p.IfAbsent {
			fn = "json_insert"
		}
		expr = fn + "(" + expr + ", ?, json(?))"
		args = append(args, jp, val)
	}
	return expr, args, nil
}

// jsonPath 把路径段转成 SQLite JSON path：$."seasons"."0"。
func jsonPath(segs []string) (string, error) {
	var b strings.Builder
	b.WriteString("$")
	for _, s := range segs {
		if strings.ContainsAny(s, `"\`) {
			return "", fmt.Errorf("路径段包含非法字符：%q", s)
		}
		b.WriteString(`."`)
		b.WriteString(s)
		b.WriteString(`"`)
	}
	return b.String(), nil
}

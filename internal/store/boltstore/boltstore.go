// Package boltstore 用 bbolt 实现 store.Store：每个 Movie 一条 JSON 文档。
//
// 局部更新在单个写事务内完成“读 -> 应用 patch -> 写回”，bbolt 同一时刻只有一个写事务，
// 因此同一文档的并发更新不会互相覆盖。
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/John-Robertt/rezkacat/internal/domain"
	"github.com/John-Robertt/rezkacat/internal/store"
)

var bucketMovies = []byte("movies")

// Store 实现 store.Store。
type Store struct {
	db *bolt.DB
}

var _ store.Store = (*Store)(nil)

// Open 打开（必要时创建）path 处的数据库文件。
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 bolt 数据库失败：%w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMovies)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) FindOne(ctx context.Context, id string) (domain.Movie, error) {
	if err := ctx.Err(); err != nil {
		return domain.Movie{}, err
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMovies).Get([]byte(id)); v != nil {
			// bbolt 返回的切片只在事务内有效。
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return domain.Movie{}, err
	}
	if data == nil {
		return domain.Movie{}, domain.ErrNotFound
	}
	return store.Decode(data)
}

func (s *Store) InsertOne(ctx context.Context, m domain.Movie) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b, err := store.Encode(m)
	if err != nil {
		return false, err
	}
	created := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketMovies)
		if bk.Get([]byte(m.ID)) != nil {
			return nil
		}
		created = true
		return bk.Put([]byte(m.ID), b)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *Store) UpdateOne(ctx context.Context, id string, patches ...store.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketMovies)
		v := bk.Get([]byte(id))
		if v == nil {
			return domain.ErrNotFound
		}
		var doc map[string]any
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("文档损坏：%w", err)
		}
		if err := store.Apply(doc, patches); err != nil {
			return err
		}
		nb, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return bk.Put([]byte(id), nb)
	})
}

func (s *Store) List(ctx context.Context) ([]domain.Movie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Movie
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMovies).ForEach(func(k, v []byte) error {
			m, err := store.Decode(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/John-Robertt/rezkacat/internal/domain"
)

// Memory 是进程内实现（无持久化），用于测试与 store.driver=memory。
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (s *Memory) FindOne(ctx context.Context, id string) (domain.Movie, error) {
	if err := ctx.Err(); err != nil {
		return domain.Movie{}, err
	}
	s.mu.Lock()
	b, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		return domain.Movie{}, domain.ErrNotFound
	}
	return Decode(b)
}

func (s *Memory) InsertOne(ctx context.Context, m domain.Movie) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b, err := Encode(m)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[m.ID]; ok {
		return false, nil
	}
	s.docs[m.ID] = b
	return true, nil
}

func (s *Memory) UpdateOne(ctx context.Context, id string, patches ...Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := Apply(doc, patches); err != nil {
		return err
	}
	nb, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.docs[id] = nb
	return nil
}

func (s *Memory) List(ctx context.Context) ([]domain.Movie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Movie, 0, len(s.docs))
	for _, b := range s.docs {
		m, err := Decode(b)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Memory) Close() error { return nil }

package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/John-Robertt/rezkacat/internal/store"
	"github.com/John-Robertt/rezkacat/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "db", "rezkacat.db"))
		if err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
		return s
	})
}

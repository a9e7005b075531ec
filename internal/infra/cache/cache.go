package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/John-Robertt/rezkacat/internal/infra/fsx"
)

// Store 提供 <cache.dir>/ 下的诊断转储读写：
// - payloads/<movie-id>-<op>.txt：解码失败时的原始混淆 payload
// - pages/<movie-id>-<op>.html：解析失败时的原始页面
//
// 约束：
// - Root 为空表示禁用（写入直接忽略，读取永远 miss）
// - ReadOnly=true 时只允许读
type Store struct {
	Root     string
	ReadOnly bool
}

var ErrReadOnly = errors.New("cache: read-only")

func New(root string, readOnly bool) Store {
	root = strings.TrimSpace(root)
	if root != "" {
		root = filepath.Clean(root)
	}
	return Store{
		Root:     root,
		ReadOnly: readOnly,
	}
}

// Enabled 判断是否配置了 cache.dir。
func (s Store) Enabled() bool { return s.Root != "" }

// PayloadPath 返回 payload 转储的绝对路径。
func (s Store) PayloadPath(movieID, op string) (string, error) {
	name, err := fileName(movieID, op, ".txt")
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, "payloads", name), nil
}

// PagePath 返回页面转储的绝对路径。
func (s Store) PagePath(movieID, op string) (string, error) {
	name, err := fileName(movieID, op, ".html")
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, "pages", name), nil
}

func (s Store) ReadPayload(movieID, op string) ([]byte, bool, error) {
	if !s.Enabled() {
		return nil, false, nil
	}
	path, err := s.PayloadPath(movieID, op)
	if err != nil {
		return nil, false, err
	}
	return readFile(path)
}

func (s Store) ReadPage(movieID, op string) ([]byte, bool, error) {
	if !s.Enabled() {
		return nil, false, nil
	}
	path, err := s.PagePath(movieID, op)
	if err != nil {
		return nil, false, err
	}
	return readFile(path)
}

func (s Store) WritePayload(movieID, op string, raw []byte) error {
	return s.write("payloads", movieID, op, ".txt", raw)
}

func (s Store) WritePage(movieID, op string, html []byte) error {
	return s.write("pages", movieID, op, ".html", html)
}

func (s Store) write(sub, movieID, op, ext string, b []byte) error {
	if !s.Enabled() {
		return nil
	}
	if s.ReadOnly {
		return ErrReadOnly
	}
	name, err := fileName(movieID, op, ext)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(filepath.Join(s.Root, sub), name, b)
}

func readFile(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

var (
	movieIDRE = regexp.MustCompile(`^[0-9a-f-]{1,64}$`)
	opRE      = regexp.MustCompile(`^[a-z0-9_.]+$`)
)

// fileName 校验 movieID/op，避免路径穿越。
func fileName(movieID, op, ext string) (string, error) {
	movieID = strings.ToLower(strings.TrimSpace(movieID))
	if !movieIDRE.MatchString(movieID) {
		return "", fmt.Errorf("非法 movie id：%q", movieID)
	}
	op = strings.ToLower(strings.TrimSpace(op))
	if op == "" || !opRE.MatchString(op) || strings.Contains(op, "..") {
		return "", fmt.Errorf("非法 op：%q", op)
	}
	return movieID + "-" + op + ext, nil
}

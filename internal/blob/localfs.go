// Package blob 本地檔案系統上的物件儲存，key 為相對於 Root 的路徑
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidKey key 為空、絕對路徑或跳出 Root
	ErrInvalidKey = errors.New("invalid blob key")
	// ErrNotFound key 不存在
	ErrNotFound = errors.New("blob not found")
)

// rename 可在測試中替換以模擬跨檔案系統
var rename = os.Rename

type LocalFS struct {
	Root string
}

// Path 回傳 key 對應的絕對路徑，pipeline 階段直接以此讀寫音訊檔
func (l LocalFS) Path(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.Root, clean), nil
}

func (l LocalFS) Put(key string, r io.Reader) (string, error) {
	abs, err := l.Path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	tmp := abs + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, abs); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Clean(key)), nil
}

// Import 把 src 檔案搬進儲存區的 key 位置；跨檔案系統時退回複製
func (l LocalFS) Import(key, src string) (string, error) {
	abs, err := l.Path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := rename(src, abs); err == nil {
		return filepath.ToSlash(filepath.Clean(key)), nil
	}

	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("import %s: %w", src, err)
	}
	stored, err := l.Put(key, f)
	f.Close()
	if err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		return stored, fmt.Errorf("remove imported %s: %w", src, err)
	}
	return stored, nil
}

func (l LocalFS) Open(key string) (*os.File, error) {
	abs, err := l.Path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f, err
}

func (l LocalFS) Exists(key string) bool {
	abs, err := l.Path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

func cleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

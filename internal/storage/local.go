package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local stores objects as files under a base directory. Presigned URLs are
// file:// URLs, useful for development only.
type Local struct {
	base string
}

func NewLocal(base string) (*Local, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{base: abs}, nil
}

// path maps a key to a file under base, rejecting keys that escape it.
func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash("/" + key))
	p := filepath.Join(l.base, clean)
	if p == l.base || !strings.HasPrefix(p, l.base+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return p, nil
}

func (l *Local) UploadFile(_ context.Context, key string, data []byte, _ string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (l *Local) UploadJSON(ctx context.Context, key string, v any) error {
	data, err := marshalJSON(key, v)
	if err != nil {
		return err
	}
	return l.UploadFile(ctx, key, data, "application/json")
}

func (l *Local) GetBytes(_ context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (l *Local) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return l.fileURL(key)
}

func (l *Local) PresignPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return l.fileURL(key)
}

func (l *Local) fileURL(key string) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String(), nil
}

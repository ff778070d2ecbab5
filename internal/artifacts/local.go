package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local stores artifacts under a base directory.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) (*Local, error) {
	if baseDir == "" {
		baseDir = "./generated_decks"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &Local{baseDir: baseDir}, nil
}

// resolve joins name under the base dir, rejecting traversal outside it.
func (l *Local) resolve(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	full := filepath.Join(l.baseDir, clean)
	if !strings.HasPrefix(full, filepath.Clean(l.baseDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return full, nil
}

func (l *Local) Save(_ context.Context, name string, body io.Reader) error {
	full, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create artifact subdir: %w", err)
	}
	f, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

func (l *Local) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	full, err := l.resolve(name)
	if err != nil {
		return nil, 0, err
	}
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("stat artifact: %w", err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, fmt.Errorf("open artifact: %w", err)
	}
	return f, info.Size(), nil
}

func (l *Local) Stat(_ context.Context, name string) (int64, error) {
	full, err := l.resolve(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("stat artifact: %w", err)
	}
	return info.Size(), nil
}

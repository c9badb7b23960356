// Package local реализует исполнитель на хосте оркестратора:
// файловый транспорт (копирование), оболочку и планировщик процессов.
//
// Используется для отладки workflow без кластера и в тестах.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shaiso/batchflow/internal/remote"
)

// Transport копирует артефакты в пределах локальной файловой системы.
type Transport struct{}

// NewTransport создаёт Transport.
func NewTransport() *Transport {
	return &Transport{}
}

// Upload копирует пути в remoteDir.
func (t *Transport) Upload(ctx context.Context, localPaths []string, remoteDir string) ([]string, error) {
	return copyAll(ctx, localPaths, remoteDir)
}

// Download копирует пути в localDir.
func (t *Transport) Download(ctx context.Context, remotePaths []string, localDir string) ([]string, error) {
	return copyAll(ctx, remotePaths, localDir)
}

// WriteFile записывает исполняемый файл.
func (t *Transport) WriteFile(_ context.Context, remotePath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return os.WriteFile(remotePath, data, 0o755)
}

// Close реализует remote.Transport.
func (t *Transport) Close() error {
	return nil
}

func copyAll(ctx context.Context, paths []string, dstDir string) ([]string, error) {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}

	result := remote.Layout(paths, dstDir, filepath.Join, filepath.Base)
	for i, src := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := copyPath(src, result[i]); err != nil {
			return nil, fmt.Errorf("copy %s: %w", src, err)
		}
	}
	return result, nil
}

// copyPath копирует файл или директорию рекурсивно.
func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode().Perm())
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

package sshx

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/batchflow/internal/remote"
)

// Transport передаёт артефакты по SFTP.
//
// Пути одного артефакта передаются параллельно, не более MaxSessions
// одновременно.
type Transport struct {
	client *Client
}

// NewTransport создаёт Transport поверх клиента.
func NewTransport(client *Client) *Transport {
	return &Transport{client: client}
}

// Upload загружает файлы и директории в remoteDir.
func (t *Transport) Upload(ctx context.Context, localPaths []string, remoteDir string) ([]string, error) {
	sc, err := t.client.SFTP(ctx)
	if err != nil {
		return nil, err
	}
	if err := sc.MkdirAll(remoteDir); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", remoteDir, err)
	}

	result := remote.Layout(localPaths, remoteDir, path.Join, filepath.Base)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.client.MaxSessions())

	for i, src := range localPaths {
		src := src
		dst := result[i]
		g.Go(func() error {
			return uploadPath(gctx, sc, src, dst)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// Download скачивает файлы и директории в localDir.
func (t *Transport) Download(ctx context.Context, remotePaths []string, localDir string) ([]string, error) {
	sc, err := t.client.SFTP(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", localDir, err)
	}

	result := remote.Layout(remotePaths, localDir, filepath.Join, path.Base)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.client.MaxSessions())

	for i, src := range remotePaths {
		src := src
		dst := result[i]
		g.Go(func() error {
			return downloadPath(gctx, sc, src, dst)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// WriteFile создаёт исполняемый удалённый файл.
func (t *Transport) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	sc, err := t.client.SFTP(ctx)
	if err != nil {
		return err
	}

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(remotePath), err)
	}

	f, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", remotePath, err)
	}

	return sc.Chmod(remotePath, 0o755)
}

// Close закрывает соединение клиента.
func (t *Transport) Close() error {
	return t.client.Close()
}

func uploadPath(ctx context.Context, sc *sftp.Client, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return uploadFile(sc, src, dst, info.Mode().Perm())
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := path.Join(dst, filepath.ToSlash(rel))

		if d.IsDir() {
			return sc.MkdirAll(target)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return uploadFile(sc, p, target, fi.Mode().Perm())
	})
}

func uploadFile(sc *sftp.Client, src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := sc.MkdirAll(path.Dir(dst)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(dst), err)
	}

	out, err := sc.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("upload %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return sc.Chmod(dst, perm)
}

func downloadPath(ctx context.Context, sc *sftp.Client, src, dst string) error {
	info, err := sc.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return downloadFile(sc, src, dst, info.Mode().Perm())
	}

	walker := sc.Walk(src)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, walker.Path())
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := downloadFile(sc, walker.Path(), target, walker.Stat().Mode().Perm()); err != nil {
			return err
		}
	}
	return nil
}

func downloadFile(sc *sftp.Client, src, dst string, perm os.FileMode) error {
	in, err := sc.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
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
		return fmt.Errorf("download %s: %w", src, err)
	}
	return out.Close()
}

package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var zipMagic = []byte("PK\x03\x04")

// Archive is a downloaded package on local disk.
type Archive struct {
	TaskID string
	Path   string
	Size   int64
}

type countingWriter struct {
	w  io.Writer
	n  int64
	fn func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.fn(int64(n))
	return n, err
}

// Download streams the task's archive into destDir through a bounded buffer.
// An expired link surfaces as ErrTaskUnusable.
func (m *Manager) Download(ctx context.Context, task Task, destDir string) (Archive, error) {
	if !m.IsUsable(task) {
		return Archive{}, fmt.Errorf("%w: task %s past local expiry estimate or not completed", ErrTaskUnusable, task.ID)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Archive{}, fmt.Errorf("%w: create dir: %w", ErrDownload, err)
	}
	resp, err := m.remote.Open(ctx, task.DownloadURL)
	if err != nil {
		if isExpiredLink(err) {
			return Archive{}, fmt.Errorf("%w: link rejected: %w", ErrTaskUnusable, err)
		}
		return Archive{}, wrapDownload(err)
	}
	defer resp.Body.Close()

	final := filepath.Join(destDir, task.ID+".zip")
	part := final + ".part"
	f, err := os.Create(part)
	if err != nil {
		return Archive{}, fmt.Errorf("%w: create %s: %w", ErrDownload, part, err)
	}
	cw := &countingWriter{w: f, fn: m.onBytes}
	_, copyErr := io.CopyBuffer(cw, resp.Body, make([]byte, m.chunkSize))
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(part)
		if copyErr == nil {
			copyErr = closeErr
		}
		if ctx.Err() != nil {
			return Archive{}, ctx.Err()
		}
		return Archive{}, fmt.Errorf("%w: stream %s: %w", ErrDownload, task.ID, copyErr)
	}
	if err := checkArchive(part); err != nil {
		os.Remove(part)
		return Archive{}, err
	}
	if task.FileSize > 0 && cw.n != task.FileSize {
		os.Remove(part)
		return Archive{}, fmt.Errorf("%w: size mismatch for %s: got %d want %d", ErrDownload, task.ID, cw.n, task.FileSize)
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return Archive{}, fmt.Errorf("%w: rename: %w", ErrDownload, err)
	}
	return Archive{TaskID: task.ID, Path: final, Size: cw.n}, nil
}

// checkArchive catches object stores that answer an expired link with a
// 200 error document instead of the zip.
func checkArchive(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	if bytes.HasPrefix(head, zipMagic) {
		return nil
	}
	lower := strings.ToLower(string(head))
	if strings.Contains(lower, "expired") || strings.Contains(lower, "accessdenied") {
		return fmt.Errorf("%w: link expired", ErrTaskUnusable)
	}
	return fmt.Errorf("%w: payload is not a zip archive", ErrDownload)
}

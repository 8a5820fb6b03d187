package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var extensionByContentType = map[string]string{
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/webm":  ".webm",
	"audio/ogg":   ".ogg",
}

// LocalStore implements Store on the local filesystem. Refs are paths
// relative to the base directory.
type LocalStore struct {
	baseDir  string
	maxBytes int64
}

// NewLocalStore creates a filesystem-backed blob store rooted at baseDir.
// maxBytes caps individual payload size; zero means no cap.
func NewLocalStore(baseDir string, maxBytes int64) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &LocalStore{baseDir: baseDir, maxBytes: maxBytes}, nil
}

// Put stores the payload under a uuid-derived filename and returns its ref.
// An empty payload is rejected: the pipeline's entry contract requires a
// complete, non-empty audio payload before any durable write.
func (s *LocalStore) Put(ctx context.Context, r io.Reader, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := uuid.NewString() + extensionFor(contentType)
	path := filepath.Join(s.baseDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create blob file: %w", err)
	}

	limit := io.Reader(r)
	if s.maxBytes > 0 {
		limit = io.LimitReader(r, s.maxBytes+1)
	}

	written, err := io.Copy(f, limit)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && s.maxBytes > 0 && written > s.maxBytes {
		err = ErrTooLarge
	}
	if err == nil && written == 0 {
		err = fmt.Errorf("empty audio payload")
	}
	if err != nil {
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return "", fmt.Errorf("write blob: %w (cleanup failed: %v)", err, removeErr)
		}
		return "", fmt.Errorf("write blob: %w", err)
	}

	return name, nil
}

// Get opens the payload behind a ref.
func (s *LocalStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", ref, err)
	}
	return f, nil
}

// Delete removes the payload behind a ref.
func (s *LocalStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}

// resolve rejects refs that escape the base directory.
func (s *LocalStore) resolve(ref string) (string, error) {
	clean := filepath.Clean(ref)
	if clean == "" || clean == "." || strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob ref %q", ref)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func extensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ext, ok := extensionByContentType[ct]; ok {
		return ext
	}
	return ".bin"
}

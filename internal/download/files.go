package download

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStorage is where downloaded media lives. Paths are relative to StorageDir
// and always use forward slashes.
type FileStorage interface {
	WriteFile(relativePath string, r io.Reader) (int64, error)
	DeleteFile(relativePath string) error
	Exists(relativePath string) (bool, error)
	ResolveFileURL(relativePath string) string
	StorageDir() string
}

// LocalFiles stores media under a directory on the local disk.
type LocalFiles struct {
	root string
}

var _ FileStorage = (*LocalFiles)(nil)

func NewLocalFiles(root string) (*LocalFiles, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve download dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return &LocalFiles{root: abs}, nil
}

func (f *LocalFiles) path(relativePath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relativePath))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes storage dir", ErrInvalidRequest, relativePath)
	}
	return filepath.Join(f.root, clean), nil
}

// WriteFile streams r into a temp file next to the destination and renames it
// into place, so a reader never sees a partial file.
func (f *LocalFiles) WriteFile(relativePath string, r io.Reader) (int64, error) {
	dest, err := f.path(relativePath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("create destination directory: %w", err)
	}

	tempFile := filepath.Join(filepath.Dir(dest), "."+uuid.NewString()+".tmp")
	file, err := os.Create(tempFile)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(file, r)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempFile)
		return 0, fmt.Errorf("write %s: %w", relativePath, err)
	}

	if err := os.Rename(tempFile, dest); err != nil {
		_ = os.Remove(tempFile)
		return 0, fmt.Errorf("move file to destination: %w", err)
	}
	return n, nil
}

// DeleteFile treats an already missing file as success.
func (f *LocalFiles) DeleteFile(relativePath string) error {
	p, err := f.path(relativePath)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", relativePath, err)
	}
	return nil
}

func (f *LocalFiles) Exists(relativePath string) (bool, error) {
	p, err := f.path(relativePath)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (f *LocalFiles) ResolveFileURL(relativePath string) string {
	p, err := f.path(relativePath)
	if err != nil {
		return ""
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

func (f *LocalFiles) StorageDir() string {
	return f.root
}

// trackPath is the relative location of a track's media file.
func trackPath(trackID, container string) string {
	ext := strings.ToLower(strings.TrimPrefix(container, "."))
	if ext == "" {
		ext = "bin"
	}
	return "tracks/" + safeName(trackID) + "." + safeName(ext)
}

func safeName(name string) string {
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", "*", "-", "?", "-", "\"", "-", "<", "-", ">", "-", "|", "-", "..", "-")
	safe := replacer.Replace(name)
	if len(safe) > 100 {
		safe = safe[:100]
	}
	return safe
}

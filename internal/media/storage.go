package media

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const imageDir = "retinopathy_images"

// Storage keeps uploaded images on local disk. Refs are slash-separated
// paths relative to the base directory. A Storage with an empty base
// directory stores nothing.
type Storage struct {
	basePath string
}

func NewStorage(basePath string) *Storage {
	return &Storage{basePath: basePath}
}

func (s *Storage) Enabled() bool { return s != nil && s.basePath != "" }

// Save writes data under a fresh name and returns its ref. ext is the file
// extension without the dot.
func (s *Storage) Save(data []byte, ext string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		ext = "bin"
	}

	dir := filepath.Join(s.basePath, imageDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	ref := path.Join(imageDir, uuid.New().String()+"."+ext)
	if err := os.WriteFile(filepath.Join(s.basePath, filepath.FromSlash(ref)), data, 0644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return ref, nil
}

// Path resolves ref to a file under the base directory.
func (s *Storage) Path(ref string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("media storage disabled")
	}
	clean := path.Clean("/" + ref)
	if clean == "/" || !strings.HasPrefix(clean, "/"+imageDir+"/") {
		return "", fmt.Errorf("invalid image ref %q", ref)
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean[1:])), nil
}

// Remove deletes the image behind ref. Missing files and empty refs are
// not errors.
func (s *Storage) Remove(ref string) error {
	if ref == "" || !s.Enabled() {
		return nil
	}
	p, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}

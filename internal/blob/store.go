// Package blob stores document bytes on the local filesystem under a dated
// layout, with OCR artifacts kept next to them. Keys are slash-separated
// paths relative to the store root.
package blob

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// ErrNotFound is returned when a key has no stored bytes.
var ErrNotFound = errors.New("blob not found")

// tempFilePrefix marks in-progress Save writes. Stale ones are crash
// leftovers, removed by RemoveStaleTemp.
const tempFilePrefix = ".blob.tmp."

// DocumentKey derives the storage key for a document uploaded at t:
// {yyyy}/{MM}/{dd}/{id}.{ext}, with the extension taken from the original
// filename.
func DocumentKey(t time.Time, id, originalFilename string) string {
	return path.Join(t.UTC().Format("2006/01/02"), id+strings.ToLower(filepath.Ext(originalFilename)))
}

// OCRKey derives the storage key of a document's OCR artifact.
func OCRKey(id string) string {
	return path.Join(id+"-ocr", "ocr-results.json")
}

// FileStore is a filesystem-backed blob store rooted at a single directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed and returns the store.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// Save streams r to the given key via a temp file and atomic rename, and
// returns the byte count and the xxh3-128 hex digest of the content.
func (s *FileStore) Save(key string, r io.Reader) (int64, string, error) {
	dst, err := s.resolve(key)
	if err != nil {
		return 0, "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", fmt.Errorf("blob: create dir for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), tempFilePrefix+"*")
	if err != nil {
		return 0, "", fmt.Errorf("blob: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		os.Remove(tmpPath) // no-op if already renamed
	}()

	h := xxh3.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("blob: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("blob: close temp for %s: %w", key, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return 0, "", fmt.Errorf("blob: atomic replace %s: %w", key, err)
	}

	sum := h.Sum128().Bytes()
	return n, hex.EncodeToString(sum[:]), nil
}

// SaveOCR persists a document's OCR artifact and returns its relative key.
func (s *FileStore) SaveOCR(id string, data []byte) (string, error) {
	key := OCRKey(id)
	if _, _, err := s.Save(key, strings.NewReader(string(data))); err != nil {
		return "", err
	}
	return key, nil
}

// Open returns a reader over the stored bytes, or ErrNotFound.
func (s *FileStore) Open(key string) (io.ReadCloser, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: open %s: %w", key, err)
	}
	return f, nil
}

// ReadAll returns the full stored bytes, or ErrNotFound.
func (s *FileStore) ReadAll(key string) ([]byte, error) {
	r, err := s.Open(key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes the bytes at key. Removing an absent key is not an error.
func (s *FileStore) Remove(key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: remove %s: %w", key, err)
	}
	return nil
}

// RemoveStaleTemp deletes temp files left by writes that never completed
// (a crash between CreateTemp and Rename). Files younger than olderThan may
// belong to an in-flight upload and are kept. Returns the number removed.
func (s *FileStore) RemoveStaleTemp(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), tempFilePrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("blob: sweep temp files: %w", err)
	}
	return removed, nil
}

// RemoveOCR deletes a document's OCR directory, if any.
func (s *FileStore) RemoveOCR(id string) error {
	p, err := s.resolve(id + "-ocr")
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("blob: remove ocr of %s: %w", id, err)
	}
	return nil
}

// resolve maps a relative key to an absolute path, refusing keys that would
// escape the root.
func (s *FileStore) resolve(key string) (string, error) {
	if key == "" || !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

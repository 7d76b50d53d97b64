package repository

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v6"
	"github.com/google/uuid"
)

// readFile reads the whole file, returning os.ErrNotExist unchanged so
// callers can treat a missing file as an empty store.
func readFile(fs billy.Filesystem, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// writeFileAtomic writes data to a uniquely named temp file next to path
// and renames it into place, so an interrupted write can never corrupt the
// previously durable content.
func writeFileAtomic(fs billy.Filesystem, path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("while creating directory %s: %w", dir, err)
		}
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	f, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("while creating temp file for %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fs.Remove(tmp)
		return fmt.Errorf("while writing temp file for %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		fs.Remove(tmp)
		return fmt.Errorf("while closing temp file for %s: %w", path, err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		fs.Remove(tmp)
		return fmt.Errorf("while replacing %s: %w", path, err)
	}
	return nil
}

// quarantine renames a corrupt backing file aside so the store can start
// empty instead of crashing. Returns the quarantine path.
func quarantine(fs billy.Filesystem, path string) (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := fs.Rename(path, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("while quarantining %s: %w", path, err)
	}
	return dst, nil
}

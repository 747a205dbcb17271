package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const recordExt = ".json"

// FileStore keeps one JSON file per schedule under a directory.
//
// Writes go to a hidden temp file in the same directory which is synced and
// renamed over the target, so readers in other processes observe either the
// previous or the new record.
type FileStore struct {
	dir string
	log *slog.Logger

	// OnCorrupt, when set, is called for every unit List skips.
	OnCorrupt func(path string, err error)
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, log *slog.Logger) (*FileStore, error) {
	d := strings.TrimSpace(dir)
	if d == "" {
		return nil, errors.New("empty state directory")
	}
	if err := os.MkdirAll(d, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{dir: filepath.Clean(d), log: log}, nil
}

// Dir returns the directory holding the records.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+recordExt)
}

func (s *FileStore) Save(ctx context.Context, rec Record) error {
	if err := checkName(rec.Name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.Name, err)
	}
	return writeAtomic(s.dir, s.path(rec.Name), append(b, '\n'))
}

// writeAtomic writes data to a temp file in dir and renames it onto target.
func writeAtomic(dir, target string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}
	if err = os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, name string) (Record, bool, error) {
	if err := checkName(name); err != nil {
		return Record{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	rec, err := readRecord(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

func readRecord(path string) (Record, error) {
	// #nosec G304 -- path is built from a validated name inside the state dir
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	if !ValidName(rec.Name) {
		return Record{}, fmt.Errorf("%w: %s: missing or invalid name", ErrCorrupt, filepath.Base(path))
	}
	if want := strings.TrimSuffix(filepath.Base(path), recordExt); rec.Name != want {
		return Record{}, fmt.Errorf("%w: %s: holds record %q", ErrCorrupt, filepath.Base(path), rec.Name)
	}
	return rec, nil
}

func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, recordExt) {
			continue
		}
		p := filepath.Join(s.dir, n)
		rec, err := readRecord(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// deleted between ReadDir and read
				continue
			}
			s.log.Warn("skipping unreadable schedule record", "path", p, "error", err)
			if s.OnCorrupt != nil {
				s.OnCorrupt(p, err)
			}
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := os.Remove(s.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", name, err)
	}
	return true, nil
}

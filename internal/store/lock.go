package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrLocked is returned when a record lock could not be taken in time.
var ErrLocked = errors.New("schedule record is locked")

const (
	lockExt   = ".lock"
	lockPoll  = 10 * time.Millisecond
	lockWait  = 5 * time.Second
	lockStale = 30 * time.Second
)

// Locker is implemented by stores that can serialise a read-modify-write
// of one record across processes.
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

// Update loads name, hands it to fn and saves what fn returns when save is
// true. The cycle runs under the record lock when s is a Locker. The
// returned record is the saved one, or the loaded one when nothing was
// saved.
func Update(ctx context.Context, s Store, name string, fn func(cur Record, ok bool) (next Record, save bool, err error)) (Record, error) {
	if l, ok := s.(Locker); ok {
		unlock, err := l.Lock(ctx, name)
		if err != nil {
			return Record{}, err
		}
		defer unlock()
	}
	cur, ok, err := s.Load(ctx, name)
	if err != nil {
		return Record{}, err
	}
	next, save, err := fn(cur, ok)
	if err != nil {
		return cur, err
	}
	if !save {
		return cur, nil
	}
	if err := s.Save(ctx, next); err != nil {
		return cur, err
	}
	return next, nil
}

func (s *FileStore) lockPath(name string) string {
	return filepath.Join(s.dir, "."+name+lockExt)
}

// Lock takes the record's lock file, created exclusively next to the
// record. A lock file older than lockStale is assumed abandoned by a dead
// process and broken.
func (s *FileStore) Lock(ctx context.Context, name string) (func(), error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	p := s.lockPath(name)
	deadline := time.Now().Add(lockWait)
	for {
		// #nosec G304 -- path is built from a validated name inside the state dir
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			return func() { _ = os.Remove(p) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", name, err)
		}
		if fi, serr := os.Stat(p); serr == nil && time.Since(fi.ModTime()) > lockStale {
			s.log.Warn("breaking stale record lock", "path", p, "age", time.Since(fi.ModTime()))
			_ = os.Remove(p)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

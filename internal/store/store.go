package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidName is returned for names that cannot be used as a file key.
	ErrInvalidName = errors.New("invalid schedule name")
	// ErrCorrupt marks a record unit that exists but cannot be decoded.
	ErrCorrupt = errors.New("corrupt schedule record")
	// ErrInvalidTransition is returned when a status change breaks the
	// lifecycle order.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is durable CRUD over named schedule records.
//
// Implementations must never expose a half-written record to a concurrent
// reader, even when the reader lives in another process.
type Store interface {
	Save(ctx context.Context, rec Record) error
	// Load returns ok=false, err=nil when no record exists for name.
	Load(ctx context.Context, name string) (rec Record, ok bool, err error)
	// List returns every readable record sorted by name. Corrupt units are
	// skipped, not reported as an error.
	List(ctx context.Context) ([]Record, error)
	// Delete reports whether a record was removed. Deleting an absent name
	// returns false and no error.
	Delete(ctx context.Context, name string) (bool, error)
}

// ValidName reports whether s is usable as a schedule name.
// Allowed characters: A-Z a-z 0-9 . _ - ; "..", a leading dot and a
// leading dash are rejected.
func ValidName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	if strings.Contains(s, "..") || strings.HasPrefix(s, ".") || strings.HasPrefix(s, "-") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func checkName(name string) error {
	if !ValidName(name) {
		return &NameError{Name: name}
	}
	return nil
}

// NameError reports a rejected schedule name.
type NameError struct{ Name string }

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid schedule name %q: allowed [A-Za-z0-9._-], no leading dot or dash, no '..'", e.Name)
}

func (e *NameError) Unwrap() error { return ErrInvalidName }

// Package artifact locates and serves the document produced by a successful run.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNotFound is returned when the artifact does not exist
var ErrNotFound = errors.New("artifact not found")

// Info describes the artifact on disk
type Info struct {
	Exists       bool       `json:"exists"`
	Name         string     `json:"name"`
	Size         int64      `json:"size,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	Path         string     `json:"-"`
}

// Check is the verdict of a post-run artifact check
type Check struct {
	Info
	OK     bool
	Reason string // why the artifact does not count, when !OK
}

// Store gives access to the artifact file
type Store struct {
	path         string
	name         string
	minSize      int64
	requireFresh bool
}

// Options tune what counts as a produced artifact
type Options struct {
	DownloadName string // defaults to the base name of the path
	MinSize      int64  // smaller files count as missing
	RequireFresh bool   // file must be modified at or after the run started
}

// NewStore creates a Store for the file at path
func NewStore(path string, opts Options) *Store {
	name := opts.DownloadName
	if name == "" {
		name = filepath.Base(path)
	}
	return &Store{
		path:         path,
		name:         name,
		minSize:      opts.MinSize,
		requireFresh: opts.RequireFresh,
	}
}

// Name returns the filename offered to clients
func (s *Store) Name() string {
	return s.name
}

// Path returns the artifact location
func (s *Store) Path() string {
	return s.path
}

// Stat reports whether the artifact exists. A missing file is not an error.
func (s *Store) Stat(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	info := Info{Name: s.name, Path: s.path}

	fi, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("failed to stat artifact %s: %w", s.path, err)
	}
	if fi.IsDir() {
		return info, fmt.Errorf("artifact path %s is a directory", s.path)
	}

	modified := fi.ModTime()
	info.Exists = true
	info.Size = fi.Size()
	info.LastModified = &modified
	return info, nil
}

// Verify decides whether a run that started at startedAt produced the artifact
func (s *Store) Verify(ctx context.Context, startedAt time.Time) (Check, error) {
	info, err := s.Stat(ctx)
	if err != nil {
		return Check{Info: info}, err
	}

	switch {
	case !info.Exists:
		return Check{Info: info, Reason: fmt.Sprintf("artifact %s was not generated", s.name)}, nil
	case info.Size < s.minSize:
		return Check{Info: info, Reason: fmt.Sprintf("artifact %s is too small (%d bytes)", s.name, info.Size)}, nil
	case s.requireFresh && !startedAt.IsZero() && info.LastModified.Before(startedAt.Truncate(time.Second)):
		return Check{Info: info, Reason: fmt.Sprintf("artifact %s was not updated by this run", s.name)}, nil
	}

	return Check{Info: info, OK: true}, nil
}

// Open opens the artifact for reading along with its content type
func (s *Store) Open(ctx context.Context) (*os.File, Info, string, error) {
	info, err := s.Stat(ctx)
	if err != nil {
		return nil, info, "", err
	}
	if !info.Exists {
		return nil, info, "", ErrNotFound
	}

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, info, "", ErrNotFound
	}
	if err != nil {
		return nil, info, "", fmt.Errorf("failed to open artifact: %w", err)
	}

	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectReader(f); err == nil {
		contentType = mtype.String()
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, info, "", fmt.Errorf("failed to rewind artifact: %w", err)
	}

	return f, info, contentType, nil
}

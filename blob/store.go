// Package blob stores uploaded documents and hands out opaque references of
// the form "subdir/uuid.ext".
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Reference prefixes used by the loan pipeline.
const (
	DirProfiles  = "profiles"
	DirSnapshots = "loan-snapshots"
	DirDocuments = "loan-documents"
)

var (
	// ErrNotFound signals the referenced blob does not exist.
	ErrNotFound = errors.New("blob: not found")
	// ErrInvalidRef signals a reference that escapes the store root or is malformed.
	ErrInvalidRef = errors.New("blob: invalid reference")
)

// Store is the contract the core consumes.
type Store interface {
	Store(ctx context.Context, subdir, filename string, r io.Reader) (string, error)
	Copy(ctx context.Context, ref, subdir string) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// FSStore keeps blobs on an afero filesystem rooted at a directory.
type FSStore struct {
	fs    afero.Fs
	newID func() string
}

// NewFSStore roots a store at dir on the OS filesystem.
func NewFSStore(dir string) (*FSStore, error) {
	base := afero.NewOsFs()
	if err := base.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root %s: %w", dir, err)
	}
	return NewStore(afero.NewBasePathFs(base, dir)), nil
}

// NewStore wraps an arbitrary afero filesystem, such as afero.NewMemMapFs in tests.
func NewStore(fs afero.Fs) *FSStore {
	return &FSStore{fs: fs, newID: func() string { return uuid.NewString() }}
}

// Store writes r under subdir with a fresh name keeping filename's extension.
func (s *FSStore) Store(ctx context.Context, subdir, filename string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, err := s.newRef(subdir, path.Ext(filename))
	if err != nil {
		return "", err
	}
	if err := s.write(ref, r); err != nil {
		return "", err
	}
	return ref, nil
}

// Copy duplicates ref under subdir. An empty ref yields an empty ref.
func (s *FSStore) Copy(ctx context.Context, ref, subdir string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := s.Open(ctx, ref)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := s.newRef(subdir, path.Ext(ref))
	if err != nil {
		return "", err
	}
	if err := s.write(dst, src); err != nil {
		return "", err
	}
	return dst, nil
}

// Open returns a reader for ref.
func (s *FSStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := clean(ref)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("blob: open %s: %w", ref, err)
	}
	return f, nil
}

// Delete removes ref. Missing blobs are not an error.
func (s *FSStore) Delete(_ context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	p, err := clean(ref)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob: delete %s: %w", ref, err)
	}
	return nil
}

func (s *FSStore) newRef(subdir, ext string) (string, error) {
	subdir = strings.Trim(subdir, "/")
	if subdir == "" || strings.Contains(subdir, "..") {
		return "", fmt.Errorf("%w: subdir %q", ErrInvalidRef, subdir)
	}
	return subdir + "/" + s.newID() + strings.ToLower(ext), nil
}

func (s *FSStore) write(ref string, r io.Reader) (err error) {
	p, err := clean(ref)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("blob: mkdir for %s: %w", ref, err)
	}
	f, err := s.fs.Create(p)
	if err != nil {
		return fmt.Errorf("blob: create %s: %w", ref, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("blob: close %s: %w", ref, cerr)
		}
		if err != nil {
			_ = s.fs.Remove(p)
		}
	}()
	if _, err = io.Copy(f, r); err != nil {
		return fmt.Errorf("blob: write %s: %w", ref, err)
	}
	return nil
}

func clean(ref string) (string, error) {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.FromSlash(path.Clean(ref)), nil
}

package chat

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	chaterrors "github.com/alexjbarnes/clinic-sync/internal/errors"
)

const (
	// DefaultMaxAttachmentSize is the largest file accepted for upload.
	DefaultMaxAttachmentSize int64 = 10 * 1024 * 1024

	stagingDirPerm  = 0o700
	stagingFilePerm = 0o600
)

// Stager copies selected files into a private staging directory so the
// original can change or disappear while the upload is pending. Staging
// never touches the network.
type Stager struct {
	dir      string
	maxBytes int64
}

// NewStager returns a stager writing under dir.
func NewStager(dir string, maxBytes int64) *Stager {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAttachmentSize
	}

	return &Stager{dir: dir, maxBytes: maxBytes}
}

// MaxBytes returns the size limit.
func (s *Stager) MaxBytes() int64 {
	return s.maxBytes
}

// StagedFile is a local copy awaiting upload. PreviewURL points at the
// staged copy and must never be sent as a message attachment.
type StagedFile struct {
	Name       string
	Path       string
	Size       int64
	PreviewURL string

	releaseOnce sync.Once
	releaseErr  error
}

// Stage checks the size limit and copies path into the staging directory.
// Oversized files are rejected before they are read.
func (s *Stager) Stage(path string) (*StagedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	if info.Size() > s.maxBytes {
		return nil, fmt.Errorf("%w: %s is %s, limit is %s",
			chaterrors.ErrAttachmentTooLarge,
			filepath.Base(path),
			humanize.IBytes(uint64(info.Size())),
			humanize.IBytes(uint64(s.maxBytes)),
		)
	}

	if err := os.MkdirAll(s.dir, stagingDirPerm); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	name := filepath.Base(path)
	dst := filepath.Join(s.dir, uuid.NewString()+"-"+name)

	n, err := copyFile(path, dst)
	if err != nil {
		os.Remove(dst)
		return nil, err
	}

	// The file may have grown between Stat and the copy.
	if n > s.maxBytes {
		os.Remove(dst)
		return nil, fmt.Errorf("%w: %s grew to %s while staging",
			chaterrors.ErrAttachmentTooLarge, name, humanize.IBytes(uint64(n)))
	}

	return &StagedFile{
		Name:       name,
		Path:       dst,
		Size:       n,
		PreviewURL: "file://" + filepath.ToSlash(dst),
	}, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, stagingFilePerm)
	if err != nil {
		return 0, fmt.Errorf("creating staged copy: %w", err)
	}

	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return n, fmt.Errorf("copying %s: %w", src, err)
	}

	return n, nil
}

// Open returns a reader over the staged copy.
func (f *StagedFile) Open() (*os.File, error) {
	return os.Open(f.Path)
}

// Release deletes the staged copy. Safe to call more than once.
func (f *StagedFile) Release() error {
	f.releaseOnce.Do(func() {
		err := os.Remove(f.Path)
		if err != nil && !os.IsNotExist(err) {
			f.releaseErr = fmt.Errorf("releasing %s: %w", f.Path, err)
		}
	})

	return f.releaseErr
}

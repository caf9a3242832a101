package dispatch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// StagingError means an attachment can be neither staged nor read in place.
type StagingError struct {
	Path string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Path, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// Stager makes attachments reachable by the sender. With a staging dir it copies
// the file there under a fresh name; otherwise, or when the copy fails, it falls
// back to the original if that is readable.
type Stager struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

func NewStager(fs afero.Fs, dir string) *Stager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Stager{fs: fs, dir: dir, now: time.Now}
}

// Resolve returns the path to hand to the sender and whether it is a staged copy.
func (s *Stager) Resolve(src string) (string, bool, error) {
	if s.dir != "" {
		staged, err := s.copy(src)
		if err == nil {
			return staged, true, nil
		}
		log.Debug().Err(err).Str("media", src).Msg("staging copy failed; trying original")
	}
	if err := s.readable(src); err != nil {
		return "", false, &StagingError{Path: src, Err: err}
	}
	return src, false, nil
}

func (s *Stager) copy(src string) (string, error) {
	in, err := s.fs.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(s.dir, uuid.NewString()+filepath.Ext(src))
	out, err := s.fs.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = s.fs.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = s.fs.Remove(dst)
		return "", err
	}
	return dst, nil
}

func (s *Stager) readable(src string) error {
	f, err := s.fs.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}
	return nil
}

// Prune removes staged copies older than maxAge and returns how many it removed.
func (s *Stager) Prune(maxAge time.Duration) (int, error) {
	if s.dir == "" {
		return 0, nil
	}
	entries, err := afero.ReadDir(s.fs, s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-maxAge)
	n := 0
	for _, fi := range entries {
		if fi.IsDir() || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.dir, fi.Name())); err != nil {
			log.Warn().Err(err).Str("file", fi.Name()).Msg("prune staged file")
			continue
		}
		n++
	}
	return n, nil
}

package calr

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// BundleExtension is the file extension of finished bundles.
const BundleExtension = ".calr"

// Spool stages bundle output on local disk so that only finished bundles
// ever appear in the output folder.
// Folder structure:
//
//	{dir}/tmp/    - in-progress outputs and compression buffers
//	{dir}/out/    - finished {name}.calr bundles
//	{dir}/failed/ - sources that could not be bundled
type Spool struct {
	BaseDir string
	mu      sync.Mutex

	rename func(oldpath, newpath string) error
}

// OpenSpool creates the spool folder structure under dir.
func OpenSpool(dir string) (*Spool, error) {
	for _, d := range []string{"tmp", "out", "failed"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0700); err != nil {
			return nil, fmt.Errorf("create spool folder: %w", err)
		}
	}
	return &Spool{BaseDir: dir, rename: os.Rename}, nil
}

// TmpDir is the folder holding in-progress files.
func (s *Spool) TmpDir() string { return filepath.Join(s.BaseDir, "tmp") }

// OutDir is the folder holding finished bundles.
func (s *Spool) OutDir() string { return filepath.Join(s.BaseDir, "out") }

// FailedDir is the folder holding sources that failed to bundle.
func (s *Spool) FailedDir() string { return filepath.Join(s.BaseDir, "failed") }

// OutputPath is where the bundle for source ends up: its base name with
// the extension replaced by BundleExtension.
func (s *Spool) OutputPath(source string) string {
	base := filepath.Base(source)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(s.OutDir(), base+BundleExtension)
}

// Clean removes leftovers of interrupted runs from the tmp folder.
func (s *Spool) Clean() error {
	entries, err := os.ReadDir(s.TmpDir())
	if err != nil {
		return fmt.Errorf("read spool tmp: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.TmpDir(), e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SpoolEntry is one in-progress bundle: a temp output file and a temp
// compression buffer, both in the spool tmp folder.
type SpoolEntry struct {
	Source string
	Output *os.File
	Buffer *os.File

	spool *Spool
	done  bool
}

// Begin creates the temp files for bundling source.
func (s *Spool) Begin(source string) (*SpoolEntry, error) {
	out, err := os.OpenFile(filepath.Join(s.TmpDir(), uuid.NewString()+".tmp"), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create temp output: %w", err)
	}
	buf, err := os.OpenFile(filepath.Join(s.TmpDir(), uuid.NewString()+".tmp"), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return nil, fmt.Errorf("create temp buffer: %w", err)
	}
	return &SpoolEntry{Source: source, Output: out, Buffer: buf, spool: s}, nil
}

// Commit syncs the output, moves it to the out folder and removes the
// buffer. It returns the final bundle path.
func (e *SpoolEntry) Commit() (string, error) {
	if e.done {
		return "", errors.New("spool entry already finished")
	}
	e.done = true

	err := e.Output.Sync()
	if cerr := e.Output.Close(); err == nil {
		err = cerr
	}
	e.removeBuffer()
	if err != nil {
		_ = os.Remove(e.Output.Name())
		return "", fmt.Errorf("flush bundle: %w", err)
	}

	target := e.spool.OutputPath(e.Source)
	e.spool.mu.Lock()
	defer e.spool.mu.Unlock()
	if _, err := os.Stat(target); err == nil {
		_ = os.Remove(e.Output.Name())
		return "", fmt.Errorf("bundle %s already exists", target)
	}
	if err := os.Rename(e.Output.Name(), target); err != nil {
		_ = os.Remove(e.Output.Name())
		return "", fmt.Errorf("publish bundle: %w", err)
	}
	return target, nil
}

// Abort discards the output and the buffer. It is a no-op after Commit.
func (e *SpoolEntry) Abort() error {
	if e.done {
		return nil
	}
	e.done = true
	_ = e.Output.Close()
	e.removeBuffer()
	if err := os.Remove(e.Output.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove temp output: %w", err)
	}
	return nil
}

func (e *SpoolEntry) removeBuffer() {
	_ = e.Buffer.Close()
	_ = os.Remove(e.Buffer.Name())
}

// Fail moves source into the failed folder and returns its new path. A
// regular file on another filesystem is copied and then removed.
func (s *Spool) Fail(source string) (string, error) {
	target := filepath.Join(s.FailedDir(), filepath.Base(source))
	rename := s.rename
	if rename == nil {
		rename = os.Rename
	}
	err := rename(source, target)
	if errors.Is(err, syscall.EXDEV) {
		err = moveAcross(source, target)
	}
	if err != nil {
		return "", fmt.Errorf("move %s to failed: %w", source, err)
	}
	return target, nil
}

// moveAcross copies the regular file source to a new file target, syncs it
// and removes source.
func moveAcross(source, target string) (err error) {
	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", source)
	}

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = dst.Close()
			_ = os.Remove(target)
		}
	}()
	if _, err = io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err = dst.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err = dst.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return os.Remove(source)
}

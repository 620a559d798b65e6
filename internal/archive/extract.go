package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"motion/internal/security"
)

var (
	ErrTooLarge          = errors.New("archive expands beyond the allowed size")
	ErrInsufficientSpace = errors.New("insufficient disk space")
	ErrEscapesRoot       = errors.New("resolved path escapes extraction root")
)

// ExtractionError is a failure while writing an archive that passed the name scan.
type ExtractionError struct {
	Entry string
	Err   error
}

func (e *ExtractionError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("extraction failed: %v", e.Err)
	}
	return fmt.Sprintf("extracting %q: %v", e.Entry, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

type Options struct {
	// MaxBytes caps the total uncompressed size. Zero disables the cap.
	MaxBytes int64
	// MinFreeBytes is the headroom that must stay free after extraction.
	MinFreeBytes int64
}

type Result struct {
	Type  Type
	Files int
	Dirs  int
	Bytes int64
}

// Extract unpacks the archive at archivePath into dest. name is the uploaded file
// name used for type detection.
//
// Every entry name is checked before dest is touched, so an unsafe archive leaves
// dest exactly as it was. Otherwise dest is emptied first and rebuilt from the
// archive.
func Extract(archivePath, name, dest string, opts Options) (*Result, error) {
	typ, err := DetectFile(archivePath, name)
	if err != nil {
		return nil, err
	}

	src, err := openSource(archivePath, typ)
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}
	defer src.Close()

	entries, err := src.Entries()
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}
	if err := CheckEntries(entries); err != nil {
		return nil, err
	}

	var declared int64
	for _, e := range entries {
		if e.Size > 0 {
			declared += e.Size
		}
	}
	if opts.MaxBytes > 0 && declared > opts.MaxBytes {
		return nil, &ExtractionError{Err: fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, declared, opts.MaxBytes)}
	}
	if !security.HasEnoughDiskSpace(filepath.Dir(dest), declared+opts.MinFreeBytes) {
		return nil, &ExtractionError{Err: ErrInsufficientSpace}
	}

	if err := resetDir(dest); err != nil {
		return nil, &ExtractionError{Err: err}
	}
	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}

	x := &extractor{root: root, maxBytes: opts.MaxBytes, res: &Result{Type: typ}}
	buf := getBuffer()
	defer putBuffer(buf)
	x.buf = buf

	if err := src.Walk(x.write); err != nil {
		var pse *PathSafetyError
		var ee *ExtractionError
		if errors.As(err, &pse) || errors.As(err, &ee) {
			return nil, err
		}
		return nil, &ExtractionError{Err: err}
	}
	return x.res, nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

type extractor struct {
	root     string
	maxBytes int64
	written  int64
	buf      []byte
	res      *Result
}

func (x *extractor) write(e Entry, r io.Reader) error {
	rel, err := CleanEntryName(e.Name)
	if err != nil {
		return err
	}
	if e.Symlink {
		return &PathSafetyError{Entry: e.Name, Reason: "symbolic link"}
	}
	if rel == "" {
		return nil
	}

	target := filepath.Join(x.root, filepath.FromSlash(rel))

	if e.IsDir {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return &ExtractionError{Entry: e.Name, Err: err}
		}
		if err := x.contained(target); err != nil {
			return &ExtractionError{Entry: e.Name, Err: err}
		}
		x.res.Dirs++
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &ExtractionError{Entry: e.Name, Err: err}
	}
	if err := x.contained(target); err != nil {
		return &ExtractionError{Entry: e.Name, Err: err}
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &ExtractionError{Entry: e.Name, Err: err}
	}

	src := r
	if x.maxBytes > 0 {
		// one byte past the remaining budget is enough to detect overflow
		src = io.LimitReader(r, x.maxBytes-x.written+1)
	}
	n, err := io.CopyBuffer(f, src, x.buf)
	closeErr := f.Close()
	x.written += n
	x.res.Bytes += n

	if err != nil {
		return &ExtractionError{Entry: e.Name, Err: err}
	}
	if closeErr != nil {
		return &ExtractionError{Entry: e.Name, Err: closeErr}
	}
	if x.maxBytes > 0 && x.written > x.maxBytes {
		return &ExtractionError{Entry: e.Name, Err: ErrTooLarge}
	}

	x.res.Files++
	return nil
}

// contained resolves target's parent on disk and requires the result to stay
// under the extraction root.
func (x *extractor) contained(target string) error {
	parent, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		return err
	}
	resolved := filepath.Join(parent, filepath.Base(target))

	if fi, err := os.Lstat(resolved); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return ErrEscapesRoot
	}

	rel, err := filepath.Rel(x.root, resolved)
	if err != nil {
		return err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return ErrEscapesRoot
	}
	return nil
}

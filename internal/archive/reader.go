package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nwaples/rardecode"
)

// Entry is one member of an uploaded archive as listed by the first pass.
type Entry struct {
	Name    string
	IsDir   bool
	Size    int64
	Symlink bool
}

// source lists an archive and then streams its members in a second pass.
type source interface {
	Entries() ([]Entry, error)
	Walk(fn func(Entry, io.Reader) error) error
	Close() error
}

func openSource(path string, typ Type) (source, error) {
	switch typ {
	case TypeZip:
		r, err := zip.OpenReader(path)
		if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && r != nil) {
			return nil, fmt.Errorf("open zip: %w", err)
		}
		return &zipSource{r: r}, nil
	case TypeRar:
		return &rarSource{path: path}, nil
	}
	return nil, ErrUnsupportedType
}

type zipSource struct {
	r *zip.ReadCloser
}

func zipEntry(f *zip.File) Entry {
	return Entry{
		Name:    f.Name,
		IsDir:   f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/"),
		Size:    int64(f.UncompressedSize64),
		Symlink: f.Mode()&os.ModeSymlink != 0,
	}
}

func (z *zipSource) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(z.r.File))
	for _, f := range z.r.File {
		entries = append(entries, zipEntry(f))
	}
	return entries, nil
}

func (z *zipSource) Walk(fn func(Entry, io.Reader) error) error {
	for _, f := range z.r.File {
		e := zipEntry(f)
		if e.IsDir {
			if err := fn(e, nil); err != nil {
				return err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return &ExtractionError{Entry: f.Name, Err: err}
		}
		err = fn(e, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (z *zipSource) Close() error {
	return z.r.Close()
}

// rarSource reopens the file for each pass; RAR members can only be read in order.
type rarSource struct {
	path string
}

func (s *rarSource) each(fn func(*rardecode.FileHeader, io.Reader) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	rr, err := rardecode.NewReader(f, "")
	if err != nil {
		return fmt.Errorf("open rar: %w", err)
	}
	for {
		h, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read rar: %w", err)
		}
		if err := fn(h, rr); err != nil {
			return err
		}
	}
}

func rarEntry(h *rardecode.FileHeader) Entry {
	size := h.UnPackedSize
	if h.UnKnownSize {
		size = -1
	}
	return Entry{
		Name:    h.Name,
		IsDir:   h.IsDir,
		Size:    size,
		Symlink: h.Mode()&os.ModeSymlink != 0,
	}
}

func (s *rarSource) Entries() ([]Entry, error) {
	var entries []Entry
	err := s.each(func(h *rardecode.FileHeader, _ io.Reader) error {
		entries = append(entries, rarEntry(h))
		return nil
	})
	return entries, err
}

func (s *rarSource) Walk(fn func(Entry, io.Reader) error) error {
	return s.each(func(h *rardecode.FileHeader, r io.Reader) error {
		e := rarEntry(h)
		if e.IsDir {
			return fn(e, nil)
		}
		return fn(e, r)
	})
}

func (s *rarSource) Close() error { return nil }

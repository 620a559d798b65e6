package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type Type int

const (
	TypeUnknown Type = iota
	TypeZip
	TypeRar
)

func (t Type) String() string {
	switch t {
	case TypeZip:
		return "zip"
	case TypeRar:
		return "rar"
	}
	return "unknown"
}

var ErrUnsupportedType = errors.New("unsupported archive type")

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	rarMagic      = []byte("Rar!\x1a\x07")
)

const sniffLen = 8

// DetectType accepts .zip and .rar uploads. The extension and the leading bytes
// must agree; a renamed file of another kind is rejected.
func DetectType(name string, head []byte) (Type, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".zip":
		if bytes.HasPrefix(head, zipMagic) || bytes.HasPrefix(head, zipEmptyMagic) {
			return TypeZip, nil
		}
	case ".rar":
		if bytes.HasPrefix(head, rarMagic) {
			return TypeRar, nil
		}
	default:
		return TypeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
	return TypeUnknown, fmt.Errorf("%w: content is not a %s archive", ErrUnsupportedType, strings.TrimPrefix(ext, "."))
}

// DetectFile sniffs the archive stored at path; name is the uploaded file name.
func DetectFile(path, name string) (Type, error) {
	f, err := os.Open(path)
	if err != nil {
		return TypeUnknown, err
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return TypeUnknown, err
	}
	return DetectType(name, head[:n])
}

package archive

import (
	"fmt"
	"path"
	"strings"
)

// PathSafetyError rejects a whole archive because one entry could land outside
// the extraction root.
type PathSafetyError struct {
	Entry  string
	Reason string
}

func (e *PathSafetyError) Error() string {
	return fmt.Sprintf("unsafe archive entry %q: %s", e.Entry, e.Reason)
}

// CleanEntryName normalizes separators and returns the entry's slash path relative
// to the extraction root. It returns "" for entries naming the root itself.
func CleanEntryName(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", &PathSafetyError{Entry: name, Reason: "contains NUL byte"}
	}

	norm := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(norm, "/") {
		return "", &PathSafetyError{Entry: name, Reason: "absolute path"}
	}
	if strings.Contains(norm, ":") {
		return "", &PathSafetyError{Entry: name, Reason: "drive or scheme prefix"}
	}
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return "", &PathSafetyError{Entry: name, Reason: "parent directory segment"}
		}
	}

	clean := path.Clean(norm)
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// CheckEntries validates every entry name before anything is written.
func CheckEntries(entries []Entry) error {
	for _, e := range entries {
		if e.Symlink {
			return &PathSafetyError{Entry: e.Name, Reason: "symbolic link"}
		}
		if _, err := CleanEntryName(e.Name); err != nil {
			return err
		}
	}
	return nil
}

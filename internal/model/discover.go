package model

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"motion/internal/constants"
)

var ErrNoDescriptor = errors.New("no model descriptor found")

// macMetadataDir holds the resource forks Finder adds to zips.
const macMetadataDir = "__MACOSX"

func isDescriptor(name string) bool {
	if strings.HasPrefix(name, "._") {
		return false
	}
	return strings.HasSuffix(strings.ToLower(name), constants.DescriptorSuffix)
}

// Discover returns the root-relative slash paths of every descriptor under root in
// lexicographic order, skipping macOS metadata (__MACOSX trees and ._ files). It
// returns ErrNoDescriptor when there are none.
func Discover(root string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == macMetadataDir {
			return fs.SkipDir
		}
		if !d.Type().IsRegular() || !isDescriptor(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		found = append(found, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNoDescriptor
	}
	sort.Strings(found)
	return found, nil
}

// Bundle is an extracted model tree: the active descriptor, every selectable
// descriptor and the active one's reference report.
type Bundle struct {
	Active string
	Models []string
	Report *Report
}

// Inspect discovers descriptors under root and validates the first one.
func Inspect(root string) (*Bundle, error) {
	models, err := Discover(root)
	if err != nil {
		return nil, err
	}

	report, err := Validate(root, models[0])
	if err != nil {
		return nil, err
	}
	return &Bundle{Active: models[0], Models: models, Report: report}, nil
}

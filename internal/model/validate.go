package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Descriptor is the subset of a Cubism model3.json the validator reads.
type Descriptor struct {
	Version        int            `json:"Version"`
	FileReferences FileReferences `json:"FileReferences"`
}

type FileReferences struct {
	Moc         string                 `json:"Moc"`
	Textures    []string               `json:"Textures"`
	Physics     string                 `json:"Physics,omitempty"`
	Pose        string                 `json:"Pose,omitempty"`
	DisplayInfo string                 `json:"DisplayInfo,omitempty"`
	UserData    string                 `json:"UserData,omitempty"`
	Expressions []ExpressionRef        `json:"Expressions,omitempty"`
	Motions     map[string][]MotionRef `json:"Motions,omitempty"`
}

type ExpressionRef struct {
	Name string `json:"Name"`
	File string `json:"File"`
}

type MotionRef struct {
	File  string `json:"File"`
	Sound string `json:"Sound,omitempty"`
}

// Reference is one file a descriptor declares, as written in the descriptor.
type Reference struct {
	Kind string
	File string
}

// References lists declared files in a stable order. Empty optional fields are
// skipped; motion groups are visited by name.
func (d *Descriptor) References() []Reference {
	fr := d.FileReferences
	refs := make([]Reference, 0, 2+len(fr.Textures)+len(fr.Expressions))

	if fr.Moc != "" {
		refs = append(refs, Reference{Kind: "moc", File: fr.Moc})
	}
	for _, t := range fr.Textures {
		refs = append(refs, Reference{Kind: "texture", File: t})
	}
	for _, opt := range []Reference{
		{Kind: "physics", File: fr.Physics},
		{Kind: "pose", File: fr.Pose},
		{Kind: "display_info", File: fr.DisplayInfo},
		{Kind: "user_data", File: fr.UserData},
	} {
		if opt.File != "" {
			refs = append(refs, opt)
		}
	}
	for _, e := range fr.Expressions {
		if e.File != "" {
			refs = append(refs, Reference{Kind: "expression", File: e.File})
		}
	}

	groups := make([]string, 0, len(fr.Motions))
	for g := range fr.Motions {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		for _, m := range fr.Motions[g] {
			if m.File != "" {
				refs = append(refs, Reference{Kind: "motion", File: m.File})
			}
			if m.Sound != "" {
				refs = append(refs, Reference{Kind: "sound", File: m.Sound})
			}
		}
	}
	return refs
}

// DescriptorError means the descriptor itself could not be read or parsed.
type DescriptorError struct {
	Path string
	Err  error
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("invalid model descriptor %s: %v", e.Path, e.Err)
}

func (e *DescriptorError) Unwrap() error { return e.Err }

// ValidationError lists every declared file that is missing from the bundle.
type ValidationError struct {
	Descriptor string
	Missing    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("model %s references %d missing file(s): %s",
		e.Descriptor, len(e.Missing), strings.Join(e.Missing, ", "))
}

type Report struct {
	Descriptor string
	Checked    int
	Missing    []string
}

func LoadDescriptor(root, rel string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, &DescriptorError{Path: rel, Err: err}
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &DescriptorError{Path: rel, Err: err}
	}
	return &d, nil
}

// Validate checks that every file the descriptor at rel declares exists under root.
// Paths resolve against the descriptor's directory; a path that leaves root counts
// as missing. Missing entries are root-relative slash paths, all of them, in
// declaration order.
func Validate(root, rel string) (*Report, error) {
	d, err := LoadDescriptor(root, rel)
	if err != nil {
		return nil, err
	}

	report := &Report{Descriptor: rel}
	seen := make(map[string]bool)
	miss := func(p string) {
		if !seen[p] {
			seen[p] = true
			report.Missing = append(report.Missing, p)
		}
	}

	if d.FileReferences.Moc == "" {
		miss("FileReferences.Moc (not declared)")
	}
	if len(d.FileReferences.Textures) == 0 {
		miss("FileReferences.Textures (not declared)")
	}

	base := path.Dir(rel)
	for _, ref := range d.References() {
		report.Checked++
		target, ok := resolve(base, ref.File)
		if !ok {
			miss(target)
			continue
		}
		fi, err := os.Stat(filepath.Join(root, filepath.FromSlash(target)))
		if err != nil || !fi.Mode().IsRegular() {
			miss(target)
		}
	}

	if len(report.Missing) > 0 {
		return report, &ValidationError{Descriptor: rel, Missing: report.Missing}
	}
	return report, nil
}

// resolve joins a declared file onto the descriptor's directory. ok is false when
// the result would leave the bundle root.
func resolve(base, file string) (string, bool) {
	norm := strings.ReplaceAll(file, `\`, "/")
	if strings.HasPrefix(norm, "/") || strings.Contains(norm, ":") {
		return norm, false
	}
	joined := path.Join(base, norm)
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return joined, false
	}
	return joined, true
}

package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func writeDescriptor(t *testing.T, root, rel string, refs FileReferences) {
	t.Helper()
	data, err := json.Marshal(Descriptor{Version: 3, FileReferences: refs})
	require.NoError(t, err)
	writeFile(t, root, rel, string(data))
}

func TestDiscover_SortedAndNested(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "zeta/zeta.model3.json", "{}")
	writeFile(t, root, "alpha/alpha.model3.json", "{}")
	writeFile(t, root, "alpha/extra/B.Model3.JSON", "{}")
	writeFile(t, root, "alpha/alpha.physics3.json", "{}")

	got, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha/alpha.model3.json", "alpha/extra/B.Model3.JSON", "zeta/zeta.model3.json"}, got)
}

func TestDiscover_SkipsMacMetadata(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "__MACOSX/._foo.model3.json", "\x00\x05\x16\x07")
	writeFile(t, root, "__MACOSX/mymodel/._foo.model3.json", "\x00\x05\x16\x07")
	writeFile(t, root, "mymodel/._foo.model3.json", "\x00\x05\x16\x07")
	writeFile(t, root, "mymodel/foo.model3.json", "{}")

	got, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"mymodel/foo.model3.json"}, got)
}

func TestDiscover_OnlyMacMetadata(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "__MACOSX/._foo.model3.json", "\x00\x05\x16\x07")

	_, err := Discover(root)
	assert.ErrorIs(t, err, ErrNoDescriptor)
}

func TestDiscover_None(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "readme.txt", "nothing here")

	_, err := Discover(root)
	assert.ErrorIs(t, err, ErrNoDescriptor)
}

func TestValidate_RoundTrip(t *testing.T) {
	root := t.TempDir()
	const n = 4
	refs := FileReferences{Moc: "hiyori.moc3"}
	for i := 0; i < n; i++ {
		tex := filepath.ToSlash(filepath.Join("hiyori.2048", "texture_0"+string(rune('0'+i))+".png"))
		refs.Textures = append(refs.Textures, tex)
		writeFile(t, root, "hiyori/"+tex, "png")
	}
	writeFile(t, root, "hiyori/hiyori.moc3", "moc")
	writeDescriptor(t, root, "hiyori/hiyori.model3.json", refs)
	writeDescriptor(t, root, "other/other.model3.json", FileReferences{})

	b, err := Inspect(root)
	require.NoError(t, err)
	assert.Equal(t, "hiyori/hiyori.model3.json", b.Active)
	assert.Equal(t, []string{"hiyori/hiyori.model3.json", "other/other.model3.json"}, b.Models)
	assert.Empty(t, b.Report.Missing)
	assert.Equal(t, n+1, b.Report.Checked)
}

func TestValidate_MissingTextureListedWhileMocExists(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "m/m.moc3", "moc")
	writeFile(t, root, "m/tex/0.png", "png")
	writeDescriptor(t, root, "m/m.model3.json", FileReferences{
		Moc:      "m.moc3",
		Textures: []string{"tex/0.png", "tex/1.png"},
	})

	report, err := Validate(root, "m/m.model3.json")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"m/tex/1.png"}, ve.Missing)
	assert.Equal(t, ve.Missing, report.Missing)
	assert.Contains(t, err.Error(), "m/tex/1.png")
}

func TestValidate_ListsEveryMissingReference(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.moc3", "moc")
	writeFile(t, root, "motions/idle.motion3.json", "{}")
	writeDescriptor(t, root, "a.model3.json", FileReferences{
		Moc:         "a.moc3",
		Textures:    []string{"t0.png", "t0.png", "t1.png"},
		Physics:     "a.physics3.json",
		Pose:        "a.pose3.json",
		DisplayInfo: "a.cdi3.json",
		UserData:    "a.userdata3.json",
		Expressions: []ExpressionRef{{Name: "smile", File: "exp/smile.exp3.json"}},
		Motions: map[string][]MotionRef{
			"TapBody": {{File: "motions/tap.motion3.json", Sound: "sounds/tap.wav"}},
			"Idle":    {{File: "motions/idle.motion3.json"}},
		},
	})

	_, err := Validate(root, "a.model3.json")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{
		"t0.png",
		"t1.png",
		"a.physics3.json",
		"a.pose3.json",
		"a.cdi3.json",
		"a.userdata3.json",
		"exp/smile.exp3.json",
		"motions/tap.motion3.json",
		"sounds/tap.wav",
	}, ve.Missing)
}

func TestValidate_ReferencesEscapingRootAreMissing(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "secret.png")
	writeFile(t, root, "m/m.moc3", "moc")
	writeDescriptor(t, root, "m/m.model3.json", FileReferences{
		Moc:      "m.moc3",
		Textures: []string{"../../secret.png", outside, `C:\tex.png`},
	})

	_, err := Validate(root, "m/m.model3.json")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Missing, 3)
	assert.Equal(t, "../secret.png", ve.Missing[0])
}

func TestValidate_BackslashReferences(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "m/m.moc3", "moc")
	writeFile(t, root, "m/tex/0.png", "png")
	writeDescriptor(t, root, "m/m.model3.json", FileReferences{Moc: "m.moc3", Textures: []string{`tex\0.png`}})

	_, err := Validate(root, "m/m.model3.json")
	assert.NoError(t, err)
}

func TestValidate_DirectoryIsNotAFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "m.moc3"), 0o755))
	writeFile(t, root, "t.png", "png")
	writeDescriptor(t, root, "m.model3.json", FileReferences{Moc: "m.moc3", Textures: []string{"t.png"}})

	_, err := Validate(root, "m.model3.json")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"m.moc3"}, ve.Missing)
}

func TestValidate_RequiredFieldsUndeclared(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, root, "m.model3.json", FileReferences{})

	_, err := Validate(root, "m.model3.json")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Missing, 2)
}

func TestValidate_UnparsableDescriptor(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "m.model3.json", "{not json")

	_, err := Validate(root, "m.model3.json")
	var de *DescriptorError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "m.model3.json", de.Path)
}

package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "projects"), nil)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }
	return s
}

func stage(t *testing.T, s *FileStore, id string, files ...string) {
	t.Helper()
	staging, err := s.StagingDir(id)
	require.NoError(t, err)
	for _, f := range files {
		p := filepath.Join(staging, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0o644))
	}
}

func TestManifestNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Manifest("demo")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidProjectID(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"", "..", "a/b", "../etc"} {
		_, err := s.Manifest(id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
		_, err = s.StagingDir(id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func TestCommitPromotesStagingAndWritesManifest(t *testing.T) {
	s := newStore(t)
	stage(t, s, "demo", "a/a.model3.json", "a/a.moc3")

	m, err := s.Commit("demo", "a/a.model3.json", []string{"a/a.model3.json"})
	require.NoError(t, err)
	assert.Equal(t, "demo", m.ProjectID)

	got, err := s.Manifest("demo")
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.Equal(t, time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC), got.UpdatedAt)

	live, _ := s.ModelDir("demo")
	assert.FileExists(t, filepath.Join(live, "a", "a.moc3"))
	staging, _ := s.StagingDir("demo")
	assert.NoDirExists(t, staging)
	assert.NoDirExists(t, live+".old")

	entries, err := os.ReadDir(filepath.Join(s.Root(), "demo"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestCommitReplacesPreviousTree(t *testing.T) {
	s := newStore(t)
	stage(t, s, "demo", "old/old.model3.json")
	_, err := s.Commit("demo", "old/old.model3.json", []string{"old/old.model3.json"})
	require.NoError(t, err)

	stage(t, s, "demo", "new/new.model3.json")
	_, err = s.Commit("demo", "new/new.model3.json", []string{"new/new.model3.json"})
	require.NoError(t, err)

	live, _ := s.ModelDir("demo")
	assert.NoFileExists(t, filepath.Join(live, "old", "old.model3.json"))
	assert.FileExists(t, filepath.Join(live, "new", "new.model3.json"))

	m, err := s.Manifest("demo")
	require.NoError(t, err)
	assert.Equal(t, "new/new.model3.json", m.ModelPath)
}

func TestCommitWithoutStagingKeepsLiveTree(t *testing.T) {
	s := newStore(t)
	stage(t, s, "demo", "a/a.model3.json")
	_, err := s.Commit("demo", "a/a.model3.json", []string{"a/a.model3.json"})
	require.NoError(t, err)

	_, err = s.Commit("demo", "b/b.model3.json", []string{"b/b.model3.json"})
	require.Error(t, err)

	live, _ := s.ModelDir("demo")
	assert.FileExists(t, filepath.Join(live, "a", "a.model3.json"))
	m, err := s.Manifest("demo")
	require.NoError(t, err)
	assert.Equal(t, "a/a.model3.json", m.ModelPath)
}

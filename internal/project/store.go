// Package project keeps each project's extracted model tree and its manifest of
// record under DATA_DIR/<project>/.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"motion/internal/constants"
	"motion/internal/logger"
	"motion/internal/security"
)

var (
	ErrNotFound  = errors.New("project manifest not found")
	ErrInvalidID = errors.New("invalid project id")
)

// Manifest is the durable record of the active model. Paths are slash paths
// relative to the project's model directory.
type Manifest struct {
	ProjectID string    `json:"projectId"`
	ModelPath string    `json:"modelPath"`
	ModelList []string  `json:"modelList"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type FileStore struct {
	root string
	now  func() time.Time
	log  *zap.Logger
}

func NewFileStore(root string, log *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{
		root: root,
		now:  time.Now,
		log:  logger.OrNop(log).Named("project"),
	}, nil
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) projectDir(id string) (string, error) {
	if !security.ValidateProjectID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.root, id), nil
}

// ModelDir is where the live model tree of a project lives.
func (s *FileStore) ModelDir(id string) (string, error) {
	dir, err := s.projectDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, constants.ModelDirName), nil
}

// StagingDir returns a fresh location for an upload to be extracted into before
// Commit. The project directory is created if needed.
func (s *FileStore) StagingDir(id string) (string, error) {
	dir, err := s.projectDir(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, constants.StagingDirName), nil
}

// Commit promotes the staging tree to the live model tree and records the manifest.
// Callers serialize commits per project. If the manifest cannot be written the
// previous tree is put back.
func (s *FileStore) Commit(id, modelPath string, modelList []string) (*Manifest, error) {
	dir, err := s.projectDir(id)
	if err != nil {
		return nil, err
	}
	staging := filepath.Join(dir, constants.StagingDirName)
	live := filepath.Join(dir, constants.ModelDirName)
	old := live + ".old"

	if err := os.RemoveAll(old); err != nil {
		return nil, err
	}
	hadLive := true
	if err := os.Rename(live, old); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("move previous model aside: %w", err)
		}
		hadLive = false
	}
	if err := os.Rename(staging, live); err != nil {
		if hadLive {
			os.Rename(old, live)
		}
		return nil, fmt.Errorf("promote staging: %w", err)
	}

	m := &Manifest{
		ProjectID: id,
		ModelPath: modelPath,
		ModelList: modelList,
		UpdatedAt: s.now().UTC(),
	}
	if err := writeJSONAtomic(filepath.Join(dir, constants.ManifestFileName), m); err != nil {
		os.RemoveAll(live)
		if hadLive {
			os.Rename(old, live)
		}
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if err := os.RemoveAll(old); err != nil {
		s.log.Warn("⚠️ Failed to remove previous model", zap.String("project", id), zap.Error(err))
	}
	s.log.Info("📦 Model committed", zap.String("project", id), zap.String("model", modelPath), zap.Int("models", len(modelList)))
	return m, nil
}

func (s *FileStore) Manifest(id string) (*Manifest, error) {
	dir, err := s.projectDir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, constants.ManifestFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// writeJSONAtomic writes to a temp file in the same directory and renames it over
// path, so readers see either the old or the new document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

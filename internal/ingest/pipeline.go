// Package ingest turns an uploaded model archive into a project's active model:
// spool, extract into staging, validate, then commit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"motion/internal/archive"
	"motion/internal/constants"
	"motion/internal/logger"
	"motion/internal/model"
	"motion/internal/project"
	"motion/internal/security"
	"motion/internal/stats"
)

var ErrUploadTooLarge = errors.New("upload exceeds size limit")

// Failure kinds reported to clients and recorded in stats.
const (
	KindInvalidProject      = "invalid_project"
	KindTooLarge            = "too_large"
	KindArchiveType         = "archive_type"
	KindPathSafety          = "path_safety"
	KindExtraction          = "extraction"
	KindManifestMissing     = "manifest_missing"
	KindManifestInvalid     = "manifest_invalid"
	KindReferenceValidation = "reference_validation"
	KindInternal            = "internal"
)

type Options struct {
	MaxUploadBytes  int64
	MaxExtractBytes int64
	MinFreeBytes    int64
	TempDir         string
}

type Pipeline struct {
	store *project.FileStore
	opts  Options
	stats *stats.Registry
	audit *security.AuditLogger
	log   *zap.Logger
	locks *keyedMutex
}

type Result struct {
	ProjectID string
	ModelPath string
	ModelList []string
	UpdatedAt time.Time
	Files     int
	Bytes     int64
}

func New(store *project.FileStore, opts Options, reg *stats.Registry, audit *security.AuditLogger, log *zap.Logger) *Pipeline {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = constants.DefaultMaxUploadBytes
	}
	if opts.MaxExtractBytes <= 0 {
		opts.MaxExtractBytes = constants.DefaultMaxExtractBytes
	}
	return &Pipeline{
		store: store,
		opts:  opts,
		stats: reg,
		audit: audit,
		log:   logger.OrNop(log).Named("ingest"),
		locks: newKeyedMutex(),
	}
}

// Ingest replaces the project's model with the contents of the archive read from r.
// Uploads to the same project run one at a time. On any failure the previously
// committed model and manifest are left untouched.
func (p *Pipeline) Ingest(ctx context.Context, projectID, filename, clientIP string, r io.Reader) (*Result, error) {
	res, err := p.ingest(ctx, projectID, filename, r)
	if err != nil {
		kind := Kind(err)
		p.stats.RecordUpload(projectID, kind, err.Error())
		p.audit.LogUploadRejected(clientIP, projectID, kind)
		p.log.Warn("⚠️ Upload rejected",
			zap.String("project", projectID),
			zap.String("file", filename),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return nil, err
	}

	p.stats.RecordUpload(projectID, "", res.ModelPath)
	p.log.Info("✅ Upload committed",
		zap.String("project", projectID),
		zap.String("model", res.ModelPath),
		zap.Int("files", res.Files),
		zap.Int64("bytes", res.Bytes),
	)
	return res, nil
}

func (p *Pipeline) ingest(ctx context.Context, projectID, filename string, r io.Reader) (*Result, error) {
	if !security.ValidateProjectID(projectID) {
		return nil, fmt.Errorf("%w: %q", project.ErrInvalidID, projectID)
	}

	unlock := p.locks.Lock(projectID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spooled, err := p.spool(r)
	if err != nil {
		return nil, err
	}
	defer os.Remove(spooled)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	staging, err := p.store.StagingDir(projectID)
	if err != nil {
		return nil, err
	}
	// a successful commit renames staging away, so this only cleans up failures
	defer os.RemoveAll(staging)

	extracted, err := archive.Extract(spooled, filename, staging, archive.Options{
		MaxBytes:     p.opts.MaxExtractBytes,
		MinFreeBytes: p.opts.MinFreeBytes,
	})
	if err != nil {
		return nil, err
	}

	bundle, err := model.Inspect(staging)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := p.store.Commit(projectID, bundle.Active, bundle.Models)
	if err != nil {
		return nil, err
	}

	return &Result{
		ProjectID: m.ProjectID,
		ModelPath: m.ModelPath,
		ModelList: m.ModelList,
		UpdatedAt: m.UpdatedAt,
		Files:     extracted.Files,
		Bytes:     extracted.Bytes,
	}, nil
}

// spool copies the upload to a temp file so the archive readers can seek.
func (p *Pipeline) spool(r io.Reader) (string, error) {
	f, err := os.CreateTemp(p.opts.TempDir, constants.UploadTempFilePrefix)
	if err != nil {
		return "", fmt.Errorf("create upload temp file: %w", err)
	}
	name := f.Name()

	n, err := io.Copy(f, io.LimitReader(r, p.opts.MaxUploadBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > p.opts.MaxUploadBytes {
		err = ErrUploadTooLarge
	}
	if err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// Kind classifies an Ingest error for clients and stats.
func Kind(err error) string {
	var (
		pse *archive.PathSafetyError
		ee  *archive.ExtractionError
		de  *model.DescriptorError
		ve  *model.ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, project.ErrInvalidID):
		return KindInvalidProject
	case errors.Is(err, ErrUploadTooLarge), errors.Is(err, archive.ErrTooLarge):
		return KindTooLarge
	case errors.Is(err, archive.ErrUnsupportedType):
		return KindArchiveType
	case errors.As(err, &pse), errors.Is(err, archive.ErrEscapesRoot):
		return KindPathSafety
	case errors.As(err, &ee), errors.Is(err, archive.ErrInsufficientSpace):
		return KindExtraction
	case errors.Is(err, model.ErrNoDescriptor):
		return KindManifestMissing
	case errors.As(err, &de):
		return KindManifestInvalid
	case errors.As(err, &ve):
		return KindReferenceValidation
	default:
		return KindInternal
	}
}

// Details returns the per-item detail list for err, if it carries one.
func Details(err error) []string {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return ve.Missing
	}
	var pse *archive.PathSafetyError
	if errors.As(err, &pse) {
		return []string{pse.Entry}
	}
	return nil
}

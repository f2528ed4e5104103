// Package ingest feeds documents from the documents directory and from
// uploads into the retrieval pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/ragchat/internal/config"
	"github.com/fyrsmithlabs/ragchat/internal/documents"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExistingDocumentID labels the result of re-ingesting the whole directory.
const ExistingDocumentID = "initial-ingestion"

var (
	// ErrUnsupportedType indicates an upload whose extension is not allowed.
	ErrUnsupportedType = documents.ErrUnsupportedType

	// ErrTooLarge indicates an upload above the size limit.
	ErrTooLarge = errors.New("file exceeds allowed size")
)

// Ingester stores documents, returning the number of chunks indexed.
type Ingester interface {
	Ingest(ctx context.Context, docs []documents.Document) (int, error)
}

// Loader reads documents from disk.
type Loader interface {
	Supports(ext string) bool
	LoadFile(ctx context.Context, path string) (documents.Document, error)
	LoadDir(ctx context.Context, dir string) ([]documents.Document, error)
}

// Result reports one ingestion.
type Result struct {
	DocumentPath  string `json:"document_path"`
	DocumentID    string `json:"document_id"`
	ChunksIndexed int    `json:"chunks_indexed"`
}

// Config holds the documents directory and upload rules.
type Config struct {
	Dir            string
	MaxUploadBytes int64
}

// ConfigFrom maps loaded settings to a Config.
func ConfigFrom(c config.DocumentsConfig) Config {
	return Config{
		Dir:            c.Path,
		MaxUploadBytes: int64(c.MaxUploadMB) * 1024 * 1024,
	}
}

// Service validates, saves and ingests documents. The loader decides
// which extensions are accepted.
type Service struct {
	cfg      Config
	loader   Loader
	ingester Ingester
	logger   *zap.Logger

	// recent holds paths written by uploads so the watcher skips them.
	mu     sync.Mutex
	recent map[string]time.Time
}

// NewService creates the service and makes sure the documents directory exists.
func NewService(cfg Config, loader Loader, ingester Ingester, logger *zap.Logger) (*Service, error) {
	if cfg.Dir == "" {
		return nil, &config.ConfigurationError{Key: "documents.path", Reason: "required"}
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, &config.ConfigurationError{Key: "documents.max_upload_mb", Reason: "must be positive"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating documents directory: %w", err)
	}
	return &Service{
		cfg:      cfg,
		loader:   loader,
		ingester: ingester,
		logger:   logger,
		recent:   make(map[string]time.Time),
	}, nil
}

// Dir returns the documents directory.
func (s *Service) Dir() string {
	return s.cfg.Dir
}

// IngestExisting re-ingests every supported file in the documents directory.
func (s *Service) IngestExisting(ctx context.Context) ([]Result, error) {
	docs, err := s.loader.LoadDir(ctx, s.cfg.Dir)
	if err != nil {
		return nil, err
	}
	n, err := s.ingester.Ingest(ctx, docs)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ingested documents directory",
		zap.String("dir", s.cfg.Dir),
		zap.Int("documents", len(docs)),
		zap.Int("chunks", n),
	)
	return []Result{{DocumentPath: s.cfg.Dir, DocumentID: ExistingDocumentID, ChunksIndexed: n}}, nil
}

// ValidateUpload checks extension and size before anything is written.
// A negative size means unknown; the limit is then enforced while copying.
func (s *Service) ValidateUpload(filename string, size int64) error {
	ext := filepath.Ext(filename)
	if ext == "" || !s.loader.Supports(ext) {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, filepath.Ext(filename))
	}
	if size > s.cfg.MaxUploadBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, s.cfg.MaxUploadBytes)
	}
	return nil
}

// IngestUpload validates an upload, saves it into the documents directory
// and ingests that file only.
func (s *Service) IngestUpload(ctx context.Context, filename string, size int64, r io.Reader) (*Result, error) {
	if err := s.ValidateUpload(filename, size); err != nil {
		return nil, err
	}

	dest, err := s.save(filename, r)
	if err != nil {
		return nil, err
	}

	n, err := s.IngestFile(ctx, dest)
	if err != nil {
		return nil, err
	}
	return &Result{
		DocumentPath:  dest,
		DocumentID:    strings.TrimSuffix(filepath.Base(dest), filepath.Ext(dest)),
		ChunksIndexed: n,
	}, nil
}

// IngestFile loads and ingests a single file.
func (s *Service) IngestFile(ctx context.Context, path string) (int, error) {
	doc, err := s.loader.LoadFile(ctx, path)
	if err != nil {
		return 0, err
	}
	n, err := s.ingester.Ingest(ctx, []documents.Document{doc})
	if err != nil {
		return 0, err
	}
	s.logger.Info("ingested document", zap.String("path", path), zap.Int("chunks", n))
	return n, nil
}

// save writes the upload under its base name, through a temp file and a
// rename so readers never see a partial file.
func (s *Service) save(filename string, r io.Reader) (string, error) {
	name := filepath.Base(filepath.Clean("/" + filepath.ToSlash(filename)))
	if name == "/" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		name = "upload-" + uuid.NewString() + documents.NormalizeExtension(filepath.Ext(filename))
	}
	dest := filepath.Join(s.cfg.Dir, name)

	tmp, err := os.CreateTemp(s.cfg.Dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("creating upload file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	written, err := io.Copy(tmp, io.LimitReader(r, s.cfg.MaxUploadBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if written > s.cfg.MaxUploadBytes {
		return "", fmt.Errorf("%w: limit %d bytes", ErrTooLarge, s.cfg.MaxUploadBytes)
	}

	s.markRecent(dest)
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("saving upload: %w", err)
	}
	return dest, nil
}

// recentTTL bounds how long an upload path is hidden from the watcher.
const recentTTL = time.Minute

func (s *Service) markRecent(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for p, at := range s.recent {
		if now.Sub(at) > recentTTL {
			delete(s.recent, p)
		}
	}
	s.recent[path] = now
}

// takeRecent reports whether path was just written by an upload and
// forgets it.
func (s *Service) takeRecent(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.recent[path]
	delete(s.recent, path)
	return ok && time.Since(at) <= recentTTL
}

// Package documents loads corpus files into plain-text documents.
package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnsupportedType is returned for files no loader handles.
var ErrUnsupportedType = errors.New("unsupported file type")

// Document is a loaded text block with its metadata. Metadata always
// carries "source", the path the document was read from.
type Document struct {
	Content  string
	Metadata map[string]any
}

// FileLoader converts one file into a document.
type FileLoader interface {
	Load(ctx context.Context, path string) (Document, error)
	SupportedExtensions() []string
}

// TextLoader loads UTF-8 text documents (.txt, .md).
type TextLoader struct{}

// NewTextLoader creates a new text document loader.
func NewTextLoader() *TextLoader {
	return &TextLoader{}
}

// Load reads a text document from the given path.
func (l *TextLoader) Load(_ context.Context, path string) (Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Content:  string(content),
		Metadata: map[string]any{"source": path},
	}, nil
}

// SupportedExtensions returns file extensions this loader handles.
func (l *TextLoader) SupportedExtensions() []string {
	return []string{".txt", ".md"}
}

// PDFLoader extracts PDF text through an HTTP extraction service that
// accepts the raw file on POST /parse and answers {"text", "error"}.
type PDFLoader struct {
	serviceURL string
	client     *http.Client
}

// NewPDFLoader creates a PDF loader bound to the extraction service URL.
func NewPDFLoader(serviceURL string) *PDFLoader {
	return &PDFLoader{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

// Load reads a PDF and returns its extracted text.
func (l *PDFLoader) Load(ctx context.Context, path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.serviceURL+"/parse", bytes.NewReader(data))
	if err != nil {
		return Document{}, err
	}
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := l.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("pdf extraction request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("pdf extraction: status %d", resp.StatusCode)
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Document{}, fmt.Errorf("pdf extraction response: %w", err)
	}
	if result.Error != "" {
		return Document{}, fmt.Errorf("pdf extraction: %s", result.Error)
	}

	return Document{
		Content:  result.Text,
		Metadata: map[string]any{"source": path},
	}, nil
}

// SupportedExtensions returns file extensions.
func (l *PDFLoader) SupportedExtensions() []string {
	return []string{".pdf"}
}

// DirectoryLoader dispatches files to loaders by extension.
type DirectoryLoader struct {
	loaders map[string]FileLoader
	allowed []string
	logger  *zap.Logger
}

// NewDirectoryLoader creates a loader for the allowed extensions. PDFs are
// only handled when extractorURL is set.
func NewDirectoryLoader(allowed []string, extractorURL string, logger *zap.Logger) *DirectoryLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DirectoryLoader{
		loaders: make(map[string]FileLoader),
		logger:  logger,
	}
	for _, ext := range allowed {
		d.allowed = append(d.allowed, NormalizeExtension(ext))
	}
	d.Register(NewTextLoader())
	if extractorURL != "" {
		d.Register(NewPDFLoader(extractorURL))
	}
	return d
}

// Register adds a loader for each of its extensions.
func (d *DirectoryLoader) Register(l FileLoader) {
	for _, ext := range l.SupportedExtensions() {
		d.loaders[NormalizeExtension(ext)] = l
	}
}

// Supports reports whether files with ext can be loaded.
func (d *DirectoryLoader) Supports(ext string) bool {
	ext = NormalizeExtension(ext)
	_, ok := d.loaders[ext]
	return ok && slices.Contains(d.allowed, ext)
}

// LoadFile loads a single file.
func (d *DirectoryLoader) LoadFile(ctx context.Context, path string) (Document, error) {
	ext := NormalizeExtension(filepath.Ext(path))
	if !d.Supports(ext) {
		return Document{}, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
	return d.loaders[ext].Load(ctx, path)
}

// LoadDir loads every supported file directly under dir, in name order.
// A missing directory yields no documents. Files that fail to load are
// logged and skipped.
func (d *DirectoryLoader) LoadDir(ctx context.Context, dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read documents directory: %w", err)
	}

	var docs []Document
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() || !d.Supports(filepath.Ext(entry.Name())) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		doc, err := d.LoadFile(ctx, path)
		if err != nil {
			d.logger.Warn("skipping document", zap.String("path", path), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}

	d.logger.Debug("loaded documents", zap.String("dir", dir), zap.Int("count", len(docs)))
	return docs, nil
}

// NormalizeExtension lowercases ext and ensures a leading dot.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

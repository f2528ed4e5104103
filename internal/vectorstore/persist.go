package vectorstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ArtifactName is the file the index is persisted to inside its directory.
const ArtifactName = "store.json"

// artifact is the on-disk form: three positionally aligned arrays.
type artifact struct {
	Documents []string    `json:"documents"`
	Metadatas []Metadata  `json:"metadatas"`
	Vectors   [][]float32 `json:"vectors"`
}

// errCorrupt marks an artifact that exists but cannot be used.
var errCorrupt = errors.New("corrupt index artifact")

// validate checks alignment and a uniform dimension. It returns the
// dimension, or 0 for an empty artifact.
func (a *artifact) validate(want int) (int, error) {
	n := len(a.Documents)
	if len(a.Metadatas) != n || len(a.Vectors) != n {
		return 0, fmt.Errorf("%w: misaligned arrays (documents=%d metadatas=%d vectors=%d)",
			errCorrupt, n, len(a.Metadatas), len(a.Vectors))
	}
	if n == 0 {
		return 0, nil
	}
	dim := len(a.Vectors[0])
	if dim == 0 {
		return 0, fmt.Errorf("%w: empty vector at position 0", errCorrupt)
	}
	if want > 0 && dim != want {
		return 0, fmt.Errorf("%w: dimension %d, configured %d", errCorrupt, dim, want)
	}
	for i, v := range a.Vectors {
		if len(v) != dim {
			return 0, fmt.Errorf("%w: vector %d has dimension %d, expected %d", errCorrupt, i, len(v), dim)
		}
	}
	for i := range a.Metadatas {
		if a.Metadatas[i] == nil {
			a.Metadatas[i] = Metadata{}
		}
	}
	return dim, nil
}

// readArtifact loads the artifact at path. A missing file returns
// (nil, nil); undecodable or invalid content wraps errCorrupt.
func readArtifact(path string, wantDim int) (*artifact, int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read index artifact: %w", err)
	}

	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	dim, err := a.validate(wantDim)
	if err != nil {
		return nil, 0, err
	}
	return &a, dim, nil
}

// writeArtifact replaces the artifact atomically: the content is written to
// a temp file in the same directory, synced, then renamed over path.
func writeArtifact(path string, a *artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode index artifact: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ArtifactName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp artifact: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize artifact: %w", err)
	}
	return nil
}

// quarantine moves a corrupt artifact aside so the next write does not
// destroy it.
func quarantine(path string) (string, error) {
	dest := path + ".corrupt"
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

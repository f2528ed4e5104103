package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, svc *Service) {
	t.Helper()
	w, err := NewWatcher(svc, 20*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
	})
}

func TestWatcher_IngestsNewFiles(t *testing.T) {
	svc, ing := newTestService(t, 1024)
	startWatcher(t, svc)

	path := filepath.Join(svc.Dir(), "new.md")
	require.NoError(t, os.WriteFile(path, []byte("Fresh content."), 0o600))

	require.Eventually(t, func() bool {
		return len(ing.sources()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{path}, ing.sources())
}

func TestWatcher_IgnoresUnsupportedAndHidden(t *testing.T) {
	svc, ing := newTestService(t, 1024)
	startWatcher(t, svc)

	require.NoError(t, os.WriteFile(filepath.Join(svc.Dir(), "data.csv"), []byte("a,b"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(svc.Dir(), ".hidden.txt"), []byte("x"), 0o600))
	marker := filepath.Join(svc.Dir(), "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("m"), 0o600))

	require.Eventually(t, func() bool {
		return len(ing.sources()) > 0
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{marker}, ing.sources())
}

func TestWatcher_IngestsOncePerPath(t *testing.T) {
	svc, ing := newTestService(t, 1024)
	startWatcher(t, svc)

	path := filepath.Join(svc.Dir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o600))
	require.Eventually(t, func() bool {
		return len(ing.sources()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o600))
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, ing.sources(), 1)
}

func TestWatcher_SkipsUploads(t *testing.T) {
	svc, ing := newTestService(t, 1024)
	startWatcher(t, svc)

	_, err := svc.IngestUpload(context.Background(), "up.txt", 2, strings.NewReader("up"))
	require.NoError(t, err)

	marker := filepath.Join(svc.Dir(), "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("m"), 0o600))
	require.Eventually(t, func() bool {
		return len(ing.sources()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{filepath.Join(svc.Dir(), "up.txt"), marker}, ing.sources())
}

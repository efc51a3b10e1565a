package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/executor"
	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/orchestrator"
)

type recordingWriter struct {
	mu    sync.Mutex
	saves [][]domain.ServiceDefinition
}

func (w *recordingWriter) SaveDefinitions(_ context.Context, defs []domain.ServiceDefinition) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.saves = append(w.saves, defs)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.saves)
}

func newCore(t *testing.T) *orchestrator.Core {
	t.Helper()
	core, err := orchestrator.New(executor.NewSimulated(), orchestrator.Config{}, logger.NewNop(), nil)
	require.NoError(t, err)
	return core
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

const twoServices = `
services:
  - name: db
  - name: web
    required_dependencies: [db]
`

func TestManifestReloader_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	writeFile(t, path, twoServices)
	core := newCore(t)
	store := &recordingWriter{}
	mr := NewManifestReloader(path, core, store, logger.NewNop(), 0, false, nil)

	res, err := mr.Reload(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"db", "web"}, res.Added)
	assert.Equal(t, 1, store.count())

	res, err = mr.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, 1, store.count(), "unchanged manifests are not persisted again")

	writeFile(t, path, "services:\n  - name: db\n")
	res, err = mr.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, res.Disabled)
	assert.Equal(t, res, mr.Last())
}

func TestManifestReloader_BrokenManifestKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	writeFile(t, path, twoServices)
	core := newCore(t)
	mr := NewManifestReloader(path, core, nil, logger.NewNop(), 0, false, nil)
	require.NoError(t, mr.Start(context.Background()))
	defer mr.Stop()

	writeFile(t, path, "services:\n  - name: a\n    required_dependencies: [a]\n")
	_, err := mr.Reload(context.Background())
	require.ErrorIs(t, err, domain.ErrInvalidConfiguration)
	assert.Len(t, core.DiscoverServices("*"), 2)
}

func TestManifestReloader_StartFailsOnMissingFile(t *testing.T) {
	mr := NewManifestReloader(filepath.Join(t.TempDir(), "missing.yaml"), newCore(t), nil, logger.NewNop(), 0, false, nil)
	assert.Error(t, mr.Start(context.Background()))
}

func TestManifestReloader_ManualTrigger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	writeFile(t, path, "services:\n  - name: db\n")
	core := newCore(t)
	trigger := make(chan struct{}, 1)
	mr := NewManifestReloader(path, core, nil, logger.NewNop(), time.Hour, false, trigger)
	require.NoError(t, mr.Start(context.Background()))
	defer mr.Stop()

	writeFile(t, path, twoServices)
	trigger <- struct{}{}

	require.Eventually(t, func() bool {
		return len(core.DiscoverServices("*")) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManifestReloader_WatchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	writeFile(t, path, "services:\n  - name: db\n")
	core := newCore(t)
	mr := NewManifestReloader(path, core, nil, logger.NewNop(), 0, true, nil)
	mr.debounce = 20 * time.Millisecond
	require.NoError(t, mr.Start(context.Background()))
	defer mr.Stop()

	writeFile(t, path, twoServices)

	require.Eventually(t, func() bool {
		_, ok := core.Registry().ID("web")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

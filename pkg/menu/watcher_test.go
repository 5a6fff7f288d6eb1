package menu

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCatalogFile(t *testing.T) {
	store := NewSQLStore(setupTestDB(t))
	path := filepath.Join(t.TempDir(), "menu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0600))

	n, err := LoadCatalogFile(context.Background(), store, path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = LoadCatalogFile(context.Background(), store, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCatalogWatcher_ReloadsOnWrite(t *testing.T) {
	store := NewSQLStore(setupTestDB(t))
	dir := t.TempDir()
	path := filepath.Join(dir, "menu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0600))

	logger, hook := test.NewNullLogger()
	w, err := NewCatalogWatcher(store, path, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("nodes: []"), 0600))

	updated := testCatalog + `
  - key: reports
    label: Reports
    path: /reports
    sort_order: 50
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))

	require.Eventually(t, func() bool {
		n, err := store.GetNodeByKey(context.Background(), "reports")
		return err == nil && n.SortOrder == 50
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}

	assert.NotEmpty(t, hook.AllEntries())
}

func TestCatalogWatcher_KeepsNodesOnBadCatalog(t *testing.T) {
	store := NewSQLStore(setupTestDB(t))
	path := filepath.Join(t.TempDir(), "menu.yaml")
	_, err := LoadCatalog(context.Background(), store, strings.NewReader(testCatalog))
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	w, err := NewCatalogWatcher(store, path, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("nodes: [oops"), 0600))

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "Failed to reload menu catalog" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	_, err = store.GetNodeByKey(context.Background(), "dashboard")
	assert.NoError(t, err)
}

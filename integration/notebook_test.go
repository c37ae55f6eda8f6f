package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timewinder-dev/notebook"
)

// TestNotebooks runs every notebook in testdata and checks each cell's
// expectation.
func TestNotebooks(t *testing.T) {
	testdataDir := filepath.Join("..", "testdata")

	err := filepath.Walk(testdataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".toml") {
			return nil
		}

		relPath, _ := filepath.Rel(testdataDir, path)
		testName := strings.TrimSuffix(relPath, ".toml")
		testName = strings.ReplaceAll(testName, string(filepath.Separator), "/")

		t.Run(testName, func(t *testing.T) {
			n, err := notebook.LoadFromFile(path)
			require.NoError(t, err, "Failed to load notebook")

			e, store, err := n.BuildEngine()
			require.NoError(t, err, "Failed to build engine")

			run, err := e.ExecuteAll(context.Background())
			require.NoError(t, err)
			require.NotNil(t, run)

			for _, m := range n.Check(store) {
				t.Errorf("%s", m)
			}

			stats := e.Statistics()
			t.Logf("Stats: %d evaluated, %d succeeded, %d failed, %d retried, %d skipped in %s",
				stats.Executed, stats.Succeeded, stats.Failed, stats.Retried, stats.Skipped, run.Duration)
			assert.Zero(t, e.Queue().ExecutingCount())
			assert.Zero(t, e.Queue().PendingCount())
		})
		return nil
	})
	require.NoError(t, err, "Error walking testdata directory")
}

package console

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryFilePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "history")
	assert.Equal(t, abs, historyFilePath(abs))

	home, err := os.UserHomeDir()
	if err == nil {
		assert.Equal(t, filepath.Join(home, defaultHistoryFileName), historyFilePath(""))
	}
}

func TestLoadHistory_DedupKeepsNewest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history")
	require.NoError(t, os.WriteFile(path, []byte("get A\n\nls B\nget A\n  \nset A 1\n"), 0600))

	assert.Equal(t, []string{"ls B", "get A", "set A 1"}, loadHistory(path))
	assert.Empty(t, loadHistory(filepath.Join(t.TempDir(), "missing")))
}

func TestCompactHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history")
	lines := make([]string, 0, maxHistorySize+10)
	for i := 0; i < maxHistorySize+10; i++ {
		lines = append(lines, fmt.Sprintf("get Meter/%d", i))
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	compactHistory(path)

	history := loadHistory(path)
	assert.Len(t, history, maxHistorySize)
	assert.Equal(t, lines[len(lines)-1], history[len(history)-1])

	// ファイルが無ければ作らない
	missing := filepath.Join(t.TempDir(), "none")
	compactHistory(missing)
	_, err := os.Stat(missing)
	assert.True(t, os.IsNotExist(err))
}

package cli

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// isolate points config and cache at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SPEEDY_DB_PATH", filepath.Join(dir, "data", "feeds.db"))
	t.Setenv("SPEEDY_LOG_LEVEL", "error")
	return filepath.Join(dir, "config.toml")
}

func TestRootCmd_Help(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "speedyreader")
	for _, name := range []string{"serve", "refresh", "add", "import", "export", "feeds", "articles", "delete", "summarize", "bookmark", "compact"} {
		assert.Contains(t, out, name)
	}
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	_, err := execute(t, "nonexistent-command")
	assert.Error(t, err)
}

func TestFeeds_EmptyCache(t *testing.T) {
	cfgPath := isolate(t)

	out, err := execute(t, "--config", cfgPath, "feeds")
	require.NoError(t, err)
	assert.Contains(t, out, "TITLE")
	assert.FileExists(t, cfgPath)
}

func TestAddThenArticles(t *testing.T) {
	cfgPath := isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>Local</title>`+
			`<item><guid>1</guid><title>Hello there</title><link>https://example.com/1</link></item>`+
			`</channel></rss>`)
	}))
	defer srv.Close()

	out, err := execute(t, "--config", cfgPath, "add", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `Subscribed to "Local"`)

	_, err = execute(t, "--config", cfgPath, "add", srv.URL)
	assert.Error(t, err)

	out, err = execute(t, "--config", cfgPath, "articles", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Hello there")

	_, err = execute(t, "--config", cfgPath, "articles", "zero")
	assert.Error(t, err)
}

func TestSummarize_NotConfigured(t *testing.T) {
	cfgPath := isolate(t)
	t.Setenv("SPEEDY_CLAUDE_API_KEY", "")

	_, err := execute(t, "--config", cfgPath, "summarize", "abc")
	assert.ErrorContains(t, err, "invalid article id")

	_, err = execute(t, "--config", cfgPath, "summarize", "1")
	assert.Error(t, err)
}

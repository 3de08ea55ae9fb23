package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchfetch/internal/api"
	"github.com/JakeFAU/batchfetch/internal/crawler"
)

// quietConfig keeps the watchdog from throttling on a busy test host.
const quietConfig = `
fetch:
  memory_threshold: 100
  retry_attempts: 0
memory:
  source: runtime
logging:
  development: false
  level: error
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("hello " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func decodeLines(t *testing.T, out string) []api.ResultView {
	t.Helper()
	var views []api.ResultView
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var v api.ResultView
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &v))
		views = append(views, v)
	}
	require.NoError(t, scanner.Err())
	return views
}

func TestFetchCommand_WritesJSONLines(t *testing.T) {
	t.Parallel()

	site := newTestSite(t)
	cfgPath := writeFile(t, "config.yaml", quietConfig)

	out, err := execute(t, "fetch", "--config", cfgPath, "--preserve-order", "--include-body",
		site.URL+"/a", site.URL+"/missing", site.URL+"/a#top")
	require.NoError(t, err)

	views := decodeLines(t, out)
	require.Len(t, views, 3)
	for i, v := range views {
		assert.Equal(t, i, v.Index)
	}
	assert.Equal(t, crawler.StatusSuccess, views[0].Status)
	assert.Equal(t, "hello /a", views[0].Body)
	assert.Equal(t, crawler.StatusFailure, views[1].Status)
	assert.Equal(t, http.StatusNotFound, views[1].StatusCode)
	assert.Equal(t, "http_status", views[1].ErrorKind)
	assert.Equal(t, crawler.StatusCached, views[2].Status)
	assert.True(t, views[2].Deduplicated)
	assert.Zero(t, views[2].Attempts)
}

func TestFetchCommand_ReadsURLFile(t *testing.T) {
	t.Parallel()

	site := newTestSite(t)
	cfgPath := writeFile(t, "config.yaml", quietConfig)
	list := writeFile(t, "urls.txt", "# seed list\n"+site.URL+"/one\n\n  "+site.URL+"/two  \n")

	out, err := execute(t, "fetch", "--config", cfgPath, "--file", list, site.URL+"/three")
	require.NoError(t, err)

	views := decodeLines(t, out)
	require.Len(t, views, 3)
	seen := map[string]bool{}
	for _, v := range views {
		assert.Equal(t, crawler.StatusSuccess, v.Status)
		assert.Empty(t, v.Body)
		seen[v.URL] = true
	}
	assert.True(t, seen[site.URL+"/one"])
	assert.True(t, seen[site.URL+"/two"])
	assert.True(t, seen[site.URL+"/three"])
}

func TestFetchCommand_RequiresURLs(t *testing.T) {
	t.Parallel()

	cfgPath := writeFile(t, "config.yaml", quietConfig)
	_, err := execute(t, "fetch", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no URLs given")
}

func TestFetchCommand_RejectsInvalidOverride(t *testing.T) {
	t.Parallel()

	cfgPath := writeFile(t, "config.yaml", quietConfig)
	_, err := execute(t, "fetch", "--config", cfgPath, "--concurrency", "20", "https://example.com")
	require.ErrorIs(t, err, crawler.ErrInvalidConfig)
}

func TestRootCommand_MissingConfigFile(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "fetch", "--config", filepath.Join(t.TempDir(), "absent.yaml"), "https://example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestReadURLList_Stdin(t *testing.T) {
	t.Parallel()

	urls, err := readURLList("-", strings.NewReader("https://a.test\n# skip\nhttps://b.test\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, urls)

	_, err = readURLList(filepath.Join(t.TempDir(), "absent.txt"), nil)
	require.Error(t, err)
}

func TestListenPort(t *testing.T) {
	newCmd := func() *cobra.Command {
		c := &cobra.Command{}
		c.Flags().Int("port", 0, "")
		return c
	}

	t.Setenv("PORT", "")
	assert.Equal(t, 8080, listenPort(newCmd(), 8080))

	t.Setenv("PORT", "9999")
	assert.Equal(t, 9999, listenPort(newCmd(), 8080))

	withFlag := newCmd()
	require.NoError(t, withFlag.Flags().Set("port", "7000"))
	assert.Equal(t, 7000, listenPort(withFlag, 7000))
}

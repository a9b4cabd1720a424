package devserver

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func get(t *testing.T, url string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for key, value := range header {
		req.Header.Set(key, value)
	}

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestStaticFiles(t *testing.T) {
	root := writeSite(t, map[string]string{
		"index.html":      "<html><body><h1>Home</h1></body></html>",
		"docs/index.html": "<html><body>Docs</body></html>",
		"js/app.js":       "console.log('plain')",
		"js/app.js.br":    "compressed-bytes",
	})
	server := httptest.NewServer(New(Options{Root: root, LiveReload: true}, nopLogger()).Handler())
	defer server.Close()

	t.Run("Should inject the livereload client into HTML", func(t *testing.T) {
		resp, body := get(t, server.URL+"/", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "<html><body><h1>Home</h1>"+liveReloadTag+"</body></html>", body)
	})

	t.Run("Should leave other files untouched", func(t *testing.T) {
		resp, body := get(t, server.URL+"/js/app.js", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "console.log('plain')", body)
		assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	})

	t.Run("Should serve the brotli variant when accepted", func(t *testing.T) {
		resp, body := get(t, server.URL+"/js/app.js", map[string]string{"Accept-Encoding": "gzip, br"})
		assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
		assert.Equal(t, "compressed-bytes", body)
		assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")

		resp, body = get(t, server.URL+"/js/app.js", map[string]string{"Accept-Encoding": "br;q=0"})
		assert.Empty(t, resp.Header.Get("Content-Encoding"))
		assert.Equal(t, "console.log('plain')", body)
	})

	t.Run("Should redirect directories without a trailing slash", func(t *testing.T) {
		resp, _ := get(t, server.URL+"/docs", nil)
		assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
		assert.Equal(t, "/docs/", resp.Header.Get("Location"))

		resp, body := get(t, server.URL+"/docs/", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "Docs")
	})

	t.Run("Should return 404 for missing files", func(t *testing.T) {
		resp, _ := get(t, server.URL+"/missing.css", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Should set the security headers", func(t *testing.T) {
		resp, _ := get(t, server.URL+"/js/app.js", nil)
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	})

	t.Run("Should serve the client script", func(t *testing.T) {
		resp, body := get(t, server.URL+"/livereload.js", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "EventSource('/livereload')")
	})
}

func TestStaticFilesWithoutLiveReload(t *testing.T) {
	root := writeSite(t, map[string]string{
		"index.html":    "<html><body>Home</body></html>",
		"index.html.br": "compressed-html",
	})
	server := httptest.NewServer(New(Options{Root: root}, nopLogger()).Handler())
	defer server.Close()

	t.Run("Should not inject anything", func(t *testing.T) {
		_, body := get(t, server.URL+"/index.html", nil)
		assert.Equal(t, "<html><body>Home</body></html>", body)
	})

	t.Run("Should serve precompressed HTML", func(t *testing.T) {
		resp, body := get(t, server.URL+"/index.html", map[string]string{"Accept-Encoding": "br"})
		assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
		assert.Equal(t, "compressed-html", body)
	})

	t.Run("Should not register the livereload endpoints", func(t *testing.T) {
		resp, _ := get(t, server.URL+"/livereload.js", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestLargeHTMLPassesThrough(t *testing.T) {
	page := "<html><body>" + strings.Repeat("a", maxInjectBytes+1) + "</body></html>"
	root := writeSite(t, map[string]string{"big.html": page})
	server := httptest.NewServer(New(Options{Root: root, LiveReload: true}, nopLogger()).Handler())
	defer server.Close()

	_, body := get(t, server.URL+"/big.html", nil)
	assert.Equal(t, page, body)
}

func TestAcceptsBrotli(t *testing.T) {
	cases := map[string]bool{
		"":                  false,
		"gzip":              false,
		"br":                true,
		"gzip, deflate, br": true,
		"br;q=0.5":          true,
		"br;q=0":            false,
		"br; q=0.0":         false,
		"brotli":            false,
	}

	for header, expected := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Encoding", header)
		assert.Equal(t, expected, acceptsBrotli(req), "Accept-Encoding: %q", header)
	}
}

func TestStart(t *testing.T) {
	var opened []string
	original := openURL
	openURL = func(url string) error {
		opened = append(opened, url)
		return nil
	}
	t.Cleanup(func() { openURL = original })

	root := writeSite(t, map[string]string{"index.html": "<html><body>Home</body></html>"})

	t.Run("Should serve and open the browser", func(t *testing.T) {
		server := New(Options{Root: root, Host: "127.0.0.1", LiveReload: true, Open: "./index.html"}, nopLogger())
		require.NoError(t, server.Start())
		defer server.Shutdown(context.Background())

		require.Len(t, opened, 1)
		assert.Equal(t, server.URL()+"/index.html", opened[0])

		_, body := get(t, server.URL()+"/index.html", nil)
		assert.Contains(t, body, liveReloadTag)
	})

	t.Run("Should report bind errors", func(t *testing.T) {
		first := New(Options{Root: root, Host: "127.0.0.1", NoBrowser: true}, nopLogger())
		require.NoError(t, first.Start())
		defer first.Shutdown(context.Background())

		port := first.listener.Addr().(*net.TCPAddr).Port
		second := New(Options{Root: root, Host: "127.0.0.1", Port: port, NoBrowser: true}, nopLogger())
		assert.Error(t, second.Start())
	})
}

func TestLiveReloadHub(t *testing.T) {
	t.Run("Should send the current hash and broadcasts to clients", func(t *testing.T) {
		root := writeSite(t, map[string]string{"index.html": "<html><body></body></html>"})
		devServer := New(Options{Root: root, LiveReload: true}, nopLogger())
		server := httptest.NewServer(devServer.Handler())
		defer server.Close()
		defer devServer.hub.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/livereload", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		reader := bufio.NewReader(resp.Body)
		readEvent := func() string {
			lines := []string{}
			for {
				line, err := reader.ReadString('\n')
				require.NoError(t, err)
				line = strings.TrimRight(line, "\n")
				if line == "" {
					return strings.Join(lines, "\n")
				}
				lines = append(lines, line)
			}
		}

		assert.Equal(t, ": connected", readEvent())
		assert.Contains(t, readEvent(), `data: {"hash":"`)

		devServer.Reload("abc123")
		assert.Equal(t, `data: {"hash":"abc123"}`, readEvent())
	})

	t.Run("Should ignore repeated hashes", func(t *testing.T) {
		hub := NewLiveReloadHub(nopLogger())
		client := &lrClient{ch: make(chan string, 8), done: make(chan struct{})}
		hub.clients[0] = client

		hub.Broadcast("a")
		hub.Broadcast("a")
		hub.Broadcast("")
		hub.Broadcast("b")

		assert.Equal(t, "a", <-client.ch)
		assert.Equal(t, "b", <-client.ch)
		assert.Len(t, client.ch, 0)
	})

	t.Run("Should drop clients that can't keep up", func(t *testing.T) {
		hub := NewLiveReloadHub(nopLogger())
		hub.clients[0] = &lrClient{ch: make(chan string), done: make(chan struct{})}

		hub.Broadcast("a")
		assert.Equal(t, 0, hub.Clients())
	})

	t.Run("Should reject clients after shutdown", func(t *testing.T) {
		hub := NewLiveReloadHub(nopLogger())
		client := &lrClient{ch: make(chan string, 1), done: make(chan struct{})}
		hub.clients[0] = client
		hub.Shutdown()

		_, open := <-client.done
		assert.False(t, open)

		rec := httptest.NewRecorder()
		hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livereload", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

// Package devserver serves build output during development. HTML pages get a livereload client
// injected which reloads the page whenever the watcher finishes a rebuild.
package devserver

import (
	"context"
	"errors"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"
	"github.com/muyo/sno"
	"github.com/pkg/browser"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/unrolled/secure"
)

// Options configures a Server
type Options struct {
	// Root is the directory to serve
	Root       string
	Host       string
	Port       int
	LiveReload bool
	// Open is the page opened in the browser once the server is listening. Relative to Root.
	Open      string
	NoBrowser bool
}

// Server is a static file server with livereload support
type Server struct {
	opts     Options
	logger   *zerolog.Logger
	hub      *LiveReloadHub
	http     *http.Server
	listener net.Listener
}

// openURL is replaced in tests
var openURL = browser.OpenURL

// New creates a server. Call Start to begin serving.
func New(opts Options, logger *zerolog.Logger) *Server {
	s := &Server{opts: opts, logger: logger}
	if opts.LiveReload {
		s.hub = NewLiveReloadHub(logger)
	}
	return s
}

type logPtr struct{}

func makeLogMiddleware(base *zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reqID := sno.New(0)
		logger := base.With().Str("req", reqID.String()).Logger()

		ctx := context.WithValue(r.Context(), logPtr{}, &logger)
		logger.Debug().Str("method", r.Method).Msg(r.URL.Path)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

func requestLog(ctx context.Context) *zerolog.Logger {
	return ctx.Value(logPtr{}).(*zerolog.Logger)
}

// Handler returns the complete middleware stack of the server
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	var static http.Handler = http.HandlerFunc(s.serveStatic)
	if s.hub != nil {
		r.Handle("/livereload", s.hub)
		r.HandleFunc("/livereload.js", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			_, _ = w.Write([]byte(LiveReloadScript))
		})
		static = injectLiveReload(static)
	}
	r.PathPrefix("/").Handler(static)

	sm := secure.New(secure.Options{
		IsDevelopment:      true,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
	})

	return sm.Handler(makeLogMiddleware(s.logger, r))
}

// acceptsBrotli reports whether the client listed br in Accept-Encoding without q=0
func acceptsBrotli(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		fields := strings.Split(part, ";")
		if strings.TrimSpace(fields[0]) != "br" {
			continue
		}

		for _, param := range fields[1:] {
			param = strings.TrimSpace(param)
			if !strings.HasPrefix(param, "q=") {
				continue
			}

			q, err := strconv.ParseFloat(param[2:], 64)
			if err != nil || q == 0 {
				return false
			}
		}
		return true
	}

	return false
}

func contentType(file string) string {
	ctype := mime.TypeByExtension(filepath.Ext(file))
	if ctype != "" {
		return ctype
	}

	detected, err := mimetype.DetectFile(file)
	if err != nil {
		return "application/octet-stream"
	}
	return detected.String()
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	urlPath := path.Clean("/" + r.URL.Path)
	file := filepath.Join(s.opts.Root, filepath.FromSlash(urlPath))

	info, err := os.Stat(file)
	if err == nil && info.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
			return
		}

		file = filepath.Join(file, "index.html")
		info, err = os.Stat(file)
	}
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	header := w.Header()
	header.Set("Content-Type", contentType(file))
	header.Set("Cache-Control", "no-cache")
	header.Add("Vary", "Accept-Encoding")

	servePath := file
	isHTML := strings.HasPrefix(header.Get("Content-Type"), "text/html")
	if acceptsBrotli(r) && !(isHTML && s.hub != nil) {
		if _, err := os.Stat(file + ".br"); err == nil {
			servePath = file + ".br"
			header.Set("Content-Encoding", "br")
		}
	}

	handle, err := os.Open(servePath)
	if err != nil {
		requestLog(r.Context()).Error().Err(err).Msgf("Failed to open %s", servePath)
		http.Error(w, "failed to open file", http.StatusInternalServerError)
		return
	}
	defer handle.Close()

	http.ServeContent(w, r, info.Name(), info.ModTime(), handle)
}

// Start binds the listener and serves in the background. Bind errors are returned immediately.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return eris.Wrapf(err, "failed to listen on %s", addr)
	}

	s.listener = listener
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		err := s.http.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Dev server stopped")
		}
	}()

	s.logger.Info().Msgf("Serving %s at %s", s.opts.Root, s.URL())

	if s.opts.Open != "" && !s.opts.NoBrowser {
		target := s.URL() + path.Clean("/"+filepath.ToSlash(s.opts.Open))
		err = openURL(target)
		if err != nil {
			s.logger.Warn().Err(err).Msgf("Failed to open %s in the browser", target)
		}
	}

	return nil
}

// URL returns the base URL the server is reachable at
func (s *Server) URL() string {
	host := s.opts.Host
	port := strconv.Itoa(s.opts.Port)
	if s.listener != nil {
		_, port, _ = net.SplitHostPort(s.listener.Addr().String())
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}

	return "http://" + net.JoinHostPort(host, port)
}

// Reload tells connected browsers that a new build with the given hash is available
func (s *Server) Reload(hash string) {
	if s.hub != nil {
		s.hub.Broadcast(hash)
	}
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Shutdown()
	}

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

package devserver

import (
	"bytes"
	"net/http"
	"strings"
)

const (
	liveReloadTag  = `<script async src="/livereload.js"></script>`
	maxInjectBytes = 512 * 1024
)

// injectLiveReload adds the livereload client to HTML responses produced by next
func injectLiveReload(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		injector := &liveReloadInjector{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(injector, r)
		injector.finalize()
	})
}

// liveReloadInjector buffers HTML responses up to maxInjectBytes and inserts the script tag before
// </body>. Everything else (and oversized pages) passes through untouched.
type liveReloadInjector struct {
	http.ResponseWriter
	statusCode    int
	buffer        []byte
	buffering     bool
	headerWritten bool
	passthrough   bool
}

func (l *liveReloadInjector) WriteHeader(code int) {
	l.statusCode = code
	if l.passthrough {
		l.writeHeader()
	}
}

func (l *liveReloadInjector) writeHeader() {
	if !l.headerWritten {
		l.ResponseWriter.WriteHeader(l.statusCode)
		l.headerWritten = true
	}
}

func (l *liveReloadInjector) Write(data []byte) (int, error) {
	if !l.passthrough && !l.buffering {
		header := l.ResponseWriter.Header()
		contentType := header.Get("Content-Type")
		isHTML := strings.Contains(contentType, "text/html")
		if !isHTML || header.Get("Content-Encoding") != "" || l.statusCode != http.StatusOK {
			l.passthrough = true
			l.writeHeader()
			return l.ResponseWriter.Write(data)
		}

		l.buffering = true
		l.buffer = make([]byte, 0, 64*1024)
	}

	if l.passthrough {
		return l.ResponseWriter.Write(data)
	}

	if len(l.buffer)+len(data) > maxInjectBytes {
		l.passthrough = true
		l.ResponseWriter.Header().Del("Content-Length")
		l.writeHeader()

		if len(l.buffer) > 0 {
			if _, err := l.ResponseWriter.Write(l.buffer); err != nil {
				return 0, err
			}
			l.buffer = nil
		}
		return l.ResponseWriter.Write(data)
	}

	l.buffer = append(l.buffer, data...)
	return len(data), nil
}

// finalize must be called after the wrapped handler returns
func (l *liveReloadInjector) finalize() {
	if l.passthrough || !l.buffering {
		l.writeHeader()
		return
	}

	modified := l.buffer
	idx := bytes.LastIndex(bytes.ToLower(modified), []byte("</body>"))
	if idx > -1 {
		modified = make([]byte, 0, len(l.buffer)+len(liveReloadTag))
		modified = append(modified, l.buffer[:idx]...)
		modified = append(modified, liveReloadTag...)
		modified = append(modified, l.buffer[idx:]...)
	}

	l.ResponseWriter.Header().Del("Content-Length")
	l.writeHeader()
	_, _ = l.ResponseWriter.Write(modified)
}

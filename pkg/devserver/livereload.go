package devserver

import (
	"bufio"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LiveReloadHub manages SSE clients waiting for build hashes
type LiveReloadHub struct {
	mu        sync.RWMutex
	nextID    int
	clients   map[int]*lrClient
	closed    bool
	lastHash  string
	heartbeat time.Duration
	logger    *zerolog.Logger
}

type lrClient struct {
	id   int
	ch   chan string
	done chan struct{}
}

// NewLiveReloadHub creates an empty hub. Clients receive the current hash as soon as they connect
// so the hub starts with a hash derived from its creation time.
func NewLiveReloadHub(logger *zerolog.Logger) *LiveReloadHub {
	return &LiveReloadHub{
		clients:   map[int]*lrClient{},
		lastHash:  strconv.FormatInt(time.Now().UnixNano(), 36),
		heartbeat: 30 * time.Second,
		logger:    logger,
	}
}

// ServeHTTP implements the SSE endpoint at /livereload
func (h *LiveReloadHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "livereload shutting down", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &lrClient{ch: make(chan string, 8), done: make(chan struct{})}
	h.mu.Lock()
	client.id = h.nextID
	h.nextID++
	h.clients[client.id] = client
	current := h.lastHash
	h.mu.Unlock()
	defer h.removeClient(client.id)

	bw := bufio.NewWriter(w)
	write := func(chunk string) bool {
		if _, err := bw.WriteString(chunk); err != nil {
			h.logger.Debug().Err(err).Msg("livereload write failed")
			return false
		}
		if err := bw.Flush(); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	greeting := ": connected\n\n"
	if current != "" {
		greeting += "data: {\"hash\":\"" + current + "\"}\n\n"
	}
	if !write(greeting) {
		return
	}

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.done:
			return
		case <-hb.C:
			if !write(": ping\n\n") {
				return
			}
		case hash := <-client.ch:
			if !write("data: {\"hash\":\"" + hash + "\"}\n\n") {
				return
			}
		}
	}
}

func (h *LiveReloadHub) removeClient(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.done)
	}
}

// Clients returns the number of connected clients
func (h *LiveReloadHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Broadcast sends hash to all clients. Repeated hashes are ignored and clients which can't keep
// up are dropped.
func (h *LiveReloadHub) Broadcast(hash string) {
	h.mu.Lock()
	if h.closed || hash == "" || hash == h.lastHash {
		h.mu.Unlock()
		return
	}

	h.lastHash = hash
	snapshot := make([]*lrClient, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	dropped := 0
	for _, c := range snapshot {
		select {
		case c.ch <- hash:
		default:
			dropped++
			h.removeClient(c.id)
		}
	}

	h.logger.Debug().Str("hash", hash).Int("clients", len(snapshot)).Int("dropped", dropped).Msg("livereload broadcast")
}

// Shutdown disconnects all clients and ignores future broadcasts
func (h *LiveReloadHub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}

	h.closed = true
	clients := h.clients
	h.clients = map[int]*lrClient{}
	h.mu.Unlock()

	for _, c := range clients {
		close(c.done)
	}
}

// LiveReloadScript is served at /livereload.js. It reloads the page whenever the hub announces a
// new hash.
const LiveReloadScript = `(() => {
  if (window.__ASSETPIPE_LR__) return;
  window.__ASSETPIPE_LR__ = true;
  function connect() {
    const es = new EventSource('/livereload');
    let current = null;
    es.onmessage = (e) => {
      try {
        const p = JSON.parse(e.data);
        if (current === null) { current = p.hash; return; }
        if (p.hash && p.hash !== current) {
          current = p.hash;
          if (p.hash.startsWith('error:')) { console.warn('[assetpipe] rebuild failed, keeping the last good build'); return; }
          location.reload();
        }
      } catch (_) {}
    };
    es.onerror = () => { es.close(); setTimeout(connect, 2000); };
  }
  connect();
})();`

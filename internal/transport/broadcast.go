package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

const (
	progressWriteWait  = 10 * time.Second
	progressChanSize   = 256
	progressPingPeriod = 30 * time.Second
)

// ProgressEvent is one push/pull transfer milestone, broadcast verbatim to
// every connected websocket client.
type ProgressEvent struct {
	Kind  string `json:"kind"` // "blob" | "chunk"
	Count int    `json:"count,omitempty"`
	Bytes int64  `json:"bytes,omitempty"`
}

// progressUpgrader allows any origin: the progress feed carries no secrets
// beyond what the bearer-auth'd REST endpoints already expose, and a sync
// server is typically reached over a private network or VPN.
var progressUpgrader = websocket.Upgrader{
	CheckOrigin:       func(_ *http.Request) bool { return true },
	EnableCompression: true,
}

// Broadcaster fans ProgressEvents out to every connected websocket client,
// adapted from the teacher's RepoSession broadcast loop (session.go) down to
// a single fire-and-forget event type instead of full repository deltas.
type Broadcaster struct {
	logger    *slog.Logger
	broadcast chan ProgressEvent

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBroadcaster starts the broadcast loop and returns a ready Broadcaster.
// Call Close to stop it.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		logger:    logger,
		broadcast: make(chan ProgressEvent, progressChanSize),
		clients:   map[*websocket.Conn]*sync.Mutex{},
		done:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

func (b *Broadcaster) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.broadcast:
			b.sendToAll(ev)
		}
	}
}

// notify queues ev for broadcast, dropping it if the channel is saturated
// rather than ever blocking the push/pull hot path on a slow client.
func (b *Broadcaster) notify(ev ProgressEvent) {
	select {
	case b.broadcast <- ev:
	default:
		b.logger.Warn("progress broadcast channel full, dropping event")
	}
}

func (b *Broadcaster) sendToAll(ev ProgressEvent) {
	b.mu.RLock()
	snapshot := make(map[*websocket.Conn]*sync.Mutex, len(b.clients))
	for c, mu := range b.clients {
		snapshot[c] = mu
	}
	b.mu.RUnlock()

	var failed []*websocket.Conn
	for conn, mu := range snapshot {
		mu.Lock()
		err := conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
		if err == nil {
			err = conn.WriteJSON(ev)
		}
		mu.Unlock()
		if err != nil {
			failed = append(failed, conn)
		}
	}
	if len(failed) == 0 {
		return
	}
	b.mu.Lock()
	for _, c := range failed {
		delete(b.clients, c)
		_ = c.Close()
	}
	b.mu.Unlock()
}

// handleWebSocket upgrades the request and registers the connection for
// broadcast until it disconnects.
func (b *Broadcaster) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("progress websocket upgrade failed", "err", err)
		return
	}

	writeMu := &sync.Mutex{}
	b.mu.Lock()
	b.clients[conn] = writeMu
	b.mu.Unlock()

	done := make(chan struct{})
	go b.readPump(conn, done)
	go b.writePump(conn, done, writeMu)
}

func (b *Broadcaster) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writePump(conn *websocket.Conn, done chan struct{}, writeMu *sync.Mutex) {
	ticker := time.NewTicker(progressPingPeriod)
	defer ticker.Stop()
	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
			if err == nil {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close stops the broadcast loop and disconnects every client, returning the
// combined close errors (if any) instead of losing all but the last one.
func (b *Broadcaster) Close() error {
	close(b.done)
	b.wg.Wait()
	b.mu.Lock()
	var err error
	for conn := range b.clients {
		err = multierr.Append(err, conn.Close())
	}
	b.clients = map[*websocket.Conn]*sync.Mutex{}
	b.mu.Unlock()
	return err
}

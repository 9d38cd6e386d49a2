package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qqbridge-project/qqbridge/internal/config"
)

// fakeBot is a websocket server whose behavior is chosen per accepted
// connection. It records every frame it receives.
type fakeBot struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	frames   []string
	accepted int
	paths    []string
	headers  []http.Header

	// handle serves the n-th accepted connection (0-based).
	handle func(n int, conn *websocket.Conn, bot *fakeBot)
}

func newFakeBot(t *testing.T, handle func(n int, conn *websocket.Conn, bot *fakeBot)) *fakeBot {
	t.Helper()
	fb := &fakeBot{t: t, handle: handle}
	upgrader := websocket.Upgrader{}
	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		n := fb.accepted
		fb.accepted++
		fb.paths = append(fb.paths, r.URL.Path)
		fb.headers = append(fb.headers, r.Header.Clone())
		fb.mu.Unlock()

		defer conn.Close()
		fb.handle(n, conn, fb)
	}))
	t.Cleanup(fb.server.Close)
	return fb
}

// read receives and records one frame.
func (fb *fakeBot) read(conn *websocket.Conn) (string, bool) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}
	fb.mu.Lock()
	fb.frames = append(fb.frames, string(data))
	fb.mu.Unlock()
	return string(data), true
}

func (fb *fakeBot) reply(conn *websocket.Conn, text string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (fb *fakeBot) frameCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.frames)
}

func (fb *fakeBot) recorded() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.frames...)
}

func (fb *fakeBot) acceptedCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.accepted
}

func (fb *fakeBot) botConfig() config.BotConfig {
	return config.BotConfig{
		URI:                  "ws" + strings.TrimPrefix(fb.server.URL, "http") + "/websocket",
		Name:                 "Survival",
		ResponseTimeoutSec:   2,
		ReconnectIntervalSec: 1,
	}
}

// countingDialer counts dial attempts. When fail is set every dial is
// refused without touching the network.
type countingDialer struct {
	inner Dialer
	dials atomic.Int32
	fail  atomic.Bool
}

func newCountingDialer() *countingDialer {
	return &countingDialer{inner: DefaultDialer()}
}

func (d *countingDialer) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	d.dials.Add(1)
	if d.fail.Load() {
		return nil, nil, &refusedError{}
	}
	return d.inner.DialContext(ctx, urlStr, h)
}

type refusedError struct{}

func (*refusedError) Error() string { return "connection refused" }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// fakeFlags records sync flag writes.
type fakeFlags struct {
	mu     sync.Mutex
	value  bool
	writes int
}

func (f *fakeFlags) SyncAllMessages() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *fakeFlags) SetSyncAllMessages(v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = v
	f.writes++
	return nil
}

package internal

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

type mockConn struct {
	id       string
	closed   bool
	sendErr  error
	received []Message
	mu       sync.Mutex
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *mockConn) Send(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, msg)
	return nil
}

func (m *mockConn) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockConn) getReceived() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.received...)
}

type recordingForwarder struct {
	frames [][]byte
	mu     sync.Mutex
}

func (f *recordingForwarder) Forward(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *recordingForwarder) getFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

type published struct {
	kind    Kind
	payload []byte
}

type recordingMirror struct {
	events []published
	mu     sync.Mutex
}

func (m *recordingMirror) Publish(kind Kind, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, published{kind: kind, payload: payload})
}

func (m *recordingMirror) getEvents() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.HandlerOptions{}.NewTextHandler(io.Discard))
}

type logBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func warnLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.HandlerOptions{Level: slog.LevelWarn}.NewTextHandler(w))
}

func newTestPeer(id string) (*Peer, *mockConn) {
	conn := &mockConn{id: id}
	return NewPeer(conn, AssemblyLimits{}), conn
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, rdb
}

package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/limits"
	"github.com/opd-ai/peerdrop/protocol"
	"github.com/opd-ai/peerdrop/transport"
)

// sessionLog collects session results from the server goroutine.
type sessionLog struct {
	mu      sync.Mutex
	results []SessionResult
	ch      chan SessionResult
}

func newSessionLog() *sessionLog {
	return &sessionLog{ch: make(chan SessionResult, 16)}
}

func (l *sessionLog) record(r SessionResult) {
	l.mu.Lock()
	l.results = append(l.results, r)
	l.mu.Unlock()
	l.ch <- r
}

func (l *sessionLog) next(t *testing.T) SessionResult {
	t.Helper()
	select {
	case r := <-l.ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session")
		return SessionResult{}
	}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

// startServer runs a server on loopback and stops it when the test ends.
func startServer(t *testing.T, cfg Config) (*Server, *sessionLog, <-chan error) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)

	log := newSessionLog()
	srv.OnSession(log.record)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()
	t.Cleanup(srv.Stop)

	require.Eventually(t, func() bool { return srv.State() == StateListening }, 2*time.Second, 5*time.Millisecond)
	return srv, log, errCh
}

// openSession dials srv, sends req and returns the connection and first response.
func openSession(t *testing.T, srv *Server, req protocol.Request) (*transport.Conn, protocol.Response) {
	t.Helper()
	raw, err := transport.Dial(context.Background(), srv.Addr().String(), time.Second)
	require.NoError(t, err)
	conn := transport.NewConn(raw, transport.ConnOptions{BufferSize: 32, IOTimeout: 5 * time.Second})
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, protocol.WriteRequest(conn, req))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	return conn, resp
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"file.txt": "x"})

	t.Run("bound", func(t *testing.T) {
		srv, err := New(context.Background(), Config{Addr: "127.0.0.1:0", Root: dir})
		require.NoError(t, err)
		defer srv.Stop()

		assert.Equal(t, StateBound, srv.State())
		assert.NotZero(t, srv.Addr().(*net.TCPAddr).Port)
		assert.Equal(t, limits.DefaultBufferSize, srv.cfg.BufferSize)
		assert.Equal(t, DefaultIOTimeout, srv.cfg.IOTimeout)
	})

	t.Run("root is a file", func(t *testing.T) {
		_, err := New(context.Background(), Config{Addr: "127.0.0.1:0", Root: filepath.Join(dir, "file.txt")})
		assert.ErrorIs(t, err, file.ErrNotDirectory)
	})

	t.Run("root missing", func(t *testing.T) {
		_, err := New(context.Background(), Config{Addr: "127.0.0.1:0", Root: filepath.Join(dir, "missing")})
		assert.ErrorIs(t, err, file.ErrNotDirectory)
	})

	t.Run("invalid buffer size", func(t *testing.T) {
		_, err := New(context.Background(), Config{Addr: "127.0.0.1:0", Root: dir, BufferSize: -1})
		assert.ErrorIs(t, err, limits.ErrBufferSize)
	})

	t.Run("address in use", func(t *testing.T) {
		first, err := New(context.Background(), Config{Addr: "127.0.0.1:0", Root: dir})
		require.NoError(t, err)
		defer first.Stop()

		_, err = New(context.Background(), Config{Addr: first.Addr().String(), Root: dir})
		assert.ErrorIs(t, err, transport.ErrBind)
	})
}

func TestServerLifecycle(t *testing.T) {
	srv, _, errCh := startServer(t, Config{Root: t.TempDir()})
	assert.Equal(t, StateListening, srv.State())

	assert.ErrorIs(t, srv.Serve(context.Background()), ErrAlreadyServing)

	srv.Stop()
	srv.Stop()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	assert.Equal(t, StateStopped, srv.State())
	assert.ErrorIs(t, srv.Serve(context.Background()), ErrServerClosed)

	_, err := transport.Dial(context.Background(), srv.Addr().String(), time.Second)
	assert.ErrorIs(t, err, transport.ErrConnect)
}

func TestServerStopBeforeServe(t *testing.T) {
	srv, err := New(context.Background(), Config{Addr: "127.0.0.1:0", Root: t.TempDir()})
	require.NoError(t, err)

	srv.Stop()
	assert.Equal(t, StateStopped, srv.State())
	assert.ErrorIs(t, srv.Serve(context.Background()), ErrServerClosed)
}

func TestServerContextCancelStops(t *testing.T) {
	srv, err := New(context.Background(), Config{Addr: "127.0.0.1:0", Root: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return srv.State() == StateListening }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	assert.Equal(t, StateStopped, srv.State())
}

func TestServerGet(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"docs/b.txt":   "bee",
		"docs/a/x.txt": "ex",
		"top.txt":      "top",
	})
	srv, log, _ := startServer(t, Config{Root: root, BufferSize: 2})

	dest, err := file.NewRoot(t.TempDir())
	require.NoError(t, err)

	conn, resp := openSession(t, srv, protocol.Get("/docs"))
	require.Equal(t, protocol.StatusOK, resp.Status)

	summary, err := file.Receive(context.Background(), conn, dest, file.ReceiveOptions{})
	require.NoError(t, err)

	var paths []string
	for _, f := range summary.Files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"a/x.txt", "b.txt"}, paths)

	content, err := os.ReadFile(filepath.Join(dest.Dir(), "a", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ex", string(content))

	result := log.next(t)
	assert.NoError(t, result.Err)
	assert.Equal(t, protocol.Get("/docs"), result.Request)
	assert.Equal(t, protocol.StatusOK, result.Status)
	assert.NotEmpty(t, result.ID)
	require.NotNil(t, result.Summary)
	assert.Equal(t, uint64(5), result.Summary.Bytes)
}

func TestServerGetFailures(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "a"})
	srv, log, _ := startServer(t, Config{Root: root})

	tests := []struct {
		name   string
		path   string
		status protocol.Status
	}{
		{name: "missing", path: "/missing.txt", status: protocol.StatusNotFound},
		{name: "escape", path: "/../etc/passwd", status: protocol.StatusPathEscape},
		{name: "relative escape", path: "../../x", status: protocol.StatusPathEscape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp := openSession(t, srv, protocol.Get(tt.path))
			assert.Equal(t, tt.status, resp.Status)

			result := log.next(t)
			assert.Error(t, result.Err)
			assert.Equal(t, tt.status, result.Status)
		})
	}

	// The server keeps serving after failed sessions.
	_, resp := openSession(t, srv, protocol.Get("a.txt"))
	assert.Equal(t, protocol.StatusOK, resp.Status)
}

func TestServerMalformedRequest(t *testing.T) {
	srv, log, _ := startServer(t, Config{Root: t.TempDir()})

	raw, err := transport.Dial(context.Background(), srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte{0x7F})
	require.NoError(t, err)

	resp, err := protocol.ReadResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusBadRequest, resp.Status)

	result := log.next(t)
	assert.ErrorIs(t, result.Err, protocol.ErrUnknownRequest)
	assert.Eventually(t, func() bool { return srv.State() == StateListening }, 2*time.Second, 5*time.Millisecond)
}

func TestServerUpload(t *testing.T) {
	root := t.TempDir()
	srv, log, _ := startServer(t, Config{Root: root, BufferSize: 3})

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"one.txt": "first", "sub/two.txt": "second"})
	entries, err := file.ListPath(src)
	require.NoError(t, err)

	conn, resp := openSession(t, srv, protocol.Upload())
	require.Equal(t, protocol.StatusOK, resp.Status)

	_, err = file.Send(context.Background(), conn, entries, file.SendOptions{})
	require.NoError(t, err)

	ack, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, ack.Status)
	assert.Contains(t, ack.Message, "2 files")

	content, err := os.ReadFile(filepath.Join(root, "sub", "two.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))

	result := log.next(t)
	assert.NoError(t, result.Err)
	assert.Equal(t, protocol.Upload(), result.Request)
}

func TestServerUploadPathEscapeWritesNothing(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	require.NoError(t, os.Mkdir(root, 0o755))
	srv, log, _ := startServer(t, Config{Root: root})

	conn, resp := openSession(t, srv, protocol.Upload())
	require.Equal(t, protocol.StatusOK, resp.Status)

	// A contained file ahead of the escaping one is rolled back with it.
	frame := []byte{0, 0, 0, 2}
	for _, f := range []struct{ path, data string }{
		{"good/first.txt", "good"},
		{"../escaped.txt", "evil"},
	} {
		frame = append(frame, 0, 0, 0, byte(len(f.path)))
		frame = append(frame, f.path...)
		frame = append(frame, 0, 0, 0, 0, 0, 0, 0, byte(len(f.data)))
		frame = append(frame, f.data...)
	}
	_, err := conn.Write(frame)
	require.NoError(t, err)

	ack, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPathEscape, ack.Status)

	result := log.next(t)
	assert.ErrorIs(t, result.Err, file.ErrPathEscape)
	assert.NoFileExists(t, filepath.Join(parent, "escaped.txt"))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServerUploadRefusesOverwrite(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"same.txt": "old"})
	srv, _, _ := startServer(t, Config{Root: root})

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"same.txt": "new"})
	entries, err := file.ListPath(filepath.Join(src, "same.txt"))
	require.NoError(t, err)

	conn, resp := openSession(t, srv, protocol.Upload())
	require.Equal(t, protocol.StatusOK, resp.Status)
	_, err = file.Send(context.Background(), conn, entries, file.SendOptions{})
	require.NoError(t, err)

	ack, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusExists, ack.Status)

	content, err := os.ReadFile(filepath.Join(root, "same.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(content))
}

func TestServerStopDoesNotPreemptSession(t *testing.T) {
	root := t.TempDir()
	// Larger than the socket buffers, so the session cannot finish before
	// the client reads.
	payload := make([]byte, 16<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), payload, 0o644))

	srv, err := New(context.Background(), Config{Addr: "127.0.0.1:0", Root: root, BufferSize: 64 * 1024})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()
	require.Eventually(t, func() bool { return srv.State() == StateListening }, 2*time.Second, 5*time.Millisecond)

	raw, err := transport.Dial(context.Background(), srv.Addr().String(), time.Second)
	require.NoError(t, err)
	conn := transport.NewConn(raw, transport.ConnOptions{BufferSize: 64 * 1024, IOTimeout: 10 * time.Second})
	defer conn.Close()

	require.NoError(t, protocol.WriteRequest(conn, protocol.Get("big.bin")))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, resp.Status)
	assert.Equal(t, StateServing, srv.State())

	cancel()

	dest, err := file.NewRoot(t.TempDir())
	require.NoError(t, err)
	summary, err := file.Receive(context.Background(), conn, dest, file.ReceiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), summary.Bytes)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the session finished")
	}
	assert.Equal(t, StateStopped, srv.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unbound", StateUnbound.String())
	assert.Equal(t, "bound", StateBound.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "serving", StateServing.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}

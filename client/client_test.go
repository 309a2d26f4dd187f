package client

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/limits"
	"github.com/opd-ai/peerdrop/protocol"
	"github.com/opd-ai/peerdrop/server"
	"github.com/opd-ai/peerdrop/transport"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

// readFiles returns every regular file below dir keyed by slash path.
func readFiles(t *testing.T, dir string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	require.NoError(t, err)
	return files
}

// startServer serves root on loopback until the test ends and returns its address.
func startServer(t *testing.T, cfg server.Config) string {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv, err := server.New(context.Background(), cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		srv.Stop()
		<-errCh
	})

	require.Eventually(t, func() bool { return srv.State() == server.StateListening }, 2*time.Second, 5*time.Millisecond)
	return srv.Addr().String()
}

func newClient(t *testing.T, dir, addr string, opts Options) *Client {
	t.Helper()
	if opts.IOTimeout == 0 {
		opts.IOTimeout = 5 * time.Second
	}
	c, err := New(dir, addr, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func upload(t *testing.T, c *Client, localPath string) (*file.Summary, error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.SendRequest(ctx, protocol.Upload()))
	return c.Send(ctx, localPath)
}

func download(t *testing.T, c *Client, remotePath string) (*file.Summary, error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	if err := c.SendRequest(ctx, protocol.Get(remotePath)); err != nil {
		return nil, err
	}
	return c.Download(ctx)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		opts     Options
		wantPort int
		wantErr  error
	}{
		{name: "ipv4 with port", addr: "127.0.0.1:9000", wantPort: 9000},
		{name: "default port", addr: "127.0.0.1", wantPort: transport.DefaultPort},
		{name: "ipv6 default port", addr: "2001:db8::1", wantPort: transport.DefaultPort},
		{name: "host name", addr: "example.com:80"},
		{name: "empty address", addr: ""},
		{name: "port zero", addr: "127.0.0.1:0"},
		{name: "buffer too large", addr: "127.0.0.1", opts: Options{BufferSize: limits.MaxBufferSize + 1}, wantErr: limits.ErrBufferSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(t.TempDir(), tt.addr, tt.opts)
			if tt.wantPort == 0 {
				require.Error(t, err)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPort, c.ServerAddr().Port)
			assert.Equal(t, StateUnconnected, c.State())
		})
	}
}

func TestOutOfOrderCallsPerformNoIO(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan int64, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			received <- -1
			return
		}
		defer conn.Close()
		n, _ := io.Copy(io.Discard, conn)
		received <- n
	}()

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "alpha"})
	c := newClient(t, src, ln.Addr().String(), Options{})
	ctx := context.Background()

	_, err = c.Send(ctx, ".")
	assert.ErrorIs(t, err, protocol.ErrInvalidState)
	_, err = c.Download(ctx)
	assert.ErrorIs(t, err, protocol.ErrInvalidState)
	assert.ErrorIs(t, c.SendRequest(ctx, protocol.Upload()), protocol.ErrInvalidState)
	assert.Equal(t, StateUnconnected, c.State())

	require.NoError(t, c.Connect(ctx))
	_, err = c.Send(ctx, ".")
	assert.ErrorIs(t, err, protocol.ErrInvalidState)
	_, err = c.Download(ctx)
	assert.ErrorIs(t, err, protocol.ErrInvalidState)
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Close())
	assert.Equal(t, StateUnconnected, c.State())

	select {
	case n := <-received:
		assert.Equal(t, int64(0), n)
	case <-time.After(5 * time.Second):
		t.Fatal("listener never saw the connection close")
	}
}

func TestTransferMustMatchRequest(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, server.Config{Root: root})

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "alpha"})
	c := newClient(t, src, addr, Options{})
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.SendRequest(ctx, protocol.Upload()))
	assert.ErrorIs(t, c.SendRequest(ctx, protocol.Upload()), protocol.ErrInvalidState)
	_, err := c.Download(ctx)
	assert.ErrorIs(t, err, protocol.ErrInvalidState)
	assert.Equal(t, StateRequestSent, c.State())

	_, err = c.Send(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, StateDone, c.State())
	assert.Equal(t, map[string]string{"a.txt": "alpha"}, readFiles(t, root))
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := newClient(t, t.TempDir(), addr, Options{DialTimeout: time.Second})
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrConnect)
	assert.Equal(t, StateUnconnected, c.State())
	assert.ErrorIs(t, c.SendRequest(context.Background(), protocol.Get("")), protocol.ErrInvalidState)
}

func TestConnectTwice(t *testing.T) {
	addr := startServer(t, server.Config{Root: t.TempDir()})
	c := newClient(t, t.TempDir(), addr, Options{})

	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
	assert.Equal(t, StateConnected, c.State())
}

func TestUploadThenDownloadRoundTrip(t *testing.T) {
	tree := map[string]string{
		"readme.md":           "# shared\n",
		"docs/guide.txt":      "step one\nstep two\n",
		"docs/deep/notes.txt": "nested",
		"empty.bin":           "",
	}

	for _, size := range []int{1, 16, 4096, 4097} {
		t.Run("buffer "+strconv.Itoa(size), func(t *testing.T) {
			root := t.TempDir()
			addr := startServer(t, server.Config{Root: root, BufferSize: size})

			src := t.TempDir()
			writeFiles(t, src, tree)
			up := newClient(t, src, addr, Options{BufferSize: size})
			sent, err := upload(t, up, ".")
			require.NoError(t, err)
			assert.Len(t, sent.Files, len(tree))
			assert.Equal(t, tree, readFiles(t, root))

			dst := t.TempDir()
			down := newClient(t, dst, addr, Options{BufferSize: size})
			got, err := download(t, down, "/")
			require.NoError(t, err)
			assert.Equal(t, StateDone, down.State())
			assert.Equal(t, tree, readFiles(t, dst))

			digests := make(map[string]string)
			for _, e := range sent.Files {
				digests[e.Path] = e.Digest
			}
			for _, e := range got.Files {
				assert.Equal(t, digests[e.Path], e.Digest, e.Path)
			}
		})
	}
}

func TestReconnectAfterDone(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"docs/guide.txt": "guide"})
	addr := startServer(t, server.Config{Root: root})

	dst := t.TempDir()
	c := newClient(t, dst, addr, Options{})

	_, err := download(t, c, "docs/guide.txt")
	require.NoError(t, err)
	assert.Equal(t, StateDone, c.State())

	// A second session on the same client fetches the directory.
	_, err = download(t, c, "docs")
	require.Error(t, err, "guide.txt already exists locally")
	assert.ErrorIs(t, err, file.ErrFileExists)
	assert.Equal(t, StateFailed, c.State())

	assert.Equal(t, map[string]string{"guide.txt": "guide"}, readFiles(t, dst))
}

func TestDownloadOverwrite(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "server copy"})
	addr := startServer(t, server.Config{Root: root})

	dst := t.TempDir()
	writeFiles(t, dst, map[string]string{"a.txt": "local copy"})

	c := newClient(t, dst, addr, Options{AllowOverwrite: true})
	_, err := download(t, c, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "server copy"}, readFiles(t, dst))
}

func TestRequestRefused(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "alpha"})
	addr := startServer(t, server.Config{Root: root})

	tests := []struct {
		name       string
		path       string
		wantStatus protocol.Status
		wantErr    error
	}{
		{name: "missing", path: "nope.txt", wantStatus: protocol.StatusNotFound, wantErr: protocol.ErrNotFound},
		{name: "parent escape", path: "../outside", wantStatus: protocol.StatusPathEscape, wantErr: file.ErrPathEscape},
		{name: "nested escape", path: "a/../../outside", wantStatus: protocol.StatusPathEscape, wantErr: file.ErrPathEscape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := t.TempDir()
			c := newClient(t, dst, addr, Options{})

			_, err := download(t, c, tt.path)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var statusErr *protocol.StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.wantStatus, statusErr.Status)
			assert.Equal(t, StateFailed, c.State())
			assert.Empty(t, readFiles(t, dst))

			// The failed session leaves the client able to start over.
			_, err = download(t, c, "a.txt")
			require.NoError(t, err)
		})
	}
}

func TestUploadRefusesOverwrite(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"same.txt": "old"})
	addr := startServer(t, server.Config{Root: root})

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"same.txt": "new"})
	c := newClient(t, src, addr, Options{})

	_, err := upload(t, c, "same.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, file.ErrFileExists)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, map[string]string{"same.txt": "old"}, readFiles(t, root))
}

func TestSendMissingLocalPath(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, server.Config{Root: root})
	c := newClient(t, t.TempDir(), addr, Options{})

	_, err := upload(t, c, "does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, file.ErrIO)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, StateFailed, c.State())
	assert.Empty(t, readFiles(t, root))
}

func TestDownloadProgress(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"one.txt": "1111", "two.txt": "22222222"})
	addr := startServer(t, server.Config{Root: root, BufferSize: 2})

	c := newClient(t, t.TempDir(), addr, Options{BufferSize: 2})

	var mu sync.Mutex
	final := make(map[string]file.Progress)
	c.OnProgress(func(p file.Progress) {
		mu.Lock()
		defer mu.Unlock()
		if p.Done {
			final[p.Path] = p
		}
	})

	_, err := download(t, c, "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, final, 2)
	assert.Equal(t, uint64(4), final["one.txt"].Transferred)
	assert.Equal(t, uint64(8), final["two.txt"].Transferred)
	assert.Equal(t, file.TransferDirectionIncoming, final["two.txt"].Direction)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unconnected", StateUnconnected.String())
	assert.Equal(t, "request-sent", StateRequestSent.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "State(42)", State(42).String())
}

package file

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerdrop/transport"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// writeTree creates files below dir from a map of slash paths to contents.
func writeTree(t testing.TB, dir string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

// newConnPair returns both ends of an in-memory connection.
func newConnPair(t testing.TB, bufferSize int) (*transport.Conn, *transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	opts := transport.ConnOptions{BufferSize: bufferSize, IOTimeout: 5 * time.Second}
	return transport.NewConn(a, opts), transport.NewConn(b, opts)
}

// rawHeader encodes a file header without validating the path.
func rawHeader(path string, size uint64) []byte {
	buf := make([]byte, 4+len(path)+8)
	binary.BigEndian.PutUint32(buf, uint32(len(path)))
	copy(buf[4:], path)
	binary.BigEndian.PutUint64(buf[4+len(path):], size)
	return buf
}

// rawCount encodes a file count.
func rawCount(n uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, n)
	return buf
}

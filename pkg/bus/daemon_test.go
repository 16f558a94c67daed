package bus

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestDaemonRefusesToStartWhenSocketExists(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")
	require.NoError(t, os.WriteFile(sock, []byte{}, 0o600))

	d := NewDaemon(sock, strings.NewReader(""), &strings.Builder{}, testLog())
	err := d.Run(nil)
	assert.ErrorIs(t, err, ErrSocketInUse)
}

func TestDaemonRelaysClientLinesToStdout(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")

	stdin, stdinWriter := io_Pipe()
	stdout := &syncBuffer{}

	d := NewDaemon(sock, stdin, stdout, testLog())
	stop := make(chan struct{})
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(stop) }()
	waitForSocket(t, sock)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"type":"status_request"}` + "\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "status_request")
	}, time.Second, 10*time.Millisecond)

	close(stop)
	stdinWriter.Close()
	<-runDone
}

func TestDaemonBroadcastsStdinToAllClients(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")

	stdin, stdinWriter := io_Pipe()
	stdout := &syncBuffer{}

	d := NewDaemon(sock, stdin, stdout, testLog())
	stop := make(chan struct{})
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(stop) }()
	waitForSocket(t, sock)

	connA, err := net.Dial("unix", sock)
	require.NoError(t, err)
	connB, err := net.Dial("unix", sock)
	require.NoError(t, err)

	// give the accept loop a moment to register both clients
	assert.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.clients) == 2
	}, time.Second, 10*time.Millisecond)

	_, err = stdinWriter.Write([]byte(`{"type":"status_response"}` + "\n"))
	require.NoError(t, err)

	assertReadsLine(t, connA, "status_response")
	assertReadsLine(t, connB, "status_response")

	close(stop)
	stdinWriter.Close()
	<-runDone
}

func TestDaemonExitsOnSocketDeletion(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")

	stdin, stdinWriter := io_Pipe()
	d := NewDaemon(sock, stdin, &syncBuffer{}, testLog())

	runDone := make(chan error, 1)
	start := time.Now()
	go func() { runDone <- d.Run(nil) }()
	waitForSocket(t, sock)

	require.NoError(t, os.Remove(sock))

	select {
	case <-runDone:
		assert.Less(t, time.Since(start), 3*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not exit within the handoff bound")
	}
	stdinWriter.Close()
}

func TestDaemonExitsWhenStdoutWriteFails(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")

	stdin, stdinWriter := io_Pipe()
	defer stdinWriter.Close()
	stdout := &failingWriter{err: io.ErrClosedPipe}

	d := NewDaemon(sock, stdin, stdout, testLog())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(nil) }()
	waitForSocket(t, sock)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"type":"status_request"}` + "\n"))
	require.NoError(t, err)

	select {
	case err := <-runDone:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not exit after a stdout write failure")
	}
}

// failingWriter always returns err, simulating the controller's end of
// the stdio pipe having gone away.
type failingWriter struct {
	err error
}

func (w *failingWriter) Write(p []byte) (int, error) {
	return 0, w.err
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func assertReadsLine(t *testing.T, conn net.Conn, contains string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, contains)
}

// syncBuffer is a minimal concurrency-safe io.Writer for capturing
// daemon stdout from multiple goroutines in tests.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func io_Pipe() (*os.File, *os.File) {
	r, w, err := os.Pipe()
	if err != nil {
		panic(err)
	}
	return r, w
}

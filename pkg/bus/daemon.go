package bus

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HandoffPollInterval and HandoffBound implement spec.md §4.2's
// "watch its own socket; if the file disappears ... exits within a
// small bounded interval (design value ≈ 2 s)".
const (
	HandoffPollInterval = 200 * time.Millisecond
	HandoffBound        = 2 * time.Second
)

// Daemon is the remote-side relay of spec.md §4.2 (C2): one persistent
// stdio channel to the controller, fan-out/fan-in to any number of
// Unix-domain socket clients. The existence of the socket file is
// itself the liveness signal (spec.md §3 "Bus daemon instance").
type Daemon struct {
	SocketPath string
	Stdin      io.Reader
	Stdout     io.Writer
	Log        *logrus.Entry

	mu      sync.Mutex
	clients map[net.Conn]struct{}

	stdoutErrOnce  sync.Once
	stdoutErr      chan struct{}
	stdoutErrValue error
}

// NewDaemon constructs a Daemon wired to the given stdio (normally
// os.Stdin/os.Stdout when running as the busd binary, or a
// transport.ProcessHandle's Stdout/Stdin when under test).
func NewDaemon(socketPath string, stdin io.Reader, stdout io.Writer, log *logrus.Entry) *Daemon {
	return &Daemon{
		SocketPath: socketPath,
		Stdin:      stdin,
		Stdout:     stdout,
		Log:        log,
		clients:    map[net.Conn]struct{}{},
		stdoutErr:  make(chan struct{}),
	}
}

// ErrSocketInUse is returned by Run when the socket path already exists,
// meaning another instance holds it, per spec.md §4.2 startup rule (a).
var ErrSocketInUse = fmt.Errorf("bus socket already in use")

// Run creates the socket (owner-only permissions) and services it and
// stdin until either the socket is deleted out from under it (handoff,
// spec.md §4.2) or stop is closed. It returns nil on orderly shutdown.
func (d *Daemon) Run(stop <-chan struct{}) error {
	if _, err := os.Stat(d.SocketPath); err == nil {
		return ErrSocketInUse
	}

	listener, err := net.Listen("unix", d.SocketPath)
	if err != nil {
		return fmt.Errorf("bind bus socket: %w", err)
	}
	if err := os.Chmod(d.SocketPath, 0o700); err != nil {
		listener.Close()
		return fmt.Errorf("restrict bus socket permissions: %w", err)
	}

	// shutdown tells the background goroutines to stop; handoff is
	// closed BY watchForHandoff to tell Run that the socket vanished.
	shutdown := make(chan struct{})
	handoff := make(chan struct{})
	defer func() {
		close(shutdown)
		listener.Close()
		os.Remove(d.SocketPath)
		d.closeAllClients()
	}()

	go d.watchForHandoff(shutdown, handoff)
	go d.acceptLoop(listener, shutdown)

	stdinDone := make(chan error, 1)
	go func() { stdinDone <- d.relayStdinToClients() }()

	select {
	case <-stop:
		return nil
	case <-handoff:
		return nil
	case err := <-stdinDone:
		// stdin closed means the controller is gone; the daemon exits,
		// per spec.md §4.2 "Failure semantics".
		return err
	case <-d.stdoutErr:
		// A write error on stdout means the controller is gone, the
		// symmetric case of stdin closing; the daemon exits either way,
		// per spec.md §4.2/§7.
		return d.stdoutErrValue
	}
}

// watchForHandoff polls for the socket's disappearance (the agreed
// handoff signal, spec.md §4.2/§9) and closes handoff when detected, so
// Run notices within HandoffBound.
func (d *Daemon) watchForHandoff(shutdown, handoff chan struct{}) {
	ticker := time.NewTicker(HandoffPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			if _, err := os.Stat(d.SocketPath); os.IsNotExist(err) {
				d.Log.Info("bus socket deleted, yielding to new instance")
				close(handoff)
				return
			}
		}
	}
}

func (d *Daemon) acceptLoop(listener net.Listener, done chan struct{}) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
				d.Log.WithError(err).Warn("accept failed")
				return
			}
		}
		d.addClient(conn)
		go d.relayClientToStdout(conn)
	}
}

func (d *Daemon) addClient(conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[conn] = struct{}{}
}

func (d *Daemon) removeClient(conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.clients, conn)
	conn.Close()
}

func (d *Daemon) closeAllClients() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for conn := range d.clients {
		conn.Close()
		delete(d.clients, conn)
	}
}

// relayClientToStdout accumulates bytes from one client; on each newline
// it writes the complete line verbatim to stdout, per spec.md §4.2
// "Client → controller". A client read error logs and drops only that
// client, but a stdout write error means the controller itself is gone
// per spec.md §4.2/§7, so it brings down the whole daemon, not just this
// goroutine.
func (d *Daemon) relayClientToStdout(conn net.Conn) {
	defer d.removeClient(conn)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := fmt.Fprintln(d.Stdout, line); err != nil {
			d.Log.WithError(err).Error("stdout write failed, controller is gone")
			d.failStdout(err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		d.Log.WithError(err).Debug("client read error")
	}
}

// failStdout records the first stdout write error and wakes Run, which
// is waiting on d.stdoutErr alongside stop/handoff/stdin.
func (d *Daemon) failStdout(err error) {
	d.stdoutErrOnce.Do(func() {
		d.stdoutErrValue = fmt.Errorf("bus daemon stdout write failed: %w", err)
		close(d.stdoutErr)
	})
}

// relayStdinToClients reads each line from the controller's stdin and
// broadcasts it to every currently connected client, per spec.md §4.2
// "Controller → clients". There is no addressing or filtering here;
// application-level routing is the event router's job (C5).
func (d *Daemon) relayStdinToClients() error {
	scanner := bufio.NewScanner(d.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		d.broadcast(line)
	}
	return scanner.Err()
}

func (d *Daemon) broadcast(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for conn := range d.clients {
		if _, err := fmt.Fprintln(conn, line); err != nil {
			d.Log.WithError(err).Debug("client write failed, dropping")
			conn.Close()
			delete(d.clients, conn)
		}
	}
}

// Package transport is the C1 remote-connection multiplexer: one
// persistent authenticated SSH control channel per host, with every
// subordinate operation (command execution, streaming, upload, port
// forward) riding that channel via ssh's ControlMaster/ControlPath
// feature, per spec.md §4.1.
//
// The shape is lifted directly from the teacher's
// pkg/commands/ssh/ssh.go, which shells out to the ssh binary rather
// than using an in-process SSH library, and from pkg/commands/os.go's
// exec wrapping.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/socratic-shell/theoldswitcheroo/pkg/errs"
)

// ControlGrace is how long we wait after spawning a control master
// before trusting the channel is usable, per spec.md §4.1.
const ControlGrace = time.Second

// KeepAliveInterval and KeepAliveCountMax implement the "control
// process is expected to detect broken transports via keep-alive
// probes" requirement of spec.md §4.1.
const (
	KeepAliveInterval = 60 * time.Second
	KeepAliveCountMax = 3
)

// CmdKiller is the subset of process-teardown behavior this package
// needs, implemented by pkg/transport's own default using
// github.com/jesseduffield/kill (mirrors the teacher's CmdKiller
// interface in pkg/commands/ssh/ssh.go).
type CmdKiller interface {
	Kill(cmd *exec.Cmd) error
	PrepareForChildren(cmd *exec.Cmd)
}

type osKiller struct{}

func (osKiller) Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return kill.Kill(cmd)
}

func (osKiller) PrepareForChildren(cmd *exec.Cmd) {
	kill.PrepareForChildren(cmd)
}

// host is the per-host control-channel state (entity H in spec.md §3).
type host struct {
	id         string
	socketPath string
	controlCmd *exec.Cmd
	ready      bool

	mu deadlock.Mutex
}

// Transport is the process-wide multiplexer: one host entry per
// distinct remote host ever asked for, per spec.md §8's invariant on
// control-process counts.
type Transport struct {
	log     *logrus.Entry
	killer  CmdKiller
	sockDir string

	command func(name string, args ...string) *exec.Cmd
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)

	mu    sync.Mutex
	hosts map[string]*host
}

// New builds a Transport. sockDir is the local directory used for
// per-host ControlPath sockets (a temp directory is fine; it never
// needs to survive a restart, since ensure_channel is idempotent within
// one controller run only).
func New(log *logrus.Entry, sockDir string) *Transport {
	return &Transport{
		log:     log,
		killer:  osKiller{},
		sockDir: sockDir,
		command: exec.Command,
		dial:    (&net.Dialer{}).DialContext,
		hosts:   map[string]*host{},
	}
}

func (t *Transport) hostEntry(hostID string) *host {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.hosts[hostID]; ok {
		return h
	}
	h := &host{
		id:         hostID,
		socketPath: filepath.Join(t.sockDir, sanitize(hostID)+".sock"),
	}
	t.hosts[hostID] = h
	return h
}

func sanitize(hostID string) string {
	return strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(hostID)
}

// EnsureChannel spawns the background control master for hostID if one
// isn't already running, and waits out ControlGrace before returning.
// Idempotent: a second call for a host already under management returns
// immediately, per spec.md §8's idempotence law.
func (t *Transport) EnsureChannel(ctx context.Context, hostID string) error {
	h := t.hostEntry(hostID)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ready && h.controlCmd != nil && h.controlCmd.ProcessState == nil {
		return nil
	}

	if err := os.MkdirAll(t.sockDir, 0o700); err != nil {
		return errs.New(errs.KindTransport, "create control-socket directory", err)
	}
	os.Remove(h.socketPath)

	cmd := t.command("ssh",
		"-M", "-N",
		"-S", h.socketPath,
		"-o", "ControlPersist=yes",
		"-o", fmt.Sprintf("ServerAliveInterval=%d", int(KeepAliveInterval.Seconds())),
		"-o", fmt.Sprintf("ServerAliveCountMax=%d", KeepAliveCountMax),
		hostID,
	)
	t.killer.PrepareForChildren(cmd)

	if err := cmd.Start(); err != nil {
		return errs.New(errs.KindTransport, "spawn control master for "+hostID, err)
	}
	h.controlCmd = cmd

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		return errs.New(errs.KindTransport, "control master exited during setup for "+hostID, err)
	case <-time.After(ControlGrace):
	}

	// Confirm the control socket actually accepts connections before
	// declaring the channel usable, the same dial-before-trust discipline
	// as the teacher's retrySocketDial in pkg/commands/ssh/ssh.go.
	dialCtx, cancel := context.WithTimeout(ctx, ControlGrace)
	defer cancel()
	conn, dialErr := t.dial(dialCtx, "unix", h.socketPath)
	if dialErr != nil {
		_ = t.killer.Kill(cmd)
		return errs.New(errs.KindTransport, "control socket never became dialable for "+hostID, dialErr)
	}
	conn.Close()

	h.ready = true
	t.log.WithField("host", hostID).Debug("control channel established")
	return nil
}

// Execute runs command on hostID through the control channel, returning
// captured stdout trimmed of trailing whitespace, per spec.md §4.1.
func (t *Transport) Execute(ctx context.Context, hostID, command string) (string, error) {
	h := t.hostEntry(hostID)
	if !h.ready {
		return "", errs.New(errs.KindTransport, "precondition: ensure_channel not called for "+hostID, nil)
	}

	cmd := t.sshCommand(ctx, h, command)
	output, err := cmd.Output()
	if err != nil {
		stderr := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		msg := fmt.Sprintf("command %q failed: %v", command, err)
		return "", errs.New(errs.KindTransport, msg, err).WithDetails(stderr)
	}
	return strings.TrimRight(string(output), " \t\r\n"), nil
}

// ProcessHandle is the live-process surface execute_streaming returns,
// per spec.md §4.1: separate stdout/stderr readers and a writable
// stdin, framing left to the caller.
type ProcessHandle struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Stdin  io.WriteCloser

	cmd    *exec.Cmd
	killer CmdKiller
}

// Wait blocks until the subordinate exits.
func (p *ProcessHandle) Wait() error { return p.cmd.Wait() }

// Kill terminates the subordinate.
func (p *ProcessHandle) Kill() error { return p.killer.Kill(p.cmd) }

// ExecuteStreaming starts command on hostID and returns a handle with
// live stdout/stderr/stdin, per spec.md §4.1.
func (t *Transport) ExecuteStreaming(ctx context.Context, hostID, command string) (*ProcessHandle, error) {
	h := t.hostEntry(hostID)
	if !h.ready {
		return nil, errs.New(errs.KindTransport, "precondition: ensure_channel not called for "+hostID, nil)
	}

	cmd := t.sshCommand(ctx, h, command)
	t.killer.PrepareForChildren(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.New(errs.KindTransport, "attach stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.New(errs.KindTransport, "attach stderr", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.New(errs.KindTransport, "attach stdin", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.New(errs.KindTransport, "start streaming command "+command, err)
	}

	return &ProcessHandle{
		Stdout: stdout,
		Stderr: stderr,
		Stdin:  stdin,
		cmd:    cmd,
		killer: t.killer,
	}, nil
}

// Upload copies localPath to remotePath on hostID via scp over the
// control channel, succeeding only on a zero exit, per spec.md §4.1.
func (t *Transport) Upload(ctx context.Context, hostID, localPath, remotePath string) error {
	h := t.hostEntry(hostID)
	if !h.ready {
		return errs.New(errs.KindTransport, "precondition: ensure_channel not called for "+hostID, nil)
	}

	cmd := exec.CommandContext(ctx, "scp",
		"-o", "ControlPath="+h.socketPath,
		localPath,
		hostID+":"+remotePath,
	)
	cmd.Env = os.Environ()
	if output, err := cmd.CombinedOutput(); err != nil {
		msg := fmt.Sprintf("upload %s to %s:%s failed", localPath, hostID, remotePath)
		return errs.New(errs.KindTransport, msg, err).WithDetails(string(output))
	}
	return nil
}

// Tunnel represents an open local port forward; Close tears it down.
type Tunnel struct {
	hostID     string
	localPort  int
	remotePort int
	socketPath string
	killer     CmdKiller
	cancel     func() error
}

// LocalPort is the local side of the forward.
func (tn *Tunnel) LocalPort() int { return tn.localPort }

// Close cancels the forward registered on the control master.
func (tn *Tunnel) Close() error {
	return tn.cancel()
}

// ForwardPort opens a local TCP forward to remotePort on hostID,
// requiring EnsureChannel to have already succeeded, per spec.md §4.1.
func (t *Transport) ForwardPort(ctx context.Context, hostID string, localPort, remotePort int) (*Tunnel, error) {
	h := t.hostEntry(hostID)
	if !h.ready {
		return nil, errs.New(errs.KindTransport, "precondition: ensure_channel not called for "+hostID, nil)
	}

	spec := fmt.Sprintf("%d:localhost:%d", localPort, remotePort)
	cmd := exec.CommandContext(ctx, "ssh",
		"-S", h.socketPath,
		"-O", "forward",
		"-L", spec,
		hostID,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		msg := fmt.Sprintf("forward %s on %s failed", spec, hostID)
		return nil, errs.New(errs.KindTransport, msg, err).WithDetails(string(output))
	}

	tun := &Tunnel{
		hostID:     hostID,
		localPort:  localPort,
		remotePort: remotePort,
		socketPath: h.socketPath,
	}
	tun.cancel = func() error {
		cancelCmd := exec.Command("ssh", "-S", h.socketPath, "-O", "cancel", "-L", spec, hostID)
		return cancelCmd.Run()
	}
	return tun, nil
}

// ShutdownAll terminates every live control process, per spec.md §4.1.
// It does not track or stop subordinates one by one: each subordinate
// rides its host's control channel, so closing the channel ends them.
func (t *Transport) ShutdownAll() {
	t.mu.Lock()
	hosts := make([]*host, 0, len(t.hosts))
	for _, h := range t.hosts {
		hosts = append(hosts, h)
	}
	t.mu.Unlock()

	for _, h := range hosts {
		h.mu.Lock()
		if h.controlCmd != nil {
			exitCmd := exec.Command("ssh", "-S", h.socketPath, "-O", "exit", h.id)
			_ = exitCmd.Run()
			_ = t.killer.Kill(h.controlCmd)
		}
		os.Remove(h.socketPath)
		h.ready = false
		h.mu.Unlock()
	}
}

// sshCommand builds the ssh invocation that runs command in hostID's
// login shell over the control channel. Unlike the teacher's
// ExecutableFromString (which tokenizes for a local, shell-less exec),
// the remote side of an SSH invocation always gets one joined string
// that its own shell re-parses, so command travels verbatim.
func (t *Transport) sshCommand(ctx context.Context, h *host, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "ssh", "-S", h.socketPath, h.id, command)
	cmd.Env = os.Environ()
	return cmd
}

package lifecycle

import (
	"context"
	"io"

	"github.com/socratic-shell/theoldswitcheroo/pkg/transport"
)

// Transporter is the subset of (*transport.Transport)'s API the
// controller depends on, narrowed to an interface so tests can supply
// a fake instead of shelling out to real ssh/scp — the same role the
// teacher's dialContext/startCmd function fields play in
// pkg/commands/ssh/ssh.go, one level up: there the teacher injects
// functions, here the whole collaborator is swapped.
type Transporter interface {
	Execute(ctx context.Context, hostID, command string) (string, error)
	ExecuteStreaming(ctx context.Context, hostID, command string) (ProcessHandle, error)
	Upload(ctx context.Context, hostID, localPath, remotePath string) error
	ForwardPort(ctx context.Context, hostID string, localPort, remotePort int) (io.Closer, error)
}

// ProcessHandle is the live-process surface startTaskspace needs: a
// readable stdout to scan for the port line, and a way to kill the
// subordinate on timeout.
type ProcessHandle interface {
	StdoutReader() io.Reader
	Kill() error
}

// NewTransporter adapts a concrete *transport.Transport for Controller.
// The conversions happen inside each method body rather than at the
// interface boundary directly, since Go requires a method's declared
// return type — not merely a runtime-assignable one — to match an
// interface's method exactly.
func NewTransporter(t *transport.Transport) Transporter {
	return transportAdapter{inner: t}
}

type transportAdapter struct {
	inner *transport.Transport
}

func (a transportAdapter) Execute(ctx context.Context, hostID, command string) (string, error) {
	return a.inner.Execute(ctx, hostID, command)
}

func (a transportAdapter) ExecuteStreaming(ctx context.Context, hostID, command string) (ProcessHandle, error) {
	h, err := a.inner.ExecuteStreaming(ctx, hostID, command)
	if err != nil {
		return nil, err
	}
	return processHandleAdapter{inner: h}, nil
}

func (a transportAdapter) Upload(ctx context.Context, hostID, localPath, remotePath string) error {
	return a.inner.Upload(ctx, hostID, localPath, remotePath)
}

func (a transportAdapter) ForwardPort(ctx context.Context, hostID string, localPort, remotePort int) (io.Closer, error) {
	return a.inner.ForwardPort(ctx, hostID, localPort, remotePort)
}

type processHandleAdapter struct {
	inner *transport.ProcessHandle
}

func (p processHandleAdapter) StdoutReader() io.Reader { return p.inner.Stdout }
func (p processHandleAdapter) Kill() error             { return p.inner.Kill() }

package lifecycle

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socratic-shell/theoldswitcheroo/pkg/bus"
	"github.com/socratic-shell/theoldswitcheroo/pkg/config"
	"github.com/socratic-shell/theoldswitcheroo/pkg/uiface"
)

type fakeProcessHandle struct {
	stdout io.Reader
	killed bool
}

func (f *fakeProcessHandle) StdoutReader() io.Reader { return f.stdout }
func (f *fakeProcessHandle) Kill() error {
	f.killed = true
	return nil
}

type fakeTunnel struct{ closed bool }

func (f *fakeTunnel) Close() error {
	f.closed = true
	return nil
}

type fakeTransport struct {
	mu sync.Mutex

	existingClones map[string]bool
	cloneAttempts  []string
	streamOutput   string
	streamErr      error
	forwardErr     error
	lastTunnel     *fakeTunnel
	uploads        []string
	unameOutput    string
	lastLocalPort  int
	lastRemotePort int
}

func (f *fakeTransport) Upload(ctx context.Context, hostID, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, localPath+"->"+remotePath)
	return nil
}

func (f *fakeTransport) Execute(ctx context.Context, hostID, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if command == "uname -m" {
		return f.unameOutput, nil
	}
	if strings.HasPrefix(command, "test -") {
		for path, exists := range f.existingClones {
			if strings.Contains(command, path) {
				if exists {
					return "yes", nil
				}
				return "no", nil
			}
		}
	}
	f.cloneAttempts = append(f.cloneAttempts, command)
	return "", nil
}

func (f *fakeTransport) ExecuteStreaming(ctx context.Context, hostID, command string) (ProcessHandle, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &fakeProcessHandle{stdout: strings.NewReader(f.streamOutput)}, nil
}

func (f *fakeTransport) ForwardPort(ctx context.Context, hostID string, localPort, remotePort int) (io.Closer, error) {
	f.lastLocalPort = localPort
	f.lastRemotePort = remotePort
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	f.lastTunnel = &fakeTunnel{}
	return f.lastTunnel, nil
}

type fakeUI struct {
	mu       sync.Mutex
	progress []string
	errors   []string
}

func (u *fakeUI) UpdateProgress(message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.progress = append(u.progress, message)
}
func (u *fakeUI) ShowError(title, message, details string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errors = append(u.errors, title+": "+message)
}
func (u *fakeUI) Present(handle uiface.ViewHandle) {}

func (u *fakeUI) CreateEditorView(sessionPartition, initialURL string) uiface.ViewHandle {
	return initialURL
}

func (u *fakeUI) CreateMetaView(sessionPartition string) uiface.ViewHandle {
	return sessionPartition
}

func newTestController(t *testing.T, ft *fakeTransport) (*Controller, *fakeUI, *config.Store) {
	t.Setenv("THEOLDSWITCHEROO_DATA_DIR", t.TempDir())
	store, err := config.NewStore("theoldswitcheroo-test")
	require.NoError(t, err)

	ui := &fakeUI{}
	log := logrus.New()
	log.SetOutput(io.Discard)

	c := NewController(ft, store, ui, log.WithField("test", true), "host1", "/base")
	id := 0
	c.newUUID = func() string {
		id++
		return "u" + strings.Repeat("0", 1) + string(rune('0'+id))
	}
	return c, ui, store
}

func TestCreateTaskspaceTransitionsToCloned(t *testing.T) {
	ft := &fakeTransport{}
	c, ui, store := newTestController(t, ft)

	ts, err := c.CreateTaskspace(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateCloned, ts.State)
	assert.NotEmpty(t, ft.cloneAttempts)

	roster, err := store.LoadRoster()
	require.NoError(t, err)
	require.Len(t, roster.Taskspaces, 1)
	assert.Equal(t, "alpha", roster.Taskspaces[0].Name)
	assert.NotEmpty(t, ui.progress)
}

func TestCreateTaskspaceRevertsOnCloneFailure(t *testing.T) {
	ft := &fakeTransport{}
	c, ui, store := newTestController(t, ft)
	ft.existingClones = nil

	failing := &fakeTransportFailingExecute{fakeTransport: ft}
	c.transport = failing

	_, err := c.CreateTaskspace(context.Background(), "beta")
	assert.Error(t, err)

	roster, loadErr := store.LoadRoster()
	require.NoError(t, loadErr)
	assert.Empty(t, roster.Taskspaces)
	assert.NotEmpty(t, ui.errors)
}

type fakeTransportFailingExecute struct {
	*fakeTransport
}

func (f *fakeTransportFailingExecute) Execute(ctx context.Context, hostID, command string) (string, error) {
	return "", assertError{}
}

type assertError struct{}

func (assertError) Error() string { return "clone script exited non-zero" }

func TestFocusStartsTaskspaceAndDiscoversPort(t *testing.T) {
	ft := &fakeTransport{streamOutput: "Web UI available at http://0.0.0.0:45137\n"}
	c, ui, _ := newTestController(t, ft)

	ts, err := c.CreateTaskspace(context.Background(), "alpha")
	require.NoError(t, err)

	err = c.Focus(context.Background(), ts.UUID)
	require.NoError(t, err)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, StateRunning, ts.State)
	assert.Equal(t, 45137, ts.Port)
	assert.NotNil(t, ft.lastTunnel)
	assert.Equal(t, 45137, ft.lastLocalPort, "local forward port must equal the last-known remote port, per the Running invariant")
	assert.Equal(t, 45137, ft.lastRemotePort)
	assert.True(t, strings.Contains(strings.Join(ui.progress, "|"), "starting"))
}

func TestFocusRevertsToClonedWhenNoPortAnnounced(t *testing.T) {
	ft := &fakeTransport{streamOutput: "still booting, no port here\n"}
	c, ui, _ := newTestController(t, ft)

	ts, err := c.CreateTaskspace(context.Background(), "alpha")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	err = c.Focus(ctx, ts.UUID)
	assert.Error(t, err)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, StateCloned, ts.State)
	assert.Equal(t, 0, ts.Port)
	assert.NotEmpty(t, ui.errors)
}

func TestFocusUnknownTaskspaceFails(t *testing.T) {
	ft := &fakeTransport{}
	c, _, _ := newTestController(t, ft)

	err := c.Focus(context.Background(), "missing")
	assert.Error(t, err)
}

func TestCheckHealthTransitionsRunningToStale(t *testing.T) {
	ft := &fakeTransport{streamOutput: "localhost:9000\n"}
	c, _, _ := newTestController(t, ft)

	ts, err := c.CreateTaskspace(context.Background(), "alpha")
	require.NoError(t, err)
	require.NoError(t, c.Focus(context.Background(), ts.UUID))

	withFastBackoff(t)
	c.probe = func(ctx context.Context, url string) (int, error) {
		return 503, nil
	}

	err = c.CheckHealth(context.Background(), ts.UUID)
	assert.Error(t, err)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, StateStale, ts.State)
	assert.True(t, ft.lastTunnel.closed)
}

func TestDeleteRemovesTaskspaceAndClosesTunnel(t *testing.T) {
	ft := &fakeTransport{streamOutput: "localhost:9001\n"}
	c, _, store := newTestController(t, ft)

	ts, err := c.CreateTaskspace(context.Background(), "alpha")
	require.NoError(t, err)
	require.NoError(t, c.Focus(context.Background(), ts.UUID))

	require.NoError(t, c.Delete(context.Background(), ts.UUID))
	assert.True(t, ft.lastTunnel.closed)

	roster, err := store.LoadRoster()
	require.NoError(t, err)
	assert.Empty(t, roster.Taskspaces)
}

func TestStatusResponseReflectsCurrentState(t *testing.T) {
	ft := &fakeTransport{}
	c, _, _ := newTestController(t, ft)

	_, err := c.CreateTaskspace(context.Background(), "alpha")
	require.NoError(t, err)

	resp := c.StatusResponse()
	require.Len(t, resp.Taskspaces, 1)
	assert.Equal(t, "alpha", resp.Taskspaces[0].Name)
	assert.Equal(t, "cloned", resp.Taskspaces[0].Status)
}

func TestHandlersRoutesNewTaskspaceRequest(t *testing.T) {
	ft := &fakeTransport{}
	c, _, _ := newTestController(t, ft)

	handlers := c.Handlers(context.Background())
	handlers.NewTaskspaceRequest(bus.NewTaskspaceRequest{
		Type: bus.TypeNewTaskspaceRequest,
		Name: "gamma",
	})

	resp := c.StatusResponse()
	require.Len(t, resp.Taskspaces, 1)
	assert.Equal(t, "gamma", resp.Taskspaces[0].Name)
}

func TestHandlersRoutesUpdateTaskspace(t *testing.T) {
	ft := &fakeTransport{}
	c, _, _ := newTestController(t, ft)

	ts, err := c.CreateTaskspace(context.Background(), "alpha")
	require.NoError(t, err)

	handlers := c.Handlers(context.Background())
	handlers.UpdateTaskspace(bus.UpdateTaskspace{
		Type: bus.TypeUpdateTaskspace,
		UUID: ts.UUID,
		Name: "renamed",
	})

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, "renamed", ts.Name)
}

func TestHandlersStatusRequestMatchesStatusResponse(t *testing.T) {
	ft := &fakeTransport{}
	c, _, _ := newTestController(t, ft)

	_, err := c.CreateTaskspace(context.Background(), "alpha")
	require.NoError(t, err)

	handlers := c.Handlers(context.Background())
	resp := handlers.StatusRequest()
	assert.Equal(t, c.StatusResponse().Taskspaces, resp.Taskspaces)
}

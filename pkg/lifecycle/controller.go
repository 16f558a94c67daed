package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	throttle "github.com/boz/go-throttle"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/socratic-shell/theoldswitcheroo/pkg/bus"
	"github.com/socratic-shell/theoldswitcheroo/pkg/config"
	"github.com/socratic-shell/theoldswitcheroo/pkg/errs"
	"github.com/socratic-shell/theoldswitcheroo/pkg/uiface"
)

// progressThrottleInterval coalesces update_progress emission from the
// two sources that can fire many times a second: the health-probe
// backoff loop and the bus-daemon's per-line progress_log broadcast.
// Mirrors the teacher's throttledRefresh in pkg/gui/gui.go.
const progressThrottleInterval = 200 * time.Millisecond

// StartupTimeout bounds how long Controller waits for a port-announcement
// line on the editor server's stdout, per spec.md §4.4.2/§5.
const StartupTimeout = 60 * time.Second

// Controller drives the state machine of every taskspace on one remote
// host (C4), in cooperation with transport (C1) and the bus (C2/C5).
// Grounded on the teacher's DockerCommand: a controller owning a map of
// mutex-guarded entities, coordinating subordinate processes through a
// single collaborator (transport here, Docker's client there).
type Controller struct {
	transport Transporter
	store     *config.Store
	ui        uiface.Interface
	log       *logrus.Entry

	hostID  string
	baseDir string

	// newUUID and clock are injectable for deterministic tests, the
	// same role the teacher's getenv/setenv fields play in ssh.go.
	newUUID func() string
	clock   func() time.Time
	probe   ProbeFunc

	mu         deadlock.Mutex
	taskspaces map[string]*Taskspace
	active     string

	progressThrottle *throttle.Throttle
	progressMu       sync.Mutex
	pendingProgress  string
}

// NewController wires transport, local persistence, and the UI
// collaborator together. baseDir is the already-resolved remote base
// directory (ResolveBaseDir's result).
func NewController(t Transporter, store *config.Store, ui uiface.Interface, log *logrus.Entry, hostID, baseDir string) *Controller {
	c := &Controller{
		transport:  t,
		store:      store,
		ui:         ui,
		log:        log,
		hostID:     hostID,
		baseDir:    baseDir,
		newUUID:    func() string { return uuid.NewString() },
		clock:      time.Now,
		taskspaces: make(map[string]*Taskspace),
	}
	c.progressThrottle = throttle.ThrottleFunc(progressThrottleInterval, true, c.flushProgress)
	return c
}

// emitProgressThrottled coalesces a burst of update_progress calls into
// at most one per progressThrottleInterval, keeping only the latest
// message; persistAndSignal's structural-change notifications bypass
// this and go straight to the UI, since those are comparatively rare.
func (c *Controller) emitProgressThrottled(message string) {
	c.progressMu.Lock()
	c.pendingProgress = message
	c.progressMu.Unlock()
	c.progressThrottle.Trigger()
}

func (c *Controller) flushProgress() {
	c.progressMu.Lock()
	message := c.pendingProgress
	c.progressMu.Unlock()
	c.ui.UpdateProgress(message)
}

// Close stops the progress throttle; callers should defer it once at
// shutdown, mirroring the teacher's defer throttledRefresh.Stop() in
// pkg/gui/gui.go.
func (c *Controller) Close() {
	c.progressThrottle.Stop()
}

// Restore reads the persisted roster and rediscovers in-memory state,
// per spec.md §4.4.6. For each entry it probes clone-directory
// existence through transport; missing clones are dropped. Surviving
// entries are restored into StateCloned with their previous last-known
// port. The active identifier is preserved if it survives; otherwise
// the first surviving taskspace is focused, or a fresh taskspace is
// created if the roster is empty.
func (c *Controller) Restore(ctx context.Context) error {
	roster, err := c.store.LoadRoster()
	if err != nil {
		return errs.New(errs.KindPersistence, "load roster", err)
	}

	c.mu.Lock()
	c.taskspaces = make(map[string]*Taskspace)
	previousActive := roster.ActiveTaskSpace
	c.mu.Unlock()

	var firstSurvivor string
	for _, summary := range roster.Taskspaces {
		paths := DerivePaths(c.baseDir, summary.UUID)
		exists, err := c.cloneDirExists(ctx, paths.Clone)
		if err != nil {
			return err
		}
		if !exists {
			c.log.WithField("uuid", summary.UUID).Warn("clone directory missing, dropping roster entry")
			continue
		}

		ts := &Taskspace{
			UUID:       summary.UUID,
			Name:       summary.Name,
			State:      StateCloned,
			Port:       summary.Port,
			Extensions: summary.Extensions,
		}
		c.mu.Lock()
		c.taskspaces[ts.UUID] = ts
		c.mu.Unlock()
		if firstSurvivor == "" {
			firstSurvivor = ts.UUID
		}
	}

	c.mu.Lock()
	_, activeSurvived := c.taskspaces[previousActive]
	empty := len(c.taskspaces) == 0
	if activeSurvived {
		c.active = previousActive
	} else {
		c.active = firstSurvivor
	}
	c.mu.Unlock()

	if empty {
		_, err := c.CreateTaskspace(ctx, "default")
		return err
	}
	return nil
}

func (c *Controller) cloneDirExists(ctx context.Context, clonePath string) (bool, error) {
	command := fmt.Sprintf("test -d %s && echo yes || echo no", quoteShellWord(clonePath))
	out, err := c.transport.Execute(ctx, c.hostID, command)
	if err != nil {
		return false, errs.New(errs.KindTransport, "probe clone directory", err)
	}
	return out == "yes", nil
}

// CreateTaskspace allocates a fresh UUID, inserts a roster entry, and
// runs the clone script through transport, per the Absent→Provisioning→
// Cloned transition of spec.md §4.4.2.
func (c *Controller) CreateTaskspace(ctx context.Context, name string) (*Taskspace, error) {
	id := c.newUUID()
	ts := &Taskspace{UUID: id, Name: name, State: StateProvisioning}

	c.mu.Lock()
	c.taskspaces[id] = ts
	c.mu.Unlock()

	c.ui.UpdateProgress(fmt.Sprintf("provisioning taskspace %s", name))
	c.persistAndSignal("taskspace created: " + name)

	paths := DerivePaths(c.baseDir, id)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	cloneScript := quoteShellWord(paths.FreshCloneScript)
	if _, err := c.transport.Execute(ctx, c.hostID, cloneScript); err != nil {
		c.failProvisioning(ts, err)
		return nil, errs.New(errs.KindProvisioning, "clone script failed", err)
	}

	ts.State = StateCloned
	c.persistAndSignal("taskspace cloned: " + name)
	return ts, nil
}

// failProvisioning reverts a taskspace to Absent on clone failure
// (spec.md §7 "Aborts Provisioning; roster entry reverts to Absent and
// is removed from memory and disk").
func (c *Controller) failProvisioning(ts *Taskspace, cause error) {
	c.mu.Lock()
	delete(c.taskspaces, ts.UUID)
	c.mu.Unlock()
	c.ui.ShowError("taskspace creation failed", ts.Name, cause.Error())
	c.persistAndSignal("taskspace provisioning failed: " + ts.Name)
}

// Focus invokes server startup on a Cloned or Stale taskspace (the
// Cloned/Stale → Starting → Running transition of spec.md §4.4.2), or
// is a no-op if the taskspace is already Starting or Running.
func (c *Controller) Focus(ctx context.Context, id string) error {
	c.mu.Lock()
	ts, ok := c.taskspaces[id]
	if ok {
		c.active = id
	}
	c.mu.Unlock()
	if !ok {
		return errs.New(errs.KindProvisioning, "unknown taskspace "+id, nil)
	}

	ts.mu.Lock()
	state := ts.State
	ts.mu.Unlock()

	switch state {
	case StateCloned, StateStale:
		return c.startTaskspace(ctx, ts)
	case StateStarting, StateRunning:
		return nil
	default:
		return errs.New(errs.KindProvisioning, "taskspace not startable from state "+state.String(), nil)
	}
}

// startTaskspace builds the invocation script, launches it through
// execute_streaming, scans stdout for the port-announcement line
// within StartupTimeout, and opens a local forward on success, per
// spec.md §4.4.2/§4.4.3.
func (c *Controller) startTaskspace(ctx context.Context, ts *Taskspace) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.State = StateStarting
	c.persistAndSignal("taskspace starting: " + ts.Name)
	c.ui.UpdateProgress("starting editor server for " + ts.Name)

	paths := DerivePaths(c.baseDir, ts.UUID)
	script := BuildInvocationScript(InvocationSpec{
		EditorBinary:    EditorBinaryDir(c.baseDir) + "/bin/openvscode-server",
		CloneRoot:       paths.Clone,
		ServerDataRoot:  paths.ServerData,
		ExtensionsRoot:  paths.Extensions,
		SharedUserData:  SharedUserDataDir(c.baseDir),
		MarketplaceExts: ts.Extensions.Marketplace,
		UploadedExts:    ts.Extensions.Uploaded,
	})

	handle, err := c.transport.ExecuteStreaming(ctx, c.hostID, script)
	if err != nil {
		return c.revertStartup(ts, errs.New(errs.KindStartup, "launch editor server", err))
	}

	startCtx, cancel := context.WithTimeout(ctx, StartupTimeout)
	defer cancel()

	port, err := scanForPort(startCtx, handle)
	if err != nil {
		_ = handle.Kill()
		return c.revertStartup(ts, errs.New(errs.KindStartup, "no port announcement within timeout", err))
	}

	tunnel, err := c.transport.ForwardPort(ctx, c.hostID, port, port)
	if err != nil {
		_ = handle.Kill()
		return c.revertStartup(ts, errs.New(errs.KindStartup, "forward port", err))
	}

	ts.Port = port
	ts.State = StateRunning
	ts.tunnel = tunnel
	ts.ViewMode = ViewEditor

	c.persistAndSignal(fmt.Sprintf("taskspace running: %s on port %d", ts.Name, port))
	if ts.EditorView == nil {
		ts.EditorView = c.ui.CreateEditorView(ts.UUID, fmt.Sprintf("http://localhost:%d", port))
	}
	c.ui.Present(ts.EditorView)
	return nil
}

// revertStartup returns a taskspace to Cloned with its last-known port
// cleared, per spec.md §4.4.2's startup-timeout tie-break, and surfaces
// the failure to the operator.
func (c *Controller) revertStartup(ts *Taskspace, err error) error {
	ts.State = StateCloned
	ts.Port = 0
	c.ui.ShowError("editor server failed to start", ts.Name, err.Error())
	c.persistAndSignal("taskspace startup failed: " + ts.Name)
	return err
}

// scanForPort reads handle's stdout line by line (only stdout is
// monitored for the port pattern; stderr is logged but not parsed,
// per spec.md §4.4.3) until ParsePort matches or ctx is done.
func scanForPort(ctx context.Context, handle ProcessHandle) (int, error) {
	type result struct {
		port int
		err  error
	}
	lines := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(handle.StdoutReader())
		for scanner.Scan() {
			if port, ok := ParsePort(scanner.Text()); ok {
				lines <- result{port: port}
				return
			}
		}
		lines <- result{err: fmt.Errorf("editor server stdout closed before announcing a port")}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-lines:
		return r.port, r.err
	}
}

// CheckHealth probes a Running taskspace's forwarded port and, on
// failure, transitions it to Stale, per spec.md §4.4.2's Running→Stale
// edge. Callers (e.g. a periodic sweep in main.go) drive this; the
// controller itself never schedules probes unattended, per spec.md §5
// "there is no user-facing cancel of an in-flight state transition".
func (c *Controller) CheckHealth(ctx context.Context, id string) error {
	c.mu.Lock()
	ts, ok := c.taskspaces[id]
	c.mu.Unlock()
	if !ok {
		return errs.New(errs.KindProvisioning, "unknown taskspace "+id, nil)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.State != StateRunning {
		return nil
	}

	err := ProbePort(ctx, c.probe, ts.Port, func(attempt int, err error) {
		if err != nil {
			c.emitProgressThrottled(fmt.Sprintf("probe attempt %d for %s: %v", attempt, ts.Name, err))
		}
	})
	if err != nil {
		if ts.tunnel != nil {
			_ = ts.tunnel.Close()
			ts.tunnel = nil
		}
		ts.State = StateStale
		c.persistAndSignal("taskspace went stale: " + ts.Name)
		return errs.New(errs.KindProbe, "health probe failed", err)
	}
	return nil
}

// Delete closes a taskspace's local forward (if any) and removes its
// roster entry, per spec.md §4.4.2's Running/Cloned → Removed edge. It
// does not stop the remote editor-server process.
func (c *Controller) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	ts, ok := c.taskspaces[id]
	if ok {
		delete(c.taskspaces, id)
		if c.active == id {
			c.active = ""
		}
	}
	c.mu.Unlock()
	if !ok {
		return errs.New(errs.KindProvisioning, "unknown taskspace "+id, nil)
	}

	ts.mu.Lock()
	if ts.tunnel != nil {
		_ = ts.tunnel.Close()
		ts.tunnel = nil
	}
	ts.State = StateRemoved
	ts.mu.Unlock()

	c.persistAndSignal("taskspace removed: " + ts.Name)
	return nil
}

// persistAndSignal implements spec.md §4.4.7: emit a roster-changed
// signal to the UI collaborator (here, update_progress, the only
// advisory channel C6 exposes) on every structural change, then write
// the full roster to disk. A persistence error is logged and reported
// through update_progress, never surfaced as a blocking failure
// (spec.md §9's open-question decision).
func (c *Controller) persistAndSignal(message string) {
	c.ui.UpdateProgress(message)

	roster := c.snapshotRoster()
	if err := c.store.SaveRoster(roster); err != nil {
		perr := errs.New(errs.KindPersistence, "persist roster", err)
		c.log.WithError(perr).Error("persist roster")
		c.ui.UpdateProgress(perr.Error())
	}
}

// snapshotRoster reads every taskspace's fields without taking its
// per-taskspace lock: persistAndSignal is routinely called by a method
// that is itself already holding that exact lock mid-transition (e.g.
// startTaskspace), and ts.mu is not reentrant. The c.mu held here still
// guards the map structure; the fields read per entry (State, Port,
// Name) are only ever mutated by a goroutine that holds ts.mu, so the
// window where this can observe a half-applied transition is the same
// window spec.md §4.4.7 already tolerates ("any error in persistence is
// logged but does not block the UI update").
func (c *Controller) snapshotRoster() config.Roster {
	c.mu.Lock()
	defer c.mu.Unlock()

	summaries := lo.MapToSlice(c.taskspaces, func(_ string, ts *Taskspace) config.TaskspaceSummary {
		paths := DerivePaths(c.baseDir, ts.UUID)
		return config.TaskspaceSummary{
			UUID:          ts.UUID,
			Name:          ts.Name,
			Port:          ts.Port,
			ServerDataDir: paths.ServerData,
			LastSeen:      c.clock(),
			Extensions:    ts.Extensions,
		}
	})

	return config.Roster{
		Hostname:        c.hostID,
		ActiveTaskSpace: c.active,
		Taskspaces:      summaries,
	}
}

// StatusResponse answers a status_request (C5), per spec.md §4.5/§6.
// See snapshotRoster's comment on why per-taskspace locks are not
// retaken here.
func (c *Controller) StatusResponse() bus.StatusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := lo.MapToSlice(c.taskspaces, func(_ string, ts *Taskspace) bus.TaskspaceStatus {
		return bus.TaskspaceStatus{Name: ts.Name, Status: ts.State.String(), UUID: ts.UUID}
	})

	return bus.StatusResponse{
		Type:            bus.TypeStatusResponse,
		Timestamp:       c.clock(),
		Taskspaces:      entries,
		ActiveTaskSpace: c.active,
	}
}

// Handlers builds the bus.Handlers that route C5-dispatched events to
// the controller, per spec.md §4.5.
func (c *Controller) Handlers(ctx context.Context) bus.Handlers {
	return bus.Handlers{
		NewTaskspaceRequest: func(req bus.NewTaskspaceRequest) {
			if _, err := c.CreateTaskspace(ctx, req.Name); err != nil {
				c.log.WithError(err).WithField("name", req.Name).Warn("new_taskspace_request failed")
			}
		},
		UpdateTaskspace: func(req bus.UpdateTaskspace) {
			c.mu.Lock()
			ts, ok := c.taskspaces[req.UUID]
			c.mu.Unlock()
			if !ok {
				c.log.WithField("uuid", req.UUID).Warn("update_taskspace for unknown taskspace")
				return
			}
			ts.mu.Lock()
			if req.Name != "" {
				ts.Name = req.Name
			}
			ts.mu.Unlock()
			c.persistAndSignal("taskspace updated: " + req.UUID)
		},
		StatusRequest: c.StatusResponse,
		ProgressLog: func(evt bus.ProgressLog) {
			c.log.WithFields(logrus.Fields{
				"category": evt.Category,
				"uuid":     evt.TaskspaceUUID,
			}).Info(evt.Message)
			c.emitProgressThrottled(evt.Message)
		},
		UserSignal: func(evt bus.UserSignal) {
			c.log.WithField("uuid", evt.TaskspaceUUID).Warn("user_signal: " + evt.Message)
			c.ui.UpdateProgress(evt.Message)
		},
	}
}

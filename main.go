// Command theoldswitcheroo is the desktop controller binary: it wires
// together the remote-connection multiplexer (C1), the taskspace
// lifecycle controller (C4), the bus daemon's controller-side half
// (C2 started remotely, C5 routing its output), and local persistence
// (C7), behind the narrow UI contract (C6). Modeled on the teacher's
// main.go/pkg/app/app.go, minus the TUI: this controller has no
// gocui front-end of its own, since spec.md §1/§9 treat the real UI
// as an external collaborator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/socratic-shell/theoldswitcheroo/pkg/bus"
	"github.com/socratic-shell/theoldswitcheroo/pkg/config"
	"github.com/socratic-shell/theoldswitcheroo/pkg/errs"
	"github.com/socratic-shell/theoldswitcheroo/pkg/lifecycle"
	"github.com/socratic-shell/theoldswitcheroo/pkg/log"
	"github.com/socratic-shell/theoldswitcheroo/pkg/transport"
	"github.com/socratic-shell/theoldswitcheroo/pkg/uiface"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	hostFlag  string
	debugFlag bool
)

// healthSweepInterval drives the periodic Running-taskspace probe
// sweep spec.md §4.4.2 leaves to a caller ("Callers (e.g. a periodic
// sweep in main.go) drive this").
const healthSweepInterval = 15 * time.Second

func main() {
	updateBuildInfo()

	info := fmt.Sprintf("%s\nCommit: %s\nDate: %s", version, commit, date)

	flaggy.SetName("theoldswitcheroo")
	flaggy.SetDescription("desktop controller for remote browser-based taskspaces")
	flaggy.String(&hostFlag, "H", "host", "remote host (as passed to ssh), e.g. user@example.com")
	flaggy.Bool(&debugFlag, "d", "debug", "verbose logging")
	flaggy.SetVersion(info)
	flaggy.Parse()

	if hostFlag == "" {
		fmt.Fprintln(os.Stderr, "theoldswitcheroo: --host is required")
		os.Exit(1)
	}

	if err := run(hostFlag); err != nil {
		if message, known := friendlyError(err); known {
			fmt.Fprintln(os.Stderr, message)
			os.Exit(1)
		}
		stackTrace := goerrors.Wrap(err, 0).ErrorStack()
		fmt.Fprintln(os.Stderr, stackTrace)
		os.Exit(1)
	}
}

func run(hostID string) error {
	logger := log.NewLogger(log.Options{Component: "controller", Version: version, Debug: debugFlag})

	store, err := config.NewStore("theoldswitcheroo")
	if err != nil {
		return errs.New(errs.KindPersistence, "open local data directory", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return errs.New(errs.KindPersistence, "resolve home directory", err)
	}
	baseDir := lifecycle.ResolveBaseDir(home)

	sockDir, err := os.MkdirTemp("", "theoldswitcheroo-control-*")
	if err != nil {
		return errs.New(errs.KindTransport, "create local control-socket directory", err)
	}
	defer os.RemoveAll(sockDir)

	tp := transport.New(logger.WithField("subcomponent", "transport"), sockDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tp.EnsureChannel(ctx, hostID); err != nil {
		return err
	}

	ui := uiface.NewLogSink(func(format string, args ...any) {
		logger.Infof(format, args...)
	})

	controller := lifecycle.NewController(lifecycle.NewTransporter(tp), store, ui, logger.WithField("subcomponent", "lifecycle"), hostID, baseDir)
	defer controller.Close()

	if err := controller.EnsureEditorBinary(ctx); err != nil {
		return err
	}
	if err := controller.EnsureBusRuntime(ctx); err != nil {
		return err
	}
	if err := controller.EnsureBusDaemonBinary(ctx, busdBinaryPath()); err != nil {
		return err
	}

	routerDone, err := startBusRouter(ctx, tp, hostID, baseDir, controller, logger.WithField("subcomponent", "router"))
	if err != nil {
		return err
	}

	if err := controller.Restore(ctx); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	stopSweep := make(chan struct{})
	go healthSweep(ctx, controller, store, stopSweep)

	select {
	case <-signals:
		logger.Info("received termination signal, shutting down")
	case <-routerDone:
		logger.Warn("bus router exited unexpectedly")
	}

	close(stopSweep)
	tp.ShutdownAll()
	return nil
}

// busdBinaryPath resolves the local busd binary to upload, honoring an
// override env var for development setups where it isn't sitting next
// to this binary's own executable.
func busdBinaryPath() string {
	if override := os.Getenv("THEOLDSWITCHEROO_BUSD_BINARY"); override != "" {
		return override
	}
	self, err := os.Executable()
	if err != nil {
		return "busd"
	}
	return filepath.Join(filepath.Dir(self), "busd")
}

// startBusRouter launches busd remotely over C1's execute_streaming and
// attaches a C5 router to its stdio, per spec.md §4.2/§4.5: the
// controller keeps the daemon's stdio attached for the lifetime of the
// run, exactly as §2's data-flow description requires. The returned
// channel closes when the router's read loop ends, whether because the
// remote daemon exited or its stdout pipe closed.
func startBusRouter(ctx context.Context, tp *transport.Transport, hostID, baseDir string, controller *lifecycle.Controller, log *logrus.Entry) (<-chan struct{}, error) {
	handle, err := tp.ExecuteStreaming(ctx, hostID, lifecycle.BusDaemonBinaryPath(baseDir))
	if err != nil {
		return nil, errs.New(errs.KindBus, "start bus daemon", err)
	}

	router := bus.NewRouter(handle.Stdout, handle.Stdin, controller.Handlers(ctx), log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := router.Run(); err != nil {
			log.WithError(err).Warn("bus router stopped")
		}
	}()
	return done, nil
}

// healthSweep is the periodic caller spec.md §4.4.2 names explicitly:
// it walks the current roster and calls CheckHealth on every entry,
// at healthSweepInterval, until stop is closed.
func healthSweep(ctx context.Context, controller *lifecycle.Controller, store *config.Store, stop <-chan struct{}) {
	ticker := time.NewTicker(healthSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			roster, err := store.LoadRoster()
			if err != nil {
				continue
			}
			for _, summary := range roster.Taskspaces {
				_ = controller.CheckHealth(ctx, summary.UUID)
			}
		}
	}
}

// friendlyError maps the errs taxonomy to a short operator-facing
// message, the same role the teacher's app.KnownError plays for
// docker-specific failures in pkg/app/app.go.
func friendlyError(err error) (string, bool) {
	for _, kind := range []errs.Kind{errs.KindTransport, errs.KindProvisioning, errs.KindStartup, errs.KindProbe, errs.KindBus, errs.KindPersistence} {
		if errs.Is(err, kind) {
			return fmt.Sprintf("theoldswitcheroo: %s error: %v", kind, err), true
		}
	}
	return "", false
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if revision, found := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool { return s.Key == "vcs.revision" }); found {
		commit = revision.Value
		if len(commit) > 7 {
			version = commit[:7]
		} else {
			version = commit
		}
	}
	if ts, found := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool { return s.Key == "vcs.time" }); found {
		date = ts.Value
	}
}

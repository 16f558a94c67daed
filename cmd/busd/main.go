// Command busd is the remote-side bus daemon of spec.md §4.2 (C2): it
// relays newline-delimited JSON between its own stdio (attached to the
// controller over C1's execute_streaming) and any number of local
// clients connected over a fixed-path Unix-domain socket.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/integrii/flaggy"

	"github.com/socratic-shell/theoldswitcheroo/pkg/bus"
	"github.com/socratic-shell/theoldswitcheroo/pkg/lifecycle"
	"github.com/socratic-shell/theoldswitcheroo/pkg/log"
)

const defaultVersion = "unversioned"

var version = defaultVersion

func main() {
	var socketPath string
	var debug bool

	flaggy.SetName("busd")
	flaggy.SetDescription("remote-side relay daemon for the theoldswitcheroo event bus")
	flaggy.SetVersion(version)
	flaggy.String(&socketPath, "s", "socket", "override the bus socket path")
	flaggy.Bool(&debug, "d", "debug", "verbose logging")
	flaggy.Parse()

	logger := log.NewLogger(log.Options{Component: "busd", Version: version, Debug: debug})

	if socketPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = ""
		}
		socketPath = bus.DefaultSocketPath(lifecycle.ResolveBaseDir(home))
	}

	daemon := bus.NewDaemon(socketPath, os.Stdin, os.Stdout, logger)

	stop := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		logger.Info("received termination signal, shutting down")
		close(stop)
	}()

	if err := daemon.Run(stop); err != nil {
		if err == bus.ErrSocketInUse {
			fmt.Fprintln(os.Stderr, "busd: socket already in use, assuming another instance is live")
			os.Exit(1)
		}
		logger.WithError(err).Error("daemon exited with error")
		os.Exit(1)
	}
}

package lifecycle

import (
	"io"

	"github.com/sasha-s/go-deadlock"

	"github.com/socratic-shell/theoldswitcheroo/pkg/config"
)

// State is one of the taskspace states of spec.md §4.4.2.
type State int

const (
	StateAbsent State = iota
	StateProvisioning
	StateCloned
	StateStarting
	StateRunning
	StateStale
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateProvisioning:
		return "provisioning"
	case StateCloned:
		return "cloned"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStale:
		return "stale"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ViewMode is the UI collaborator's display mode for a taskspace,
// per spec.md §3.
type ViewMode int

const (
	ViewEditor ViewMode = iota
	ViewMeta
)

// Taskspace is entity T of spec.md §3: a mutex-guarded struct owned by
// the Controller, exactly like the teacher's Container (owned by
// DockerCommand, StatsMutex guarding mutable fields).
type Taskspace struct {
	UUID string // immutable once assigned, per spec.md §3
	Name string

	State State
	Port  int // 0 == "never started"

	Extensions config.ExtensionManifest
	ViewMode   ViewMode

	// EditorView and MetaView are opaque handles borrowed from the UI
	// collaborator per spec.md §3/§9: this package only stores and
	// compares references, never constructs or disposes them.
	EditorView any
	MetaView   any

	// tunnel is the local port forward backing State == StateRunning,
	// owned exclusively by the Controller (spec.md §8's forward
	// invariant); nil whenever the taskspace isn't Running.
	tunnel io.Closer

	mu deadlock.Mutex
}

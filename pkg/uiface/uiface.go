// Package uiface is the narrow loading/error surface contract (C6) of
// spec.md §4.6. The core never touches DOM or rendering; it only calls
// this interface and stores the opaque view handles it returns, the
// same separation the teacher draws between DockerCommand and Gui
// (DockerCommand never imports gocui).
package uiface

// ViewHandle is an opaque reference constructed by the UI collaborator
// and merely stored/compared by the core, per spec.md §4.6.
type ViewHandle any

// Interface is the full contract a UI collaborator must satisfy.
type Interface interface {
	// UpdateProgress is advisory and fire-and-forget.
	UpdateProgress(message string)

	// ShowError is terminal: it follows a transition into a
	// non-recoverable state and leaves the main view on the error
	// surface.
	ShowError(title, message, details string)

	// Present swaps the main view to the given handle.
	Present(handle ViewHandle)

	// CreateEditorView and CreateMetaView construct opaque view
	// handles for a taskspace; the core triggers construction once
	// per taskspace and stores the result by reference.
	CreateEditorView(sessionPartition, initialURL string) ViewHandle
	CreateMetaView(sessionPartition string) ViewHandle
}

// LogSink is the default Interface used by the controller binary when
// no real UI is attached: it logs what would have been rendered
// instead of rendering it. It is the only Interface implementation
// this repo provides, mirroring the teacher's stance that the actual
// UI is an external collaborator.
type LogSink struct {
	Log func(format string, args ...any)
}

// NewLogSink returns a LogSink that writes through log, or to nothing
// if log is nil.
func NewLogSink(log func(format string, args ...any)) *LogSink {
	if log == nil {
		log = func(string, ...any) {}
	}
	return &LogSink{Log: log}
}

func (s *LogSink) UpdateProgress(message string) {
	s.Log("progress: %s", message)
}

func (s *LogSink) ShowError(title, message, details string) {
	if details != "" {
		s.Log("error: %s: %s (%s)", title, message, details)
		return
	}
	s.Log("error: %s: %s", title, message)
}

func (s *LogSink) Present(handle ViewHandle) {
	s.Log("present: %v", handle)
}

func (s *LogSink) CreateEditorView(sessionPartition, initialURL string) ViewHandle {
	s.Log("create editor view: partition=%s url=%s", sessionPartition, initialURL)
	return sessionPartition + "@" + initialURL
}

func (s *LogSink) CreateMetaView(sessionPartition string) ViewHandle {
	s.Log("create meta view: partition=%s", sessionPartition)
	return sessionPartition + "@meta"
}

package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handlers groups the named handlers spec.md §4.5 dispatches to. Each
// is invoked synchronously from Router.Run's single reading goroutine,
// so "events from different clients are processed in arrival order,
// never reordered" (spec.md §4.5/§5) holds by construction: there is
// exactly one reader of the daemon's stdout.
type Handlers struct {
	NewTaskspaceRequest func(NewTaskspaceRequest)
	UpdateTaskspace     func(UpdateTaskspace)
	StatusRequest       func() StatusResponse
	ProgressLog         func(ProgressLog)
	UserSignal          func(UserSignal)
}

// Router is the C5 event router: it reads the daemon's stdout
// line-by-line, parses each complete line as JSON, and dispatches
// recognized types to Handlers. Non-JSON lines are daemon log output,
// recorded only. Unknown types are recorded and ignored.
type Router struct {
	reader   io.Reader
	reply    io.Writer
	handlers Handlers
	log      *logrus.Entry

	mu sync.Mutex // serializes writes to reply (status_response, broadcasts)
}

// NewRouter builds a Router. reader is normally a transport
// ProcessHandle's Stdout for the process running busd; reply is that
// same handle's Stdin.
func NewRouter(reader io.Reader, reply io.Writer, handlers Handlers, log *logrus.Entry) *Router {
	return &Router{reader: reader, reply: reply, handlers: handlers, log: log}
}

// Run reads until reader is exhausted or returns an error. It never
// returns on a single bad line; only a read error on the underlying
// stream ends it.
func (r *Router) Run() error {
	scanner := bufio.NewScanner(r.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.dispatchLine(scanner.Text())
	}
	return scanner.Err()
}

func (r *Router) dispatchLine(line string) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(line), &envelope); err != nil {
		r.log.WithField("line", line).Debug("daemon log output")
		return
	}

	switch envelope.Type {
	case TypeNewTaskspaceRequest:
		var event NewTaskspaceRequest
		if r.decode(line, &event) && r.handlers.NewTaskspaceRequest != nil {
			r.handlers.NewTaskspaceRequest(event)
		}
	case TypeUpdateTaskspace:
		var event UpdateTaskspace
		if r.decode(line, &event) && r.handlers.UpdateTaskspace != nil {
			r.handlers.UpdateTaskspace(event)
		}
	case TypeStatusRequest:
		if r.handlers.StatusRequest != nil {
			response := r.handlers.StatusRequest()
			response.Type = TypeStatusResponse
			r.Emit(response)
		}
	case TypeProgressLog:
		var event ProgressLog
		if r.decode(line, &event) && r.handlers.ProgressLog != nil {
			r.handlers.ProgressLog(event)
		}
	case TypeUserSignal:
		var event UserSignal
		if r.decode(line, &event) && r.handlers.UserSignal != nil {
			r.handlers.UserSignal(event)
		}
	default:
		r.log.WithField("type", envelope.Type).Debug("unrecognized event type")
	}
}

func (r *Router) decode(line string, out any) bool {
	if err := json.Unmarshal([]byte(line), out); err != nil {
		r.log.WithError(err).WithField("line", line).Warn("malformed event body")
		return false
	}
	return true
}

// Emit writes event as a line on the reply stream, for a status_response
// or any other controller-originated broadcast, per spec.md §4.5.
func (r *Router) Emit(event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(r.reply, "%s\n", payload)
	return err
}

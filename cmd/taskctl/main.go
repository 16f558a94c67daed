// Command taskctl is the C3 client of spec.md §4.3: a fire-and-forget
// bus-daemon client that composes a well-typed event from command-line
// arguments and deposits it on the socket, plus a tool-protocol
// front-end mode for use from inside an AI-agent harness.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/integrii/flaggy"

	"github.com/socratic-shell/theoldswitcheroo/pkg/bus"
	"github.com/socratic-shell/theoldswitcheroo/pkg/lifecycle"
)

const defaultVersion = "unversioned"

var version = defaultVersion

func main() {
	newTaskspaceCmd := flaggy.NewSubcommand("new-taskspace")
	newTaskspaceCmd.Description = "request creation of a new taskspace"
	var ntName, ntDescription, ntCwd, ntPrompt string
	newTaskspaceCmd.String(&ntName, "n", "name", "taskspace name")
	newTaskspaceCmd.String(&ntDescription, "d", "description", "taskspace description")
	newTaskspaceCmd.String(&ntCwd, "", "cwd", "initial working directory")
	newTaskspaceCmd.String(&ntPrompt, "", "initial-prompt", "initial agent prompt")

	updateTaskspaceCmd := flaggy.NewSubcommand("update-taskspace")
	updateTaskspaceCmd.Description = "update the calling taskspace's name or description"
	var utName, utDescription string
	updateTaskspaceCmd.String(&utName, "n", "name", "new taskspace name")
	updateTaskspaceCmd.String(&utDescription, "d", "description", "new taskspace description")

	statusCmd := flaggy.NewSubcommand("status")
	statusCmd.Description = "request a status_response broadcast"

	logProgressCmd := flaggy.NewSubcommand("log-progress")
	logProgressCmd.Description = "emit a progress_log event"
	var lpMessage, lpCategory string
	logProgressCmd.String(&lpMessage, "m", "message", "progress message")
	logProgressCmd.String(&lpCategory, "c", "category", "info|warn|error|milestone|question")

	signalUserCmd := flaggy.NewSubcommand("signal-user")
	signalUserCmd.Description = "emit a user_signal event"
	var suMessage string
	signalUserCmd.String(&suMessage, "m", "message", "signal message")

	toolEndpointCmd := flaggy.NewSubcommand("tool-endpoint")
	toolEndpointCmd.Description = "print the tool-protocol surface available to the calling taskspace"

	flaggy.SetName("taskctl")
	flaggy.SetDescription("client of the theoldswitcheroo taskspace event bus")
	flaggy.SetVersion(version)
	flaggy.AttachSubcommand(newTaskspaceCmd, 1)
	flaggy.AttachSubcommand(updateTaskspaceCmd, 1)
	flaggy.AttachSubcommand(statusCmd, 1)
	flaggy.AttachSubcommand(logProgressCmd, 1)
	flaggy.AttachSubcommand(signalUserCmd, 1)
	flaggy.AttachSubcommand(toolEndpointCmd, 1)
	flaggy.Parse()

	client := newClient()

	var eventName string
	var err error
	switch {
	case newTaskspaceCmd.Used:
		eventName = string(bus.TypeNewTaskspaceRequest)
		err = client.Send(bus.NewTaskspaceRequest{
			Type:          bus.TypeNewTaskspaceRequest,
			Timestamp:     time.Now(),
			Name:          ntName,
			Description:   ntDescription,
			Cwd:           ntCwd,
			InitialPrompt: ntPrompt,
		})
	case updateTaskspaceCmd.Used:
		eventName = string(bus.TypeUpdateTaskspace)
		err = runUpdateTaskspace(client, utName, utDescription)
	case statusCmd.Used:
		eventName = string(bus.TypeStatusRequest)
		err = client.Send(bus.StatusRequest{Type: bus.TypeStatusRequest, Timestamp: time.Now()})
	case logProgressCmd.Used:
		eventName = string(bus.TypeProgressLog)
		err = runLogProgress(client, lpMessage, lpCategory)
	case signalUserCmd.Used:
		eventName = string(bus.TypeUserSignal)
		err = runSignalUser(client, suMessage)
	case toolEndpointCmd.Used:
		err = runToolEndpoint(os.Stdout)
	default:
		flaggy.ShowHelpAndExit("no subcommand given")
		return
	}

	if err != nil {
		exitFor(err)
	}
	if eventName != "" {
		confirmSent(eventName)
	}
}

// confirmSent prints a colorized one-line confirmation that an event
// was deposited on the bus, the CLI-feedback analogue of the teacher's
// container-state coloring in the GUI (SPEC_FULL.md §4's fatih/color
// row) — the response itself is never delivered back to this client
// (spec.md §4.3), so this only confirms the send, not any reply.
func confirmSent(eventName string) {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s %s sent\n", green("✓"), eventName)
}

// newClient resolves the socket path the same way the controller
// resolves its remote base directory, per spec.md §6's environment
// variables.
func newClient() *bus.Client {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	baseDir := lifecycle.ResolveBaseDir(home)
	return bus.NewClient(baseDir)
}

func runUpdateTaskspace(client *bus.Client, name, description string) error {
	id, ok := derivedUUID()
	if !ok {
		return fmt.Errorf("update-taskspace: could not derive a taskspace UUID from the current working directory")
	}
	return client.Send(bus.UpdateTaskspace{
		Type:        bus.TypeUpdateTaskspace,
		Timestamp:   time.Now(),
		UUID:        id,
		Name:        name,
		Description: description,
	})
}

func runLogProgress(client *bus.Client, message, category string) error {
	cat, ok := parseCategory(category)
	if !ok {
		return fmt.Errorf("log-progress: unrecognized category %q", category)
	}
	id, _ := derivedUUID()
	return client.Send(bus.ProgressLog{
		Type:          bus.TypeProgressLog,
		Timestamp:     time.Now(),
		Message:       message,
		Category:      cat,
		TaskspaceUUID: id,
	})
}

func runSignalUser(client *bus.Client, message string) error {
	id, _ := derivedUUID()
	return client.Send(bus.UserSignal{
		Type:          bus.TypeUserSignal,
		Timestamp:     time.Now(),
		Message:       message,
		TaskspaceUUID: id,
	})
}

func parseCategory(raw string) (bus.Category, bool) {
	switch bus.Category(raw) {
	case bus.CategoryInfo, bus.CategoryWarn, bus.CategoryError, bus.CategoryMilestone, bus.CategoryQuestion:
		return bus.Category(raw), true
	default:
		return "", false
	}
}

// derivedUUID applies spec.md §4.3's working-directory derivation rule.
func derivedUUID() (string, bool) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	return lifecycle.UUIDFromPath(cwd)
}

// toolDescriptor is one entry of the tool-protocol surface's listing.
type toolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// toolEndpointResponse is what runToolEndpoint prints: the derived
// UUID attached per spec.md §4.3, and an empty Tools set when no UUID
// could be derived.
type toolEndpointResponse struct {
	TaskspaceUUID string           `json:"taskspaceUuid,omitempty"`
	Tools         []toolDescriptor `json:"tools"`
}

// runToolEndpoint implements spec.md §4.3's tool-protocol front-end
// mode: it prints the tool listing as one JSON object, listing tools
// only if it can derive a taskspace UUID from its working directory
// (otherwise an empty tool set), and includes that UUID in the listing.
// It emits no bus events itself. Every listed tool maps onto one of the
// event-emitting subcommands above, which attach the derived UUID to
// the events they send.
func runToolEndpoint(out *os.File) error {
	id, ok := derivedUUID()
	resp := toolEndpointResponse{Tools: []toolDescriptor{}}
	if ok {
		resp.TaskspaceUUID = id
		resp.Tools = []toolDescriptor{
			{Name: "update_taskspace", Description: "rename or redescribe this taskspace"},
			{Name: "log_progress", Description: "emit a progress update visible to the operator"},
			{Name: "signal_user", Description: "ask for the operator's attention"},
		}
	}
	encoder := json.NewEncoder(out)
	return encoder.Encode(resp)
}

// exitFor applies spec.md §6's exit-code contract: 0 success handled
// by the caller returning nil, 1 generic failure, and a distinguished
// non-zero code (2) with a single diagnostic line for an unavailable
// socket. An elapsed half-close wait is not an error: Send returns nil
// once HalfCloseWait has passed, so that case exits 0.
func exitFor(err error) {
	if err == bus.ErrUnavailable {
		fmt.Fprintln(os.Stderr, "taskctl: bus socket unavailable")
		os.Exit(2)
	}
	log.Println(err.Error())
	os.Exit(1)
}

package lifecycle

import (
	"fmt"
	"regexp"
	"strconv"
)

// portPatterns are tried in order against the editor server's stdout,
// per spec.md §4.4.2/§6. The set is deliberately exact: narrowing it
// breaks some editor-binary versions that only emit one of the later
// forms.
var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Web UI available at.*:(\d+)`),
	regexp.MustCompile(`localhost:(\d+)`),
	regexp.MustCompile(`127\.0\.0\.1:(\d+)`),
	regexp.MustCompile(`0\.0\.0\.0:(\d+)`),
}

// ParsePort scans a line of editor-server stdout for the first matching
// port-announcement pattern, returning (port, true) on a match.
func ParsePort(line string) (int, bool) {
	for _, pattern := range portPatterns {
		m := pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return port, true
	}
	return 0, false
}

// InvocationSpec carries everything BuildInvocationScript needs to
// render the single shell script that §4.4.3 describes, executed once
// through transport.ExecuteStreaming.
type InvocationSpec struct {
	EditorBinary    string // path to the installed editor-server binary
	CloneRoot       string
	ServerDataRoot  string
	ExtensionsRoot  string
	SharedUserData  string
	MarketplaceExts []string // extension identifiers, e.g. "ms-python.python"
	UploadedExts    []string // absolute remote paths of .vsix files already uploaded
}

// BuildInvocationScript renders the shell script of spec.md §4.4.3:
// create directories, install marketplace then uploaded extensions,
// then exec the editor server with the semantically-required flags of
// §6. Every argument is single-quoted for the remote shell so a path
// or extension id containing spaces survives intact.
func BuildInvocationScript(spec InvocationSpec) string {
	var script []string
	script = append(script, "set -e")
	script = append(script, shellCommand("mkdir", "-p", spec.ServerDataRoot, spec.ExtensionsRoot))

	for _, ext := range spec.MarketplaceExts {
		script = append(script, shellCommand(spec.EditorBinary,
			"--extensions-dir", spec.ExtensionsRoot,
			"--install-extension", ext,
		))
	}
	for _, vsixPath := range spec.UploadedExts {
		script = append(script, shellCommand(spec.EditorBinary,
			"--extensions-dir", spec.ExtensionsRoot,
			"--install-extension", vsixPath,
		))
	}

	script = append(script, shellCommand(spec.EditorBinary,
		"--host", "0.0.0.0",
		"--port", "0",
		"--server-data-dir", spec.ServerDataRoot,
		"--extensions-dir", spec.ExtensionsRoot,
		"--user-data-dir", spec.SharedUserData,
		"--without-connection-token",
		"--enable-remote-auto-shutdown",
		"--disable-workspace-trust",
		"--default-folder", spec.CloneRoot,
	))

	joined := ""
	for i, line := range script {
		if i > 0 {
			joined += "\n"
		}
		joined += line
	}
	return joined
}

// shellCommand quotes name and each arg for safe insertion into the
// generated shell script.
func shellCommand(name string, args ...string) string {
	words := make([]string, 0, len(args)+1)
	words = append(words, name)
	words = append(words, args...)
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = quoteShellWord(w)
	}
	return joinSpace(quoted)
}

// quoteShellWord wraps w in single quotes, escaping any single quote
// it contains, so the remote POSIX shell treats it as one word
// regardless of embedded spaces or glob metacharacters.
func quoteShellWord(w string) string {
	if w == "" {
		return "''"
	}
	escaped := ""
	for _, r := range w {
		if r == '\'' {
			escaped += `'\''`
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}

func joinSpace(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}

// ArchTag maps a remote `uname -m` response to the short architecture
// tag used by the editor-binary and bus-runtime archive names, per
// spec.md §4.4.4. Unrecognized machine names fall back to linux-x64
// with ok=false so the caller can log a warning.
func ArchTag(unameM string) (tag string, ok bool) {
	switch unameM {
	case "x86_64":
		return "linux-x64", true
	case "aarch64", "arm64":
		return "linux-arm64", true
	default:
		return "linux-x64", false
	}
}

// EditorArchiveName is the version-pinned archive file name for tag,
// per spec.md §4.4.4.
func EditorArchiveName(version, tag string) string {
	return fmt.Sprintf("openvscode-server-v%s-%s.tar.gz", version, tag)
}

package lifecycle

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/socratic-shell/theoldswitcheroo/pkg/errs"
)

// EditorVersion is the pinned openvscode-server release every host
// runs, per spec.md §4.4.4's "version-pinned archive".
const EditorVersion = "1.85.2"

// editorDownloadBaseURL is where pinned editor-server archives are
// published.
const editorDownloadBaseURL = "https://github.com/gitpod-io/openvscode-server/releases/download"

// BusRuntimeVersion is the pinned embedded-runtime release that
// EnsureBusRuntime installs, per spec.md §4.4.5. busd itself is a
// native binary and does not run under it.
const BusRuntimeVersion = "20.11.1"

// busRuntimeDownloadBaseURL is where pinned runtime archives are
// published.
const busRuntimeDownloadBaseURL = "https://nodejs.org/dist"

// BusRuntimeArchiveName is the version-pinned archive file name for
// tag, per spec.md §4.4.5. The runtime's own architecture tags happen
// to match ArchTag's (linux-x64, linux-arm64) so no remapping is
// needed.
func BusRuntimeArchiveName(version, tag string) string {
	return fmt.Sprintf("node-v%s-%s.tar.gz", version, tag)
}

// probeArch runs `uname -m` on the controller's host through transport
// and maps the result to an architecture tag via ArchTag, logging a
// warning on an unrecognized machine name rather than failing, per
// spec.md §4.4.4.
func (c *Controller) probeArch(ctx context.Context) (string, error) {
	out, err := c.transport.Execute(ctx, c.hostID, "uname -m")
	if err != nil {
		return "", errs.New(errs.KindTransport, "probe uname -m", err)
	}
	tag, ok := ArchTag(out)
	if !ok {
		c.log.WithField("uname_m", out).Warn("unrecognized architecture, defaulting to linux-x64")
	}
	return tag, nil
}

// remoteDirExists is cloneDirExists generalized to any remote path: a
// pure file-existence test run through transport, making every install
// step idempotent across restarts, per spec.md §4.4.4/§4.4.5.
func (c *Controller) remoteDirExists(ctx context.Context, path string) (bool, error) {
	command := fmt.Sprintf("test -d %s && echo yes || echo no", quoteShellWord(path))
	out, err := c.transport.Execute(ctx, c.hostID, command)
	if err != nil {
		return false, errs.New(errs.KindTransport, "probe remote path", err)
	}
	return out == "yes", nil
}

// remoteFileExists is remoteDirExists narrowed to a plain file, used by
// EnsureBusDaemonBinary to decide whether a fresh upload is needed.
func (c *Controller) remoteFileExists(ctx context.Context, path string) (bool, error) {
	command := fmt.Sprintf("test -f %s && echo yes || echo no", quoteShellWord(path))
	out, err := c.transport.Execute(ctx, c.hostID, command)
	if err != nil {
		return false, errs.New(errs.KindTransport, "probe remote file", err)
	}
	return out == "yes", nil
}

// EnsureBusDaemonBinary uploads the locally built busd binary (this
// module's own cmd/busd, cross-compiled for the remote host's
// architecture as part of the release process) to BusDaemonBinaryPath
// if it isn't already present remotely, and makes it executable. This
// is the one remote install step with no archive to unpack: busd is a
// single static Go binary, so it travels over Transporter.Upload
// directly rather than through downloadAndUnpackTarGz.
func (c *Controller) EnsureBusDaemonBinary(ctx context.Context, localBusdPath string) error {
	remotePath := BusDaemonBinaryPath(c.baseDir)
	exists, err := c.remoteFileExists(ctx, remotePath)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	mkdir := fmt.Sprintf("mkdir -p %s", quoteShellWord(filepath.Dir(remotePath)))
	if _, err := c.transport.Execute(ctx, c.hostID, mkdir); err != nil {
		return errs.New(errs.KindProvisioning, "create remote bin directory", err)
	}

	c.emitProgressThrottled("uploading bus daemon binary")
	if err := c.transport.Upload(ctx, c.hostID, localBusdPath, remotePath); err != nil {
		return errs.New(errs.KindProvisioning, "upload bus daemon binary", err)
	}

	chmod := fmt.Sprintf("chmod +x %s", quoteShellWord(remotePath))
	if _, err := c.transport.Execute(ctx, c.hostID, chmod); err != nil {
		return errs.New(errs.KindProvisioning, "chmod bus daemon binary", err)
	}
	return nil
}

// EnsureEditorBinary installs the pinned editor-server binary on the
// controller's host if its install directory doesn't already exist,
// per spec.md §4.4.4. The archive is downloaded and unpacked locally
// (klauspost/compress/gzip + stdlib archive/tar), then the extracted
// tree is pushed to the remote host file-by-file over C1's upload, and
// the binary is made executable.
func (c *Controller) EnsureEditorBinary(ctx context.Context) error {
	installDir := EditorBinaryDir(c.baseDir)
	exists, err := c.remoteDirExists(ctx, installDir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	tag, err := c.probeArch(ctx)
	if err != nil {
		return err
	}
	archiveName := EditorArchiveName(EditorVersion, tag)
	url := fmt.Sprintf("%s/v%s/%s", editorDownloadBaseURL, EditorVersion, archiveName)

	c.emitProgressThrottled("downloading editor server " + archiveName)
	staged, err := downloadAndUnpackTarGz(ctx, url)
	if err != nil {
		return errs.New(errs.KindProvisioning, "download editor server", err)
	}
	defer os.RemoveAll(staged)

	if err := c.uploadTree(ctx, staged, installDir); err != nil {
		return errs.New(errs.KindProvisioning, "upload editor server", err)
	}

	chmod := fmt.Sprintf("chmod +x %s", quoteShellWord(installDir+"/bin/openvscode-server"))
	if _, err := c.transport.Execute(ctx, c.hostID, chmod); err != nil {
		return errs.New(errs.KindProvisioning, "chmod editor server", err)
	}
	return nil
}

// EnsureBusRuntime installs the embedded language runtime, plus the
// wrapper script under bin/ that launches C3 with it attached, per
// spec.md §4.4.5. The bus daemon (C2) does not use this runtime: busd
// is a native binary installed by EnsureBusDaemonBinary. Idempotent the
// same way EnsureEditorBinary is.
func (c *Controller) EnsureBusRuntime(ctx context.Context) error {
	runtimeDir := BusRuntimeDir(c.baseDir)
	exists, err := c.remoteDirExists(ctx, runtimeDir)
	if err != nil {
		return err
	}
	if !exists {
		tag, err := c.probeArch(ctx)
		if err != nil {
			return err
		}
		archiveName := BusRuntimeArchiveName(BusRuntimeVersion, tag)
		url := fmt.Sprintf("%s/v%s/%s", busRuntimeDownloadBaseURL, BusRuntimeVersion, archiveName)

		c.emitProgressThrottled("downloading bus runtime " + archiveName)
		staged, err := downloadAndUnpackTarGz(ctx, url)
		if err != nil {
			return errs.New(errs.KindProvisioning, "download bus runtime", err)
		}
		defer os.RemoveAll(staged)

		if err := c.uploadTree(ctx, staged, runtimeDir); err != nil {
			return errs.New(errs.KindProvisioning, "upload bus runtime", err)
		}
	}

	return c.writeTaskctlWrapper(ctx)
}

// writeTaskctlWrapper renders the tiny wrapper script of spec.md §4.4.5
// ("a tiny wrapper script under the remote base bin/ directory launches
// C3 with this embedded runtime") and installs it remotely through a
// heredoc, since it's a handful of bytes and doesn't warrant a
// local-stage-then-upload round trip the way the archives above do.
func (c *Controller) writeTaskctlWrapper(ctx context.Context) error {
	wrapperPath := TaskctlWrapperPath(c.baseDir)
	runtimeBin := BusRuntimeDir(c.baseDir) + "/bin/node"
	taskctlScript := filepath.Dir(TaskctlWrapperPath(c.baseDir)) + "/taskctl.js"

	script := fmt.Sprintf(
		"mkdir -p %s\ncat > %s <<'TASKCTL_WRAPPER'\n#!/bin/sh\nexec %s %s \"$@\"\nTASKCTL_WRAPPER\nchmod +x %s\n",
		quoteShellWord(filepath.Dir(wrapperPath)),
		quoteShellWord(wrapperPath),
		quoteShellWord(runtimeBin),
		quoteShellWord(taskctlScript),
		quoteShellWord(wrapperPath),
	)

	if _, err := c.transport.Execute(ctx, c.hostID, script); err != nil {
		return errs.New(errs.KindProvisioning, "install taskctl wrapper", err)
	}
	return nil
}

// downloadAndUnpackTarGz fetches url over HTTP, decompresses it with
// klauspost/compress/gzip, and extracts the tar stream into a fresh
// temp directory, returning that directory's path. net/http is used
// here for the same stdlib-justified reason as probe.go's health
// check: no example repo carries a dedicated download client.
func downloadAndUnpackTarGz(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	dir, err := os.MkdirTemp("", "theoldswitcheroo-install-*")
	if err != nil {
		return "", err
	}

	if err := extractTar(dir, tar.NewReader(gz)); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// extractTar writes every regular file and directory entry of r under
// root, preserving the executable bit. Archives of this size (an
// editor-server or runtime release) are small enough to extract
// straight to disk without streaming size limits.
func extractTar(root string, r *tar.Reader) error {
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.Join(root, filepath.Clean("/"+hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			mode := os.FileMode(hdr.Mode) & 0o777
			if mode == 0 {
				mode = 0o644
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, r); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// symlinks and other entry kinds are skipped; neither the
			// editor-server nor the runtime archive relies on them for
			// the files this controller actually invokes.
		}
	}
}

// uploadTree pushes every file under localRoot to remoteRoot over C1's
// upload, creating remote directories as it goes via a plain `mkdir
// -p`, since C1 exposes no directory-upload primitive of its own.
func (c *Controller) uploadTree(ctx context.Context, localRoot, remoteRoot string) error {
	return filepath.WalkDir(localRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localRoot, path)
		if err != nil {
			return err
		}
		remotePath := remoteRoot
		if rel != "." {
			remotePath = remoteRoot + "/" + filepath.ToSlash(rel)
		}

		if d.IsDir() {
			mkdir := fmt.Sprintf("mkdir -p %s", quoteShellWord(remotePath))
			_, err := c.transport.Execute(ctx, c.hostID, mkdir)
			return err
		}
		return c.transport.Upload(ctx, c.hostID, path, remotePath)
	})
}

package lifecycle

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusRuntimeArchiveName(t *testing.T) {
	assert.Equal(t, "node-v20.11.1-linux-x64.tar.gz", BusRuntimeArchiveName("20.11.1", "linux-x64"))
	assert.Equal(t, "node-v20.11.1-linux-arm64.tar.gz", BusRuntimeArchiveName("20.11.1", "linux-arm64"))
}

func TestProbeArchMapsUnameOutput(t *testing.T) {
	ft := &fakeTransport{unameOutput: "aarch64"}
	c, _, _ := newTestController(t, ft)

	tag, err := c.probeArch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "linux-arm64", tag)
}

func TestProbeArchFallsBackOnUnknownMachine(t *testing.T) {
	ft := &fakeTransport{unameOutput: "riscv64"}
	c, _, _ := newTestController(t, ft)

	tag, err := c.probeArch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "linux-x64", tag)
}

func TestRemoteDirExists(t *testing.T) {
	ft := &fakeTransport{existingClones: map[string]bool{"/base/openvscode-server": true}}
	c, _, _ := newTestController(t, ft)

	exists, err := c.remoteDirExists(context.Background(), "/base/openvscode-server")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEnsureEditorBinarySkipsInstallWhenAlreadyPresent(t *testing.T) {
	installDir := EditorBinaryDir("/base")
	ft := &fakeTransport{existingClones: map[string]bool{installDir: true}}
	c, _, _ := newTestController(t, ft)

	err := c.EnsureEditorBinary(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ft.uploads)
}

func TestEnsureBusRuntimeSkipsDownloadButWritesWrapper(t *testing.T) {
	runtimeDir := BusRuntimeDir("/base")
	ft := &fakeTransport{existingClones: map[string]bool{runtimeDir: true}}
	c, _, _ := newTestController(t, ft)

	err := c.EnsureBusRuntime(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ft.uploads)
	require.NotEmpty(t, ft.cloneAttempts)
	lastScript := ft.cloneAttempts[len(ft.cloneAttempts)-1]
	assert.Contains(t, lastScript, "taskctl")
	assert.Contains(t, lastScript, "TASKCTL_WRAPPER")
}

func TestRemoteFileExists(t *testing.T) {
	ft := &fakeTransport{existingClones: map[string]bool{"/base/bin/busd": true}}
	c, _, _ := newTestController(t, ft)

	exists, err := c.remoteFileExists(context.Background(), "/base/bin/busd")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEnsureBusDaemonBinarySkipsUploadWhenAlreadyPresent(t *testing.T) {
	remotePath := BusDaemonBinaryPath("/base")
	ft := &fakeTransport{existingClones: map[string]bool{remotePath: true}}
	c, _, _ := newTestController(t, ft)

	err := c.EnsureBusDaemonBinary(context.Background(), "/local/busd")
	require.NoError(t, err)
	assert.Empty(t, ft.uploads)
}

func TestEnsureBusDaemonBinaryUploadsAndMakesExecutable(t *testing.T) {
	ft := &fakeTransport{}
	c, _, _ := newTestController(t, ft)

	err := c.EnsureBusDaemonBinary(context.Background(), "/local/busd")
	require.NoError(t, err)

	remotePath := BusDaemonBinaryPath("/base")
	assert.Contains(t, ft.uploads, "/local/busd->"+remotePath)

	foundChmod := false
	for _, cmd := range ft.cloneAttempts {
		if strings.Contains(cmd, "chmod +x") && strings.Contains(cmd, remotePath) {
			foundChmod = true
		}
	}
	assert.True(t, foundChmod)
}

func TestUploadTreePushesFilesAndCreatesRemoteDirs(t *testing.T) {
	ft := &fakeTransport{}
	c, _, _ := newTestController(t, ft)

	local := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(local, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "bin", "openvscode-server"), []byte("#!/bin/sh\n"), 0o755))

	require.NoError(t, c.uploadTree(context.Background(), local, "/base/openvscode-server"))

	assert.Contains(t, ft.uploads, filepath.Join(local, "bin", "openvscode-server")+"->/base/openvscode-server/bin/openvscode-server")

	foundMkdir := false
	for _, cmd := range ft.cloneAttempts {
		if strings.Contains(cmd, "mkdir -p") && strings.Contains(cmd, "/base/openvscode-server/bin") {
			foundMkdir = true
		}
	}
	assert.True(t, foundMkdir)
}

func TestExtractTarWritesFilesAndPreservesExecBit(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	writeEntry := func(name string, mode int64, body string) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: mode,
			Size: int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	writeEntry("bin/openvscode-server", 0o755, "#!/bin/sh\necho hi\n")
	writeEntry("README.md", 0o644, "hello\n")
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	gzr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	defer gzr.Close()

	dir := t.TempDir()
	require.NoError(t, extractTar(dir, tar.NewReader(gzr)))

	data, err := os.ReadFile(filepath.Join(dir, "bin", "openvscode-server"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hi\n", string(data))

	info, err := os.Stat(filepath.Join(dir, "bin", "openvscode-server"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	readme, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(readme))
}

func TestExtractTarClampsPathTraversalIntoRoot(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := "malicious\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../../etc/passwd",
		Mode: 0o644,
		Size: int64(len(body)),
	}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	gzr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	defer gzr.Close()

	dir := t.TempDir()
	require.NoError(t, extractTar(dir, tar.NewReader(gzr)))

	_, statErr := os.Stat(filepath.Join(dir, "etc", "passwd"))
	require.NoError(t, statErr)
	_, escapedErr := os.Stat(filepath.Join(filepath.Dir(dir), "etc", "passwd"))
	assert.True(t, os.IsNotExist(escapedErr))
}

package detector

import (
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathDetector(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "drive_c", "windows", "mono")
	d := PathDetector{Path: marker, Dir: true}

	ok, err := d.Alive()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.MkdirAll(filepath.Dir(marker), 0o750))
	require.NoError(t, os.WriteFile(marker, []byte("not a dir"), 0o600))
	ok, err = d.Alive()
	require.NoError(t, err)
	assert.False(t, ok, "a plain file does not satisfy Dir")

	ok, err = PathDetector{Path: marker}.Alive()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "path:"+marker, d.Describe())

	ok, _ = PathDetector{}.Alive()
	assert.False(t, ok)
}

func TestPortDetector(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := PortDetector{Addr: ln.Addr().String(), Timeout: 200 * time.Millisecond}

	ok, err := d.Alive()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ln.Close())
	ok, err = d.Alive()
	assert.NoError(t, err, "refused connections are not errors")
	assert.False(t, ok)
}

func TestProcessDetector(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	const marker = "mt5prov-detector-marker-7f3a"
	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", "sleep 5; : "+marker)
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }()

	var ok bool
	var err error
	require.Eventually(t, func() bool {
		ok, err = ProcessDetector{Match: "MT5PROV-DETECTOR-MARKER-7F3A"}.Alive()
		return err != nil || ok
	}, 2*time.Second, 25*time.Millisecond)
	if err != nil {
		t.Skipf("process table unavailable: %v", err)
	}

	ok, _ = ProcessDetector{Match: marker + "-absent"}.Alive()
	assert.False(t, ok)
	ok, _ = ProcessDetector{Match: "  "}.Alive()
	assert.False(t, ok)
}

type fixed struct {
	ok   bool
	err  error
	name string
}

func (f fixed) Alive() (bool, error) { return f.ok, f.err }
func (f fixed) Describe() string     { return f.name }

func TestAny(t *testing.T) {
	boom := errors.New("boom")

	ok, by, err := Any(fixed{err: boom, name: "a"}, fixed{ok: true, name: "b"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", by)

	ok, _, err = Any(fixed{err: boom}, fixed{err: errors.New("later")}, fixed{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)

	ok, by, err = Any()
	assert.False(t, ok)
	assert.Empty(t, by)
	assert.NoError(t, err)
}

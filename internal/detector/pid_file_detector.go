//go:build !windows

package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// PIDMeta is the third line of a supervisor pid file.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// PIDFileDetector reports whether the process recorded in a pid file still
// runs. Pid files are "<pid>[\n<spec json>[\n<meta json>]]"; with a start time
// in the meta line a reused pid is not mistaken for the original child.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	b, err := os.ReadFile(d.PIDFile) // #nosec G304
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\r\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return false, fmt.Errorf("%s: bad pid %q", d.PIDFile, strings.TrimSpace(lines[0]))
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false, nil
	}
	if len(lines) < 3 {
		return true, nil
	}
	var meta PIDMeta
	if json.Unmarshal([]byte(strings.TrimSpace(lines[2])), &meta) != nil || meta.StartUnix <= 0 {
		return true, nil
	}
	started, ok := StartTime(pid)
	return !ok || started.Unix() == meta.StartUnix, nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

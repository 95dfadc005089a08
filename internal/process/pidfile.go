package process

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/mt5prov/internal/detector"
)

// writePIDFile writes "<pid>\n<spec json>\n<meta json>"; the start time in the
// meta line lets detector.PIDFileDetector reject reused PIDs.
func writePIDFile(path string, pid int, spec Spec) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	sb, _ := json.Marshal(spec)
	var meta detector.PIDMeta
	if started, ok := detector.StartTime(pid); ok {
		meta.StartUnix = started.Unix()
	}
	mb, _ := json.Marshal(meta)
	content := strings.Join([]string{strconv.Itoa(pid), string(sb), string(mb)}, "\n")
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile returns the PID and, when present, the Spec stored in a PID file.
func ReadPIDFile(path string) (int, *Spec, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, err
	}
	specLine, _, _ := strings.Cut(rest, "\n")
	specLine = strings.TrimSpace(specLine)
	if specLine == "" {
		return pid, nil, nil
	}
	var spec Spec
	if err := json.Unmarshal([]byte(specLine), &spec); err != nil {
		return pid, nil, nil
	}
	return pid, &spec, nil
}

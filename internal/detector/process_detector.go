package detector

import (
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ProcessDetector scans the process table for a command line containing Match.
// Matching is case-insensitive since wine reports Windows paths verbatim.
type ProcessDetector struct{ Match string }

func (d ProcessDetector) Alive() (bool, error) {
	if strings.TrimSpace(d.Match) == "" {
		return false, nil
	}
	needle := strings.ToLower(d.Match)
	procs, err := gopsproc.Processes()
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if strings.Contains(strings.ToLower(cmdline), needle) {
			return true, nil
		}
	}
	return false, nil
}

func (d ProcessDetector) Describe() string { return "proc:" + d.Match }

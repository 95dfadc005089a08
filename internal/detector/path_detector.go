package detector

import (
	"errors"
	"io/fs"
	"os"
)

// PathDetector reports whether Path exists inside the wine prefix or host
// filesystem. With Dir set the path must also be a directory.
type PathDetector struct {
	Path string
	Dir  bool
}

func (d PathDetector) Alive() (bool, error) {
	if d.Path == "" {
		return false, nil
	}
	fi, err := os.Stat(d.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, err
	case d.Dir:
		return fi.IsDir(), nil
	}
	return true, nil
}

func (d PathDetector) Describe() string { return "path:" + d.Path }

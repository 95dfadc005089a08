package server

import (
	"path"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// processNameRE matches the names the supervisor gives its children, which
// double as log and pid file names.
var processNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// sanitizeBase turns a configured mount point into "" or a clean "/prefix".
func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

func validProcessName(s string) bool {
	return processNameRE.MatchString(s) && !strings.Contains(s, "..")
}

// writeJSON renders v uncached; status data is only meaningful live.
func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Cache-Control", "no-store")
	c.JSON(code, v)
}

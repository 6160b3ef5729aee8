package server

import (
	"cmp"
	"encoding/json"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/dosrun/internal/metrics"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafePath accepts absolute or install-relative paths that are already
// clean and do not climb out with "..". This reduces risk of uncontrolled
// user input being used in filesystem paths.
func isSafePath(p string) bool {
	if strings.TrimSpace(p) == "" || strings.ContainsRune(p, 0) {
		return false
	}
	native := filepath.FromSlash(p)
	if filepath.Clean(native) != native {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(native), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// parseID reads a positive game id from the :id path parameter.
func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func sortUsage(us []metrics.Usage) {
	slices.SortFunc(us, func(a, b metrics.Usage) int { return cmp.Compare(a.GameID, b.GameID) })
}

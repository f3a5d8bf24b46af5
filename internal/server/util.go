package server

import (
	"encoding/json"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// segmentRe matches a single path segment that does not start with a dot.
var segmentRe = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// routePrefix turns a configured base path into "" or "/x/y".
func routePrefix(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return path.Clean("/" + bp)
}

// validSegment reports whether s can be joined under the base path as one
// directory or marker name.
func validSegment(s string) bool {
	return segmentRe.MatchString(s) && !strings.Contains(s, "..")
}

// validWorkDir accepts "" or an absolute path that filepath.Clean leaves
// unchanged apart from trailing separators.
func validWorkDir(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	return clean == p || clean == strings.TrimRight(p, string(filepath.Separator))
}

// parseHold reads a Go duration; empty means def.
func parseHold(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, err
	case d < 0:
		return 0, errNegativeHold
	}
	return d, nil
}

// writeJSON encodes v with a trailing newline, matching what the client
// and curl users see from every route.
func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// Package pathutil validates URL paths before they are mapped onto a
// file system.
package pathutil

import (
	"io/fs"
	"path"
	"strings"
)

// hasDotSegments reports whether any path segment is "." or "..".
func hasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// FileName maps a URL path onto a relative fs.FS name. Paths with NUL,
// backslashes, dot segments, a trailing slash or nothing after the root
// are rejected.
func FileName(urlPath string) (string, bool) {
	if strings.ContainsAny(urlPath, "\x00\\") || strings.Contains(urlPath, "..") {
		return "", false
	}
	if hasDotSegments(urlPath) || strings.HasSuffix(urlPath, "/") {
		return "", false
	}
	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if name == "" || !fs.ValidPath(name) {
		return "", false
	}
	return name, true
}

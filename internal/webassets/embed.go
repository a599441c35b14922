package webassets

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
)

//go:embed static
var embedded embed.FS

// StaticFS returns the built-in static tree: stylesheet, script, manifest
// and the service worker at app-content/sw.js.
func StaticFS() fs.FS {
	sub, err := fs.Sub(embedded, "static")
	if err != nil {
		panic(fmt.Errorf("webassets: static subfs: %w", err))
	}
	return sub
}

// DirOrDefault returns dir as an FS when it is a readable directory and
// the built-in tree otherwise. The bool reports whether dir was used.
func DirOrDefault(dir string) (fs.FS, bool) {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir), true
		}
	}
	return StaticFS(), false
}

// Package static serves files from the site's static directory verbatim.
package static

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/keithlinneman/transit-web/internal/pathutil"
)

var ErrInvalidOptions = errors.New("static: invalid options")

type Options struct {
	FS fs.FS
	// NotFound handles missing files and unsafe paths
	NotFound http.Handler

	// AssetCacheControl applies to every file not listed in NoCacheFiles.
	// default: "public, max-age=86400"
	AssetCacheControl string
	// NoCacheFiles are base names always served with "no-cache".
	// default: sw.js
	NoCacheFiles []string
}

func (o *Options) setDefaults() {
	if o.AssetCacheControl == "" {
		o.AssetCacheControl = "public, max-age=86400"
	}
	if o.NoCacheFiles == nil {
		o.NoCacheFiles = []string{"sw.js"}
	}
	if o.NotFound == nil {
		o.NotFound = http.NotFoundHandler()
	}
}

type Handler struct {
	opts    Options
	noCache map[string]struct{}
}

func New(opts Options) (*Handler, error) {
	if opts.FS == nil {
		return nil, errors.Join(ErrInvalidOptions, errors.New("FS is nil"))
	}
	opts.setDefaults()
	nc := make(map[string]struct{}, len(opts.NoCacheFiles))
	for _, n := range opts.NoCacheFiles {
		nc[n] = struct{}{}
	}
	return &Handler{opts: opts, noCache: nc}, nil
}

// ServeHTTP serves r.URL.Path relative to the FS root; mount it behind
// http.StripPrefix.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// non-read methods fall through like a missing file
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.opts.NotFound.ServeHTTP(w, r)
		return
	}
	name, ok := pathutil.FileName(r.URL.Path)
	if !ok || !h.ServeFile(w, r, name) {
		h.opts.NotFound.ServeHTTP(w, r)
	}
}

// ServeFile writes name with its cache policy. It reports false without
// writing anything when name is missing or a directory.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request, name string) bool {
	f, err := h.opts.FS.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	rs, ok := f.(io.ReadSeeker)
	if !ok {
		return false
	}

	w.Header().Set("Cache-Control", h.cacheControl(name))
	http.ServeContent(w, r, info.Name(), info.ModTime(), rs)
	return true
}

func (h *Handler) cacheControl(name string) string {
	if _, ok := h.noCache[path.Base(name)]; ok {
		return "no-cache"
	}
	return h.opts.AssetCacheControl
}

// IsStatic reports whether urlPath belongs to the static stage
func IsStatic(urlPath string) bool {
	return strings.HasPrefix(urlPath, Prefix+"/")
}

// Prefix is where the static stage is mounted
const Prefix = "/static"

package pages

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/transit-web/internal/errpage"
	"github.com/keithlinneman/transit-web/internal/xerrors"
)

// ServiceWorkerFile is the service worker script inside the static dir.
const ServiceWorkerFile = "app-content/sw.js"

// FileServer serves single files from the static dir.
type FileServer interface {
	ServeFile(w http.ResponseWriter, r *http.Request, name string) bool
}

// ServiceWorker serves the service worker script at the site root so its
// scope covers every page. The route exists, so a missing script is a
// server fault rather than a 404.
func ServiceWorker(d Deps, files FileServer) chi.Router {
	r := d.router()
	d.get(r, "/", func(w http.ResponseWriter, r *http.Request) error {
		if !files.ServeFile(w, r, ServiceWorkerFile) {
			return xerrors.Newf("service worker %s missing", ServiceWorkerFile)
		}
		return nil
	})
	return r
}

// Fault answers every method and path below its prefix with a failure.
func Fault(d Deps) chi.Router {
	r := chi.NewRouter()
	h := d.Classifier.Wrap(errpage.Fault)
	r.Handle("/", h)
	r.Handle("/*", h)
	return r
}

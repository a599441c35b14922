package pages

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/transit-web/internal/errpage"
	"github.com/keithlinneman/transit-web/internal/reqctx"
	"github.com/keithlinneman/transit-web/internal/store"
	"github.com/keithlinneman/transit-web/internal/xerrors"
)

// Collections read by the page modules.
const (
	BusStops    = "bus_stops"
	MRTStations = "mrt_stations"
	BusServices = "bus_services"
)

// SearchLimit caps the number of search results.
const SearchLimit = 20

// maxKeyLen bounds lookup keys; longer keys are reported as not found.
const maxKeyLen = 64

var errNoStore = errors.New("no store bound to request")

type Deps struct {
	View       errpage.View
	Classifier *errpage.Classifier
}

// Lookup is the page data of the single-document pages.
type Lookup struct {
	Key   string
	Found bool
	Doc   map[string]any
}

// SearchResults is the page data of the search page.
type SearchResults struct {
	Query   string
	Results []map[string]any
}

func (d Deps) router() chi.Router { return chi.NewRouter() }

func (d Deps) get(r chi.Router, pattern string, h errpage.HandlerFunc) {
	r.Method(http.MethodGet, pattern, d.Classifier.Wrap(h))
}

// Index serves the home page.
func Index(d Deps) chi.Router {
	r := d.router()
	d.get(r, "/", func(w http.ResponseWriter, r *http.Request) error {
		return d.View.Render(w, r, http.StatusOK, "index", nil)
	})
	return r
}

// Next3Buses serves bus stop arrivals at /{stopCode}.
func Next3Buses(d Deps) chi.Router {
	return d.documentPage(BusStops, "bus_timings", "stop", "stopCode")
}

// Next2Trains serves station arrivals at /{station}.
func Next2Trains(d Deps) chi.Router {
	return d.documentPage(MRTStations, "mrt_timings", "station", "station")
}

// BusLookup serves bus service routes at /{service}.
func BusLookup(d Deps) chi.Router {
	return d.documentPage(BusServices, "lookup", "service", "service")
}

// documentPage builds a module with a form at / and one document per key
// at /{param}. The form submits ?field=KEY, which redirects to the key.
func (d Deps) documentPage(collection, viewName, field, param string) chi.Router {
	r := d.router()
	d.get(r, "/", func(w http.ResponseWriter, r *http.Request) error {
		if key := strings.TrimSpace(r.URL.Query().Get(field)); key != "" {
			http.Redirect(w, r, path.Join(r.URL.Path, url.PathEscape(key)), http.StatusSeeOther)
			return nil
		}
		return d.View.Render(w, r, http.StatusOK, viewName, Lookup{})
	})
	d.get(r, "/{"+param+"}", func(w http.ResponseWriter, r *http.Request) error {
		key := chi.URLParam(r, param)
		reqctx.Annotate(r.Context(), field+"="+key)

		page, err := loadDocument(r, collection, key)
		if err != nil {
			return err
		}
		return d.View.Render(w, r, http.StatusOK, viewName, page)
	})
	return r
}

func loadDocument(r *http.Request, collection, key string) (Lookup, error) {
	page := Lookup{Key: key}
	if len(key) > maxKeyLen {
		return page, nil
	}
	h := reqctx.StoreFrom(r.Context())
	if h == nil {
		return page, xerrors.Wrap(errNoStore, collection)
	}
	raw, err := h.Document(r.Context(), collection, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return page, nil
	case err != nil:
		return page, xerrors.Wrapf(err, "load %s %s", collection, key)
	}
	if err := json.Unmarshal(raw, &page.Doc); err != nil {
		return page, xerrors.Wrapf(err, "decode %s %s", collection, key)
	}
	page.Found = true
	return page, nil
}

// Search serves bus stop search at /?q=.
func Search(d Deps) chi.Router {
	r := d.router()
	d.get(r, "/", func(w http.ResponseWriter, r *http.Request) error {
		page := SearchResults{Query: strings.TrimSpace(r.URL.Query().Get("q"))}
		if page.Query == "" {
			return d.View.Render(w, r, http.StatusOK, "search", page)
		}
		reqctx.Annotate(r.Context(), "q="+page.Query)

		h := reqctx.StoreFrom(r.Context())
		if h == nil {
			return xerrors.Wrap(errNoStore, "search")
		}
		docs, err := h.Search(r.Context(), BusStops, page.Query, SearchLimit)
		if err != nil {
			return xerrors.Wrapf(err, "search %s", BusStops)
		}
		page.Results = make([]map[string]any, 0, len(docs))
		for _, raw := range docs {
			var doc map[string]any
			if err := json.Unmarshal(raw, &doc); err != nil {
				return xerrors.Wrap(err, "decode search result")
			}
			page.Results = append(page.Results, doc)
		}
		return d.View.Render(w, r, http.StatusOK, "search", page)
	})
	return r
}

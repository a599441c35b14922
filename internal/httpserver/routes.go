package httpserver

import (
	"github.com/keithlinneman/transit-web/internal/pages"
	"github.com/keithlinneman/transit-web/internal/routetable"
)

// Routes declares the route table. Order matters: the first entry whose
// router matches the request serves it.
func Routes(d pages.Deps, files pages.FileServer, admin pages.AdminOptions) *routetable.Table {
	return routetable.New().
		Add("Index", "/", pages.Index(d)).
		Add("Next3Buses", "/bus/timings", pages.Next3Buses(d)).
		Add("Next2Trains", "/mrt/timings", pages.Next2Trains(d)).
		Add("Search", "/search", pages.Search(d)).
		Add("BusLookup", "/lookup", pages.BusLookup(d)).
		Add("WebsiteAdmin", "/", pages.Admin(admin)).
		Add("ServiceWorker", "/sw.js", pages.ServiceWorker(d, files)).
		Add("Fault", "/500", pages.Fault(d))
}

package httpmw

import "net/http"

// Stage is one named step of the request pipeline. Stages with a nil Wrap
// are skipped.
type Stage struct {
	Name string
	Wrap func(http.Handler) http.Handler
}

// Pipeline is an ordered list of stages. The first stage is outermost: it
// sees the request first and the finished response last.
type Pipeline []Stage

// Then wraps h in every active stage
func (p Pipeline) Then(h http.Handler) http.Handler {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].Wrap != nil {
			h = p[i].Wrap(h)
		}
	}
	return h
}

// Names lists the active stages, outermost first
func (p Pipeline) Names() []string {
	names := make([]string, 0, len(p))
	for _, s := range p {
		if s.Wrap != nil {
			names = append(names, s.Name)
		}
	}
	return names
}

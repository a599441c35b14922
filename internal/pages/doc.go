// Package pages holds the page modules mounted in the route table.
//
// Each constructor returns a chi router that owns the paths below its
// mount prefix. Handlers return errors instead of writing error pages;
// the errpage classifier turns them into 500 responses. An unknown stop,
// station or service is not an error: the page renders with Found false.
package pages

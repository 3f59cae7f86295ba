package common

import "net/http"

// Route couples a mux path with its handler. Feature packages return slices of
// these and the router assembles them.
type Route struct {
	Path    string
	Handler http.HandlerFunc
}

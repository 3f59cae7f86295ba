// Package router assembles the mux from the route tables the services
// expose.
package router

import (
	"github.com/gorilla/mux"

	"meshmap-go/internal/common/logging"
	common "meshmap-go/internal/router/common"
)

// NewRouter registers every route on a fresh mux, wrapped in the request
// logging middleware.
func NewRouter(routes []common.Route) *mux.Router {
	r := mux.NewRouter()
	for _, route := range routes {
		r.HandleFunc(route.Path, route.Handler)
	}
	r.Use(logging.RequestLogger)
	return r
}

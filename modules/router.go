// Package modules composes the HTTP modules onto one router.
package modules

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Registrar is a module that adds its routes to a shared router.
type Registrar interface {
	Routes(r chi.Router)
}

// Router registers every module on r. Modules own absolute paths, so
// mounting under a prefix is left to the caller.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Use(requestid.Middleware)
//	modules.Router(r, publicModule, accountModule, paymentModule, apiModule)
func Router(r chi.Router, mods ...Registrar) http.Handler {
	for _, m := range mods {
		if m != nil {
			m.Routes(r)
		}
	}
	return r
}

// Package middleware wraps gin route registration so handlers opt
// into identity-credential auth with one flag instead of repeating the
// middleware chain at every call site, the same convenience wrapper
// shape the teacher used before the auth middleware needed a bound
// identity service.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/ppmesh/exchange-core/identity"
	midsec "github.com/ppmesh/exchange-core/middleware/security"
)

type RouteOpt struct {
	IsAuth bool
}

func POST(r gin.IRoutes, path string, li *identity.LocalIdentity, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		r.POST(path, midsec.Middleware(li, midsec.DefaultOptions()), handler)
	} else {
		r.POST(path, handler)
	}
}

func GET(r gin.IRoutes, path string, li *identity.LocalIdentity, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		r.GET(path, midsec.Middleware(li, midsec.DefaultOptions()), handler)
	} else {
		r.GET(path, handler)
	}
}

// Package security is the gin-facing counterpart to identity's bearer
// credentials (IssueCredential/VerifyCredential in identity/jwt.go):
// it extracts a bearer credential from an inbound HTTP request, checks
// it against a LocalIdentity, and stamps the caller's identity id into
// gin's request context, adapted from the teacher's own bearer-header
// extraction shape in this same package.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ppmesh/exchange-core/errs"
	"github.com/ppmesh/exchange-core/identity"
)

const (
	CtxIdentityKey = "identity_id"
	CtxTokenKey    = "identity_token"

	CodeMissingCredential = 40101
	CodeBadCredential     = 40102
)

var (
	errMissingCredential = errs.NewCodeError(CodeMissingCredential, "missing bearer credential")
	errBadCredential     = errs.NewCodeError(CodeBadCredential, "credential invalid or expired")
)

type Options struct {
	HeaderToken               string // default "Authorization"
	EnableAuthorizationBearer bool   // default true
	IdentityParam             string // gin path/query param naming the identity id, default "id"
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:               "Authorization",
		EnableAuthorizationBearer: true,
		IdentityParam:             "id",
	}
}

func extractToken(c *gin.Context, opts *Options) string {
	raw := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	if raw == "" {
		return ""
	}
	if opts.EnableAuthorizationBearer && strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return strings.TrimSpace(raw[len("bearer "):])
	}
	return raw
}

// Middleware requires a bearer credential that LocalIdentity.Authorize
// accepts for the identity id named by opts.IdentityParam, rejecting
// the request with a coded JSON body otherwise.
func Middleware(li *identity.LocalIdentity, opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := extractToken(c, opts)
		id := c.Param(opts.IdentityParam)
		if id == "" {
			id = c.Query(opts.IdentityParam)
		}
		if token == "" || id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errMissingCredential)
			return
		}
		if err := li.Authorize(id, token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errBadCredential.WithDetail(err.Error()))
			return
		}
		c.Set(CtxIdentityKey, id)
		c.Set(CtxTokenKey, token)
		c.Next()
	}
}

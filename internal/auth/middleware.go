package auth

import (
	"log/slog"
	"net/http"
	"strings"

	s3err "github.com/CK-Technology/ghostbay/internal/errors"
	"github.com/CK-Technology/ghostbay/internal/xmlutil"
)

// skipPaths is the set of paths that do not require authentication.
var skipPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/docs/":        true,
	"/openapi":      true,
	"/openapi.json": true,
}

// Middleware returns HTTP middleware that enforces AWS SigV4
// authentication on all requests except those to excluded paths
// (/health, /metrics, /docs, /openapi.json). On success the
// authenticated access key id is set on the request context.
//
// Every authentication failure renders the same AccessDenied response
// regardless of cause, so a caller cannot probe whether a key exists,
// is deactivated, or is expired. The real cause is logged server-side.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if skipPaths[path] || strings.HasPrefix(path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}

			switch DetectAuthMethod(r) {
			case "none":
				denyRequest(w, r, &AuthError{Code: "AccessDenied", Message: "no credentials provided"})
				return

			case "ambiguous":
				denyRequest(w, r, &AuthError{Code: "AccessDenied", Message: "both Authorization header and query string auth present"})
				return

			case "header":
				key, err := verifier.VerifyRequest(r)
				if err != nil {
					denyRequest(w, r, err)
					return
				}
				r = r.WithContext(contextWithCaller(r.Context(), key.AccessKeyID))

			case "presigned":
				key, err := verifier.VerifyPresigned(r)
				if err != nil {
					denyRequest(w, r, err)
					return
				}
				r = r.WithContext(contextWithCaller(r.Context(), key.AccessKeyID))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// denyRequest logs the real failure cause and writes the uniform
// response. Internal failures (catalog unreachable) surface as
// InternalError; everything else is AccessDenied.
func denyRequest(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*AuthError)
	if ok && authErr.Code == "InternalError" {
		slog.Error("authentication lookup failed",
			"method", r.Method, "path", r.URL.Path, "reason", authErr.Message)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	reason := err.Error()
	if ok {
		reason = authErr.Message
	}
	slog.Info("request denied",
		"method", r.Method, "path", r.URL.Path, "reason", reason)
	xmlutil.WriteErrorResponse(w, r, s3err.ErrAuthenticationFailed)
}

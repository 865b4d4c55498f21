// Package server implements the GhostBay HTTP server and the
// S3-compatible route multiplexer.
package server

import (
	"context"
	"net/http"

	"github.com/CK-Technology/ghostbay/internal/auth"
	"github.com/CK-Technology/ghostbay/internal/catalog"
	"github.com/CK-Technology/ghostbay/internal/config"
	s3err "github.com/CK-Technology/ghostbay/internal/errors"
	"github.com/CK-Technology/ghostbay/internal/handlers"
	"github.com/CK-Technology/ghostbay/internal/storage"
	"github.com/CK-Technology/ghostbay/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the GhostBay HTTP server. It routes incoming requests to
// the appropriate S3-compatible handler based on method, path shape,
// and query parameters.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	verifier   *auth.Verifier
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a Server wired to the given catalog and storage engine.
func New(cfg *config.Config, cat *catalog.Store, engine *storage.Engine) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("GhostBay S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	uploadTTL := cfg.Sweeper.UploadTTLDuration()

	s := &Server{
		cfg:      cfg,
		router:   router,
		api:      api,
		verifier: auth.NewVerifier(cat, cfg.Server.Region),
		bucket:   handlers.NewBucketHandler(cat, cfg.Server.Region),
		object:   handlers.NewObjectHandler(cat, engine, cfg.Server.MaxObjectSize),
		multi:    handlers.NewMultipartHandler(cat, engine, cfg.Server.MaxObjectSize, uploadTTL),
	}

	s.registerRoutes()
	return s
}

// handler assembles the middleware chain around the router:
// metrics -> commonHeaders -> [securityHeaders] -> transferEncoding ->
// auth -> metadataHeader -> router.
func (s *Server) handler() http.Handler {
	var h http.Handler = s.router
	// Rewrite x-amz-meta-* headers to lowercase (innermost wrapper).
	h = metadataHeaderMiddleware(h)
	h = auth.Middleware(s.verifier)(h)
	h = transferEncodingCheck(h)
	if s.cfg.TLS.Enabled() {
		h = securityHeaders(h)
	}
	h = commonHeaders(h)
	h = metricsMiddleware(h)
	return h
}

// ListenAndServe starts the plain HTTP listener on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.handler()}
	return s.httpServer.ListenAndServe()
}

// ListenAndServeTLS starts the HTTPS listener on the given address
// using the configured certificate and key.
func (s *Server) ListenAndServeTLS(addr, certPath, keyPath string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.handler()}
	return s.httpServer.ListenAndServeTLS(certPath, keyPath)
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router. Huma routes
// (/health, /docs, /openapi.json) and /metrics are registered first;
// the S3 catch-all /* matches everything else.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the GhostBay server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma only registers one method per operation.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath extracts bucket and object key from the request path.
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// dispatch routes a request by path shape, method, and query params.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	// Service-level operations (no bucket in path).
	if bucket == "" {
		if r.Method == http.MethodGet {
			s.bucket.ListBuckets(w, r)
		} else {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
		}
		return
	}

	// Object-level operations (bucket + key in path).
	if key != "" {
		switch r.Method {
		case http.MethodPut:
			switch {
			case q.Has("partNumber") && q.Has("uploadId"):
				s.multi.UploadPart(w, r)
			case r.Header.Get("X-Amz-Copy-Source") != "":
				s.object.CopyObject(w, r)
			default:
				s.object.PutObject(w, r)
			}
		case http.MethodGet:
			if q.Has("uploadId") {
				s.multi.ListParts(w, r)
			} else {
				s.object.GetObject(w, r)
			}
		case http.MethodHead:
			s.object.HeadObject(w, r)
		case http.MethodDelete:
			if q.Has("uploadId") {
				s.multi.AbortMultipartUpload(w, r)
			} else {
				s.object.DeleteObject(w, r)
			}
		case http.MethodPost:
			switch {
			case q.Has("uploads"):
				s.multi.CreateMultipartUpload(w, r)
			case q.Has("uploadId"):
				s.multi.CompleteMultipartUpload(w, r)
			default:
				xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
			}
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
		}
		return
	}

	// Bucket-level operations (bucket in path, no key).
	switch r.Method {
	case http.MethodPut:
		s.bucket.CreateBucket(w, r)
	case http.MethodGet:
		s.object.ListObjectsV2(w, r)
	case http.MethodHead:
		s.bucket.HeadBucket(w, r)
	case http.MethodDelete:
		s.bucket.DeleteBucket(w, r)
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
	}
}

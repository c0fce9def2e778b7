// Package server implements the ShoalStore S3 HTTP server and its
// method-and-query route multiplexer.
package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/shoalstore/shoalstore/internal/auth"
	"github.com/shoalstore/shoalstore/internal/config"
	s3err "github.com/shoalstore/shoalstore/internal/errors"
	"github.com/shoalstore/shoalstore/internal/handlers"
	"github.com/shoalstore/shoalstore/internal/metrics"
	"github.com/shoalstore/shoalstore/internal/monitor"
	"github.com/shoalstore/shoalstore/internal/store"
	"github.com/shoalstore/shoalstore/internal/xmlutil"

	"github.com/go-chi/chi/v5"
)

// Server is the S3-facing HTTP server. It routes incoming requests to the
// appropriate handler based on the request method, path shape, and query
// parameters, and feeds per-operation outcomes to the monitor.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	st         *store.Store
	mon        *monitor.Monitor
	verifier   *auth.SigV4Verifier
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	httpServer *http.Server
}

// New creates a Server wired to the given store and monitor. The namelist
// caches and the key-range lock map are shared across the three handler
// groups so that concurrent requests observe one view of each scope.
func New(cfg *config.Config, st *store.Store, mon *monitor.Monitor) *Server {
	deps := handlers.NewDeps(st, mon, cfg.Server.Region)

	s := &Server{
		cfg:      cfg,
		router:   chi.NewMux(),
		st:       st,
		mon:      mon,
		verifier: auth.NewSigV4Verifier(st, cfg.Server.Region),
		bucket:   handlers.NewBucketHandler(deps),
		object:   handlers.NewObjectHandler(deps),
		multi:    handlers.NewMultipartHandler(deps),
	}

	// Everything on the S3 port is S3 traffic; the admin surface (health,
	// metrics, status) lives on its own port.
	s.router.HandleFunc("/*", s.dispatch)
	return s
}

// Handler composes the full middleware chain around the dispatcher:
// metrics -> common headers -> transfer-encoding check -> SigV4 auth ->
// worker limit -> dispatch.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	if n := s.cfg.Server.WorkerNum; n > 0 {
		handler = workerLimit(n)(handler)
	}
	handler = auth.Middleware(s.verifier)(handler)
	handler = transferEncodingCheck(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// parsePath extracts bucket and object key from the raw request path. The
// split happens on the escaped form so that %2F inside an object key does not
// create phantom path segments; each side is percent-decoded afterwards.
func parsePath(r *http.Request) (bucket, key string, err error) {
	path := r.URL.EscapedPath()
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", "", nil
	}

	rawBucket := path
	rawKey := ""
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		rawBucket = path[:idx]
		rawKey = path[idx+1:]
	}

	bucket, err = url.PathUnescape(rawBucket)
	if err != nil {
		return "", "", err
	}
	key, err = url.PathUnescape(rawKey)
	if err != nil {
		return "", "", err
	}
	return bucket, key, nil
}

// validBucketName reports whether a bucket name is acceptable: the first
// character must be a letter or digit, which also keeps internal key prefixes
// out of the bucket namespace.
func validBucketName(name string) bool {
	if name == "" {
		return false
	}
	c := name[0]
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// dispatch parses the path into bucket and key, selects the operation from
// the method and query parameters, and records the outcome on the monitor.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := parsePath(r)
	if err != nil {
		s.serve(w, r, monitor.APIUnknown, func(w http.ResponseWriter, r *http.Request) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		})
		return
	}

	// Service-level operations (no bucket in path).
	if bucket == "" {
		switch r.Method {
		case http.MethodGet:
			s.serve(w, r, monitor.APIListAllBuckets, s.bucket.ListBuckets)
		default:
			s.serve(w, r, monitor.APIUnknown, notImplemented)
		}
		return
	}

	if !validBucketName(bucket) {
		s.serve(w, r, monitor.APIUnknown, func(w http.ResponseWriter, r *http.Request) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName)
		})
		return
	}

	if key != "" {
		s.dispatchObject(w, r, bucket, key)
		return
	}
	s.dispatchBucket(w, r, bucket)
}

// dispatchBucket routes bucket-level operations.
func (s *Server) dispatchBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	switch r.Method {
	case http.MethodPut:
		s.serve(w, r, monitor.APIPutBucket, func(w http.ResponseWriter, r *http.Request) {
			s.bucket.CreateBucket(w, r, bucket)
		})
	case http.MethodGet:
		switch {
		case q.Has("uploads"):
			s.serve(w, r, monitor.APIListMultipartUploads, func(w http.ResponseWriter, r *http.Request) {
				s.multi.ListMultipartUploads(w, r, bucket)
			})
		case q.Has("location"):
			s.serve(w, r, monitor.APIGetBucketLocation, func(w http.ResponseWriter, r *http.Request) {
				s.bucket.GetBucketLocation(w, r, bucket)
			})
		case q.Has("list-type"):
			s.serve(w, r, monitor.APIListObjects, func(w http.ResponseWriter, r *http.Request) {
				s.object.ListObjectsV2(w, r, bucket)
			})
		default:
			s.serve(w, r, monitor.APIListObjects, func(w http.ResponseWriter, r *http.Request) {
				s.object.ListObjects(w, r, bucket)
			})
		}
	case http.MethodHead:
		s.serve(w, r, monitor.APIHeadBucket, func(w http.ResponseWriter, r *http.Request) {
			s.bucket.HeadBucket(w, r, bucket)
		})
	case http.MethodDelete:
		s.serve(w, r, monitor.APIDelBucket, func(w http.ResponseWriter, r *http.Request) {
			s.bucket.DeleteBucket(w, r, bucket)
		})
	case http.MethodPost:
		if q.Has("delete") {
			s.serve(w, r, monitor.APIDeleteMultiObjects, func(w http.ResponseWriter, r *http.Request) {
				s.object.DeleteObjects(w, r, bucket)
			})
		} else {
			s.serve(w, r, monitor.APIUnknown, notImplemented)
		}
	default:
		s.serve(w, r, monitor.APIUnknown, notImplemented)
	}
}

// dispatchObject routes object-level operations. Keys carrying the internal
// prefix are reserved for in-flight multipart state and are not addressable.
func (s *Server) dispatchObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if strings.HasPrefix(key, store.InternalPrefix) {
		s.serve(w, r, monitor.APIUnknown, notImplemented)
		return
	}

	q := r.URL.Query()
	switch r.Method {
	case http.MethodPut:
		switch {
		case q.Has("partNumber") && q.Has("uploadId"):
			if r.Header.Get("X-Amz-Copy-Source") != "" {
				s.serve(w, r, monitor.APIUploadPartCopy, func(w http.ResponseWriter, r *http.Request) {
					s.multi.UploadPartCopy(w, r, bucket, key)
				})
			} else {
				s.serve(w, r, monitor.APIUploadPart, func(w http.ResponseWriter, r *http.Request) {
					s.multi.UploadPart(w, r, bucket, key)
				})
			}
		case r.Header.Get("X-Amz-Copy-Source") != "":
			s.serve(w, r, monitor.APICopyObject, func(w http.ResponseWriter, r *http.Request) {
				s.object.CopyObject(w, r, bucket, key)
			})
		default:
			s.serve(w, r, monitor.APIPutObject, func(w http.ResponseWriter, r *http.Request) {
				s.object.PutObject(w, r, bucket, key)
			})
		}
	case http.MethodGet:
		if q.Has("uploadId") {
			s.serve(w, r, monitor.APIListParts, func(w http.ResponseWriter, r *http.Request) {
				s.multi.ListParts(w, r, bucket, key)
			})
		} else {
			s.serve(w, r, monitor.APIGetObject, func(w http.ResponseWriter, r *http.Request) {
				s.object.GetObject(w, r, bucket, key)
			})
		}
	case http.MethodHead:
		s.serve(w, r, monitor.APIHeadObject, func(w http.ResponseWriter, r *http.Request) {
			s.object.HeadObject(w, r, bucket, key)
		})
	case http.MethodDelete:
		if q.Has("uploadId") {
			s.serve(w, r, monitor.APIAbortMultipartUpload, func(w http.ResponseWriter, r *http.Request) {
				s.multi.AbortMultipartUpload(w, r, bucket, key)
			})
		} else {
			s.serve(w, r, monitor.APIDelObject, func(w http.ResponseWriter, r *http.Request) {
				s.object.DeleteObject(w, r, bucket, key)
			})
		}
	case http.MethodPost:
		switch {
		case q.Has("uploads"):
			s.serve(w, r, monitor.APIInitMultipartUpload, func(w http.ResponseWriter, r *http.Request) {
				s.multi.CreateMultipartUpload(w, r, bucket, key)
			})
		case q.Has("uploadId"):
			s.serve(w, r, monitor.APICompleteMultipartUpload, func(w http.ResponseWriter, r *http.Request) {
				s.multi.CompleteMultipartUpload(w, r, bucket, key)
			})
		default:
			s.serve(w, r, monitor.APIUnknown, notImplemented)
		}
	default:
		s.serve(w, r, monitor.APIUnknown, notImplemented)
	}
}

// serve runs one operation behind a response recorder and accounts the
// outcome by API kind and status class.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, kind monitor.APIKind, fn http.HandlerFunc) {
	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	fn(rec, r)
	s.mon.AddRequest()
	s.mon.AddAPIRequest(kind, rec.statusCode)

	outcome := "success"
	switch {
	case rec.statusCode >= 500:
		outcome = "server_error"
	case rec.statusCode >= 400:
		outcome = "client_error"
	}
	metrics.S3OperationsTotal.WithLabelValues(kind.String(), outcome).Inc()
}

func notImplemented(w http.ResponseWriter, r *http.Request) {
	xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
}

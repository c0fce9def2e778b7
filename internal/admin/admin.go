// Package admin implements the management surface served on the admin port:
// user provisioning, gateway status, monitor controls, health, and metrics.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shoalstore/shoalstore/internal/config"
	"github.com/shoalstore/shoalstore/internal/monitor"
	"github.com/shoalstore/shoalstore/internal/store"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// Server is the admin HTTP server.
type Server struct {
	cfg        *config.Config
	st         *store.Store
	mon        *monitor.Monitor
	router     chi.Router
	api        huma.API
	httpServer *http.Server
}

// New creates the admin server and registers its routes.
func New(cfg *config.Config, st *store.Store, mon *monitor.Monitor) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("ShoalStore Admin API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		st:     st,
		mon:    mon,
		router: router,
		api:    api,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the gateway and its KV cluster.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/admin_list_users", s.listUsers)
	s.router.Put("/admin_put_user/{name}", s.putUser)
	s.router.Get("/status", s.status)
	s.router.MethodFunc(http.MethodOptions, "/update_bucket_vol", s.updateBucketVol)
	s.router.MethodFunc(http.MethodOptions, "/reset_status", s.resetStatus)
}

// ListenAndServe starts the admin HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the admin HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// putUser handles PUT /admin_put_user/{name}: generates a fresh credential
// pair for the named user and returns it as "ACCESS\r\nSECRET".
func (s *Server) putUser(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		http.Error(w, "missing user name", http.StatusBadRequest)
		return
	}

	accessKey, secretKey, err := s.st.AddUser(r.Context(), name)
	if err != nil {
		slog.Error("put user failed", "name", name, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("created user credential", "name", name, "access_key", accessKey)

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%s\r\n%s", accessKey, secretKey)
}

// listUsers handles GET /admin_list_users: one "name: AK, SK" line per
// credential pair.
func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.st.ListUsers(r.Context())
	if err != nil {
		slog.Error("list users failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var b strings.Builder
	for _, u := range users {
		fmt.Fprintf(&b, "%s: %s, %s\r\n", u.Name, u.AccessKey, u.SecretKey)
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(b.String()))
}

// status handles GET /status with a JSON snapshot of the monitor counters.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.mon.GetStatus()); err != nil {
		slog.Error("encoding status", "error", err)
	}
}

// updateBucketVol handles OPTIONS /update_bucket_vol by scheduling a full
// bucket-volume rescan on the cron loop.
func (s *Server) updateBucketVol(w http.ResponseWriter, r *http.Request) {
	s.mon.RequestRescan()
	w.WriteHeader(http.StatusOK)
}

// resetStatus handles OPTIONS /reset_status: request counters are zeroed and
// the cleared snapshot is persisted immediately.
func (s *Server) resetStatus(w http.ResponseWriter, r *http.Request) {
	s.mon.Reset()
	if err := s.st.SetMeta(r.Context(), s.mon.MetaValue()); err != nil {
		slog.Error("persisting reset snapshot", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RunCron drives the periodic background work until ctx is done: cluster
// volume refresh, monitor snapshot persistence, and the bucket-volume rescan
// (on request, or daily after 3 a.m.).
func (s *Server) RunCron(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final snapshot so counters survive a clean shutdown.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.st.SetMeta(flushCtx, s.mon.MetaValue()); err != nil {
				slog.Error("final snapshot flush", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
		}

		if metaVol, dataVol, err := s.st.Space(ctx); err == nil {
			s.mon.SetClusterVol(metaVol, dataVol)
		} else {
			slog.Warn("cluster space query failed", "error", err)
		}

		if s.mon.ShouldRescan(time.Now()) {
			if err := s.rescanBucketVols(ctx); err != nil {
				slog.Error("bucket volume rescan failed", "error", err)
			} else {
				s.mon.BucketVolUpdated()
			}
		}

		if err := s.st.SetMeta(ctx, s.mon.MetaValue()); err != nil {
			slog.Warn("snapshot flush failed", "error", err)
		}
	}
}

// rescanBucketVols walks every user's buckets and totals object sizes per
// bucket from the persisted namelists and object records.
func (s *Server) rescanBucketVols(ctx context.Context) error {
	users, err := s.st.ListUsers(ctx)
	if err != nil {
		return err
	}

	vols := make(map[string]uint64)
	for _, u := range users {
		buckets, err := s.st.GetNameList(ctx, store.BucketNames, u.AccessKey)
		if err != nil {
			return err
		}
		for _, bucket := range buckets {
			var total uint64
			objects, err := s.st.GetNameList(ctx, store.ObjectNames, bucket)
			if err != nil {
				return err
			}
			for _, name := range objects {
				if strings.HasPrefix(name, store.InternalPrefix) {
					continue
				}
				obj, _, err := s.st.GetObject(ctx, bucket, name, false)
				if err != nil {
					continue
				}
				total += obj.Size
			}
			vols[bucket] = total
		}
	}

	s.mon.ClearBucketVol()
	for bucket, total := range vols {
		s.mon.SetBucketVol(bucket, total)
	}
	return nil
}

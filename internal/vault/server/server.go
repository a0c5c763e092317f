// Package server exposes the operational endpoints of a spatialvault
// process: liveness of its backing stores, build version and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/httpx"
	commonmiddleware "github.com/spatialvault/spatialvault/internal/common/middleware"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0-dev"

const (
	checkTimeout    = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Pinger is implemented by the metadata store and the object store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// Checks maps a component name to its liveness probe.
	Checks   map[string]Pinger
	Gatherer prometheus.Gatherer
	// Mode is reported by /version, "serve" or "worker".
	Mode string
}

type OpsServer struct {
	Router *chi.Mux
	opts   Options
}

func New(opts Options) *OpsServer {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &OpsServer{Router: chi.NewRouter(), opts: opts}
	s.MountHandlers()
	return s
}

func (s *OpsServer) MountHandlers() {
	s.Router.Use(commonmiddleware.RequestLogger)
	s.Router.Use(commonmiddleware.PanicHandler)
	s.Router.Get("/healthz", httpx.WrapHttpRsp(s.getHealth))
	s.Router.Get("/version", httpx.WrapHttpRsp(s.getVersion))
	s.Router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	s.Router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.ErrNotFound().Send(w)
	})
	s.Router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.ErrReqMethodNotSupported().Send(w)
	})
}

type HealthRsp struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *OpsServer) getHealth(r *http.Request) (*httpx.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	rsp := &HealthRsp{Status: "ok", Checks: make(map[string]string, len(s.opts.Checks))}
	status := http.StatusOK
	for name, p := range s.opts.Checks {
		if err := p.Ping(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("component", name).Msg("health check failed")
			rsp.Checks[name] = err.Error()
			rsp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		rsp.Checks[name] = "ok"
	}
	return &httpx.Response{StatusCode: status, Response: rsp}, nil
}

type GetVersionRsp struct {
	ServerVersion string `json:"serverVersion"`
	Mode          string `json:"mode,omitempty"`
}

func (s *OpsServer) getVersion(r *http.Request) (*httpx.Response, error) {
	return &httpx.Response{
		StatusCode: http.StatusOK,
		Response:   &GetVersionRsp{ServerVersion: "SpatialVault: " + Version, Mode: s.opts.Mode},
	}, nil
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *OpsServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Ctx(ctx).Info().Str("addr", addr).Msg("ops server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package http provides the HTTP API for indexd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/embedder"
	"github.com/fyrsmithlabs/indexd/internal/namespace"
	"github.com/fyrsmithlabs/indexd/internal/pipeline"
	"github.com/fyrsmithlabs/indexd/internal/store"
)

// Pipeline is the slice of the ingestion service the server needs.
type Pipeline interface {
	Ingest(ctx context.Context, ns namespace.Namespace, inputs []pipeline.DocumentInput) (*pipeline.IngestResult, error)
	Search(ctx context.Context, ns namespace.Namespace, query string, topK int) ([]store.Match, error)
	Delete(ctx context.Context, ns namespace.Namespace, ids []string) error
	Clear(ctx context.Context, ns namespace.Namespace) error
	ListDatasets(ctx context.Context, tenant string) ([]store.DatasetInfo, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// TenantHeader names the request header carrying the tenant identifier
	// resolved by the fronting auth layer.
	// Default: "X-Tenant-ID"
	TenantHeader string
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.TenantHeader == "" {
		c.TenantHeader = "X-Tenant-ID"
	}
}

// Server provides the HTTP endpoints for indexd.
type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	logger   *zap.Logger
	config   Config
}

// tenantContextKey stores the tenant id in the echo context.
const tenantContextKey = "indexd.tenant"

// NewServer creates the HTTP server and registers all routes.
func NewServer(p Pipeline, logger *zap.Logger, cfg Config) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	cfg.ApplyDefaults()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:     e,
		pipeline: p,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1", s.tenantMiddleware)
	v1.GET("/datasets", s.handleListDatasets)
	v1.POST("/:dataset_id", s.handleIngest)
	v1.DELETE("/:dataset_id", s.handleDelete)
	v1.POST("/:dataset_id/search", s.handleSearch)
	v1.GET("/:dataset_id/clear", s.handleClear)
}

// tenantMiddleware resolves the tenant from the configured header. The
// fronting auth layer is trusted to have authenticated the caller; a
// missing header means the request never passed through it.
func (s *Server) tenantMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant := c.Request().Header.Get(s.config.TenantHeader)
		if tenant == "" {
			return echo.NewHTTPError(http.StatusUnauthorized,
				fmt.Sprintf("missing %s header", s.config.TenantHeader))
		}
		c.Set(tenantContextKey, tenant)
		return next(c)
	}
}

// resolveNamespace builds the namespace for the current request.
func (s *Server) resolveNamespace(c echo.Context) (namespace.Namespace, error) {
	tenant, _ := c.Get(tenantContextKey).(string)
	return namespace.Resolve(tenant, c.Param("dataset_id"))
}

// httpStatusFor maps pipeline failures to response codes.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrValidation),
		errors.Is(err, namespace.ErrInvalidTenant),
		errors.Is(err, namespace.ErrInvalidDataset):
		return http.StatusBadRequest
	case errors.Is(err, embedder.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c echo.Context, err error) error {
	status := httpStatusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err), zap.String("path", c.Path()))
	}
	return echo.NewHTTPError(status, err.Error())
}

// DocumentRequest is one document in an ingestion request.
type DocumentRequest struct {
	ID       string         `json:"id,omitempty"`
	Data     string         `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IngestRequest is the request body for POST /v1/:dataset_id.
type IngestRequest struct {
	Documents []DocumentRequest `json:"documents"`
}

// SearchRequest is the request body for POST /v1/:dataset_id/search.
type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// SearchResponse is the response body for POST /v1/:dataset_id/search.
type SearchResponse struct {
	Query        string        `json:"query"`
	Similarities []store.Match `json:"similarities"`
}

// DeleteRequest is the request body for DELETE /v1/:dataset_id.
type DeleteRequest struct {
	IDs []string `json:"ids"`
}

// StatusResponse is the generic success response.
type StatusResponse struct {
	Status string `json:"status"`
}

// DatasetsResponse is the response body for GET /v1/datasets.
type DatasetsResponse struct {
	Datasets []store.DatasetInfo `json:"datasets"`
}

// handleHealth runs a synthetic empty ingestion through the pipeline. An
// empty batch touches neither the embedder nor the store, so this verifies
// wiring without side effects.
func (s *Server) handleHealth(c echo.Context) error {
	ns, err := namespace.Resolve("health", "health")
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "unhealthy")
	}
	if _, err := s.pipeline.Ingest(c.Request().Context(), ns, nil); err != nil {
		s.logger.Error("health check failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "unhealthy")
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// handleIngest runs the ingestion pipeline for the request's namespace.
func (s *Server) handleIngest(c echo.Context) error {
	ns, err := s.resolveNamespace(c)
	if err != nil {
		return s.fail(c, err)
	}

	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	// An empty documents list is not an error; the pipeline returns an
	// empty result without touching the embedder or the store.
	inputs := make([]pipeline.DocumentInput, len(req.Documents))
	for i, d := range req.Documents {
		inputs[i] = pipeline.DocumentInput{ID: d.ID, Data: d.Data, Metadata: d.Metadata}
	}

	result, err := s.pipeline.Ingest(c.Request().Context(), ns, inputs)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// handleSearch runs semantic search over the request's namespace.
func (s *Server) handleSearch(c echo.Context) error {
	ns, err := s.resolveNamespace(c)
	if err != nil {
		return s.fail(c, err)
	}

	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	matches, err := s.pipeline.Search(c.Request().Context(), ns, req.Query, req.TopK)
	if err != nil {
		return s.fail(c, err)
	}
	if matches == nil {
		matches = []store.Match{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: req.Query, Similarities: matches})
}

// handleDelete removes documents by id.
func (s *Server) handleDelete(c echo.Context) error {
	ns, err := s.resolveNamespace(c)
	if err != nil {
		return s.fail(c, err)
	}

	var req DeleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.pipeline.Delete(c.Request().Context(), ns, req.IDs); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "success"})
}

// handleClear removes every document in the namespace.
func (s *Server) handleClear(c echo.Context) error {
	ns, err := s.resolveNamespace(c)
	if err != nil {
		return s.fail(c, err)
	}

	if err := s.pipeline.Clear(c.Request().Context(), ns); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "success"})
}

// handleListDatasets reports the datasets visible to the caller's tenant.
func (s *Server) handleListDatasets(c echo.Context) error {
	tenant, _ := c.Get(tenantContextKey).(string)

	infos, err := s.pipeline.ListDatasets(c.Request().Context(), tenant)
	if err != nil {
		return s.fail(c, err)
	}
	if infos == nil {
		infos = []store.DatasetInfo{}
	}
	return c.JSON(http.StatusOK, DatasetsResponse{Datasets: infos})
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

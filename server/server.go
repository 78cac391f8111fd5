// Package server exposes function management over HTTP.
//
// Routes live under /function and mirror the CLI:
//
//	POST /function/deploy  {"function_name", "function_image", "wasi_cap"}
//	POST /function/delete  {"function_name"}
//	GET  /function/list
//	POST /function/query   {"function_name"}
//	POST /function/invoke  {"function_name", "args"}
//
// Every response is a JSON object {"status": <http status>, "body": ...}.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openeuler-mirror/WasmEngine/catalog"
	"github.com/openeuler-mirror/WasmEngine/config"
	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
	"github.com/openeuler-mirror/WasmEngine/fetch"
)

// MaxBodyBytes limits request bodies.
const MaxBodyBytes = 16 << 10

const requestIDHeader = "X-Request-Id"

// Functions is the application surface the server drives.
type Functions interface {
	Deploy(ctx context.Context, name, ref string, wasiCap bool) error
	Delete(ctx context.Context, name string) error
	List() []catalog.Entry
	Query(name string) (catalog.Entry, error)
	Invoke(ctx context.Context, name string, args map[string]string) (string, error)
}

// Response is the body of every reply.
type Response struct {
	Status int `json:"status"`
	Body   any `json:"body"`
}

// FunctionRequest names a function. Deploy also reads the image and
// capability flag.
type FunctionRequest struct {
	Name    string `json:"function_name" binding:"required"`
	Image   string `json:"function_image"`
	WASICap bool   `json:"wasi_cap"`
}

// InvokeRequest carries the arguments of an invocation.
type InvokeRequest struct {
	Name string            `json:"function_name" binding:"required"`
	Args map[string]string `json:"args"`
}

type Server struct {
	fns    Functions
	logger *zap.Logger
	router *gin.Engine
}

func New(fns Functions, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{fns: fns, logger: logger, router: gin.New()}
	s.router.Use(gin.Recovery(), s.requestLogger(), limitBody(MaxBodyBytes))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, Response{Status: http.StatusOK, Body: "ok"})
	})

	fn := s.router.Group("/function")
	fn.POST("/deploy", s.deploy)
	fn.POST("/delete", s.delete)
	fn.GET("/list", s.list)
	fn.POST("/query", s.query)
	fn.POST("/invoke", s.invoke)

	s.router.NoRoute(func(c *gin.Context) {
		reply(c, http.StatusNotFound, "404 Not Found")
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down within
// cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("wasm engine listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) deploy(c *gin.Context) {
	var req FunctionRequest
	if !bind(c, &req) {
		return
	}
	if strings.TrimSpace(req.Image) == "" {
		reply(c, http.StatusBadRequest, "function_image is required")
		return
	}
	if fetch.IsLocal(req.Image) {
		reply(c, http.StatusBadRequest, "local references are not accepted")
		return
	}
	if err := s.fns.Deploy(c.Request.Context(), req.Name, req.Image, req.WASICap); err != nil {
		s.fail(c, err)
		return
	}
	reply(c, http.StatusOK, "deploy function "+req.Name+" successfully!")
}

func (s *Server) delete(c *gin.Context) {
	var req FunctionRequest
	if !bind(c, &req) {
		return
	}
	if err := s.fns.Delete(c.Request.Context(), req.Name); err != nil {
		s.fail(c, err)
		return
	}
	reply(c, http.StatusOK, "delete function "+req.Name+" successfully!")
}

func (s *Server) list(c *gin.Context) {
	reply(c, http.StatusOK, s.fns.List())
}

func (s *Server) query(c *gin.Context) {
	var req FunctionRequest
	if !bind(c, &req) {
		return
	}
	entry, err := s.fns.Query(req.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	reply(c, http.StatusOK, entry)
}

func (s *Server) invoke(c *gin.Context) {
	var req InvokeRequest
	if !bind(c, &req) {
		return
	}
	if req.Args == nil {
		req.Args = map[string]string{}
	}
	out, err := s.fns.Invoke(c.Request.Context(), req.Name, req.Args)
	if err != nil {
		s.fail(c, err)
		return
	}
	reply(c, http.StatusOK, out)
}

func bind(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		reply(c, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	reply(c, http.StatusBadRequest, "invalid request: "+err.Error())
	return false
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	reply(c, status, err.Error())
}

func reply(c *gin.Context, status int, body any) {
	c.JSON(status, Response{Status: status, Body: body})
}

// StatusOf maps an error to its HTTP status code.
func StatusOf(err error) int {
	switch wasmerrors.KindOf(err) {
	case wasmerrors.KindNotFound:
		return http.StatusNotFound
	case wasmerrors.KindAlreadyExists:
		return http.StatusConflict
	case wasmerrors.KindInvalidInput, wasmerrors.KindOversizedInput, wasmerrors.KindOversizedOutput,
		wasmerrors.KindAbiMismatch, wasmerrors.KindMissingExport, wasmerrors.KindUnsupported:
		return http.StatusBadRequest
	case wasmerrors.KindTrap, wasmerrors.KindInvalidEncoding, wasmerrors.KindCompile:
		return http.StatusUnprocessableEntity
	case wasmerrors.KindFetchFailure, wasmerrors.KindUnpackFailure, wasmerrors.KindMalformedArtifact:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, requestID)

		c.Next()

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

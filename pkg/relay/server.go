package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/backend"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/security"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 120 * time.Second
	idleTimeout  = 120 * time.Second
)

// Server is the relay daemon's HTTP server.
type Server struct {
	cfg      *Config
	state    *state
	pipeline *Pipeline
	logger   *slog.Logger
	engine   *gin.Engine
	srv      *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the relay server for the given configuration.
func NewServer(cfg *Config, opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o750); err != nil {
		return nil, fmt.Errorf("relay: create upload dir: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		state:  &state{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pipeline = NewPipeline(cfg.Pipeline, s.logger)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/status", s.handleStatus)
	engine.POST("/upload", s.handleUpload)
	engine.POST("/cancel", s.handleCancel)
	engine.GET("/data-files", s.handleDataFiles)

	s.engine = engine
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      engine,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s, nil
}

// Handler returns the HTTP handler. Used in tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start runs the server until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("relay listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and cancels any in-flight run.
func (s *Server) Shutdown(ctx context.Context) error {
	s.state.cancelRun()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.status())
}

func (s *Server) handleUpload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return
	}
	if file.Size > security.MaxFileSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file exceeds size limit"})
		return
	}

	var meta backend.Metadata
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid metadata"})
			return
		}
	} else {
		meta.OriginalName = file.Filename
		meta.SanitizedName = file.Filename
		meta.Size = file.Size
	}

	if err := meta.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":            "metadata validation failed",
			"validationErrors": gin.H{"metadata": err.Error()},
		})
		return
	}

	name := security.SanitizeFileName(meta.SanitizedName)
	dest := filepath.Join(s.cfg.UploadDir, name)

	runCtx, cancel := context.WithCancel(context.Background())
	if err := s.state.begin(cancel); err != nil {
		cancel()
		c.JSON(http.StatusConflict, gin.H{"error": "a file is already being processed"})
		return
	}

	if err := c.SaveUploadedFile(file, dest); err != nil {
		cancel()
		s.state.fail("upload could not be saved")
		s.logger.Error("failed to save upload", "file", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save upload"})
		return
	}

	go s.run(runCtx, cancel, dest)

	c.JSON(http.StatusOK, gin.H{"filename": name})
}

// run executes the pipeline for one upload and records the outcome.
func (s *Server) run(ctx context.Context, cancel context.CancelFunc, path string) {
	defer cancel()

	res, err := s.pipeline.Run(ctx, path)
	if err != nil {
		s.logger.Warn("pipeline failed", "file", path, "error", err)
		s.state.fail(security.SanitizeErrorMessage(err.Error()))
		return
	}
	s.logger.Info("pipeline finished", "file", path, "records", res.RecordsProcessed)
	s.state.finish(res)
}

func (s *Server) handleCancel(c *gin.Context) {
	canceled := s.state.cancelRun()
	if canceled {
		s.logger.Info("run canceled by request")
	}
	c.JSON(http.StatusOK, gin.H{"canceled": canceled})
}

func (s *Server) handleDataFiles(c *gin.Context) {
	entries, err := os.ReadDir(s.cfg.DataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusOK, gin.H{"files": []string{}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list data files"})
		return
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".geojson") {
			files = append(files, e.Name())
		}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

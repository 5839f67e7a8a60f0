// Package api serves the local status API of the agent.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"ei-camera-detect/internal/agent"
	"ei-camera-detect/internal/database"
	"ei-camera-detect/internal/models"
	"ei-camera-detect/internal/sse"
	"ei-camera-detect/internal/twin"
	"ei-camera-detect/internal/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPredictionLimit = 50
	maxPredictionLimit     = 1000
)

// StatusProvider exposes the loop counters.
type StatusProvider interface {
	Status() agent.Status
}

// HistoryReader reads stored predictions.
type HistoryReader interface {
	Recent(limit int) ([]database.PredictionRecord, error)
	Count() (int64, error)
}

// Deps are the collaborators the handlers read from. Agent, History, Hub and
// Stats may be nil.
type Deps struct {
	State   *twin.State
	Model   *models.ModelInfo
	Agent   StatusProvider
	History HistoryReader
	Hub     *sse.Hub
	Stats   func() *utils.SystemStats
	Started time.Time
}

// Handler implements the API endpoints.
type Handler struct {
	deps Deps
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	return &Handler{deps: deps}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/health", h.handleHealth)
		api.GET("/status", h.handleStatus)
		api.GET("/config", h.handleConfig)
		api.GET("/predictions", h.handlePredictions)
		api.GET("/events", h.handleEvents)
	}
}

// NewRouter builds a gin engine with CORS and request logging.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodOptions}
	router.Use(cors.New(corsConfig))

	h.RegisterRoutes(router)
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("API request")
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.deps.Started).Round(time.Second).String(),
	})
}

func (h *Handler) handleStatus(c *gin.Context) {
	resp := gin.H{
		"phase":       h.deps.State.Phase().String(),
		"patch_count": h.deps.State.PatchCount(),
		"runtime":     h.deps.State.Load(),
		"started_at":  h.deps.Started,
	}
	if m := h.deps.Model; m != nil {
		resp["model"] = gin.H{
			"project":    fmt.Sprintf("%s / %s", m.Project.Owner, m.Project.Name),
			"model_type": m.Parameters.ModelType,
			"labels":     m.Parameters.Labels,
			"input":      fmt.Sprintf("%dx%d", m.Parameters.ImageInputWidth, m.Parameters.ImageInputHeight),
			"channels":   m.Parameters.ImageChannelCount,
		}
	}
	if h.deps.Agent != nil {
		resp["agent"] = h.deps.Agent.Status()
	}
	if h.deps.Stats != nil {
		resp["system"] = h.deps.Stats()
	}
	if h.deps.Hub != nil {
		resp["sse_clients"] = h.deps.Hub.ClientCount()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.State.Load())
}

func (h *Handler) handlePredictions(c *gin.Context) {
	if h.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "prediction history is disabled"})
		return
	}

	limit := defaultPredictionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxPredictionLimit)
	}

	records, err := h.deps.History.Recent(limit)
	if err != nil {
		log.WithError(err).Error("Error loading prediction history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load predictions"})
		return
	}
	total, err := h.deps.History.Count()
	if err != nil {
		log.WithError(err).Warn("Error counting prediction history")
	}

	c.JSON(http.StatusOK, gin.H{
		"total":       total,
		"count":       len(records),
		"predictions": records,
	})
}

func (h *Handler) handleEvents(c *gin.Context) {
	if h.deps.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live events are disabled"})
		return
	}

	client := sse.NewClient()
	if !h.deps.Hub.Register(client) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live events have stopped"})
		return
	}
	defer h.deps.Hub.Unregister(client)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-client:
			if !ok {
				return false
			}
			c.SSEvent("prediction", string(msg))
			return true
		}
	})
}

// Server runs the API on its own http.Server.
type Server struct {
	srv *http.Server
}

// NewServer creates a Server listening on host:port.
func NewServer(host string, port int, h *Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           NewRouter(h),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	log.Infof("Starting status API on %s", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Status API failed: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

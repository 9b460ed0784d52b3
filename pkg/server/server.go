// Package server exposes the webhook receivers of the sync service.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/engine"
	"github.com/esdandreu/gcal2clickup/pkg/model"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
	"github.com/esdandreu/gcal2clickup/pkg/webhook"
)

const maxBodySize = 1 << 20 // 1MB

// Google push notification headers.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerSignature     = "X-Signature"
)

// Syncer is the part of the engine the handlers drive.
type Syncer interface {
	HandleCalendarNotification(ctx context.Context, channelID, resourceID, state string) (engine.Result, error)
	TaskWebhook(ctx context.Context, webhookID string) (model.TaskWebhook, error)
	HandleTaskNotification(ctx context.Context, wh model.TaskWebhook, p clickup.WebhookPayload) (engine.Result, error)
}

// Server is the webhook HTTP server.
type Server struct {
	syncer Syncer
	router *gin.Engine
	logger *slog.Logger
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates the server and registers its routes.
func NewServer(syncer Syncer, opts ...Option) *Server {
	router := gin.New()
	s := &Server{
		syncer: syncer,
		router: router,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	router.Use(gin.Recovery(), s.logRequests)
	router.GET("/health", s.handleHealth)
	router.POST(webhook.CalendarPath, s.handleCalendar)
	router.POST(webhook.TaskPath, s.handleTask)
	return s
}

// Handler returns the router, for use in an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCalendar(c *gin.Context) {
	channelID := c.GetHeader(headerChannelID)
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + headerChannelID})
		return
	}
	res, err := s.syncer.HandleCalendarNotification(c.Request.Context(),
		channelID, c.GetHeader(headerResourceID), c.GetHeader(headerResourceState))
	switch {
	case syncerr.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.fail(c, "calendar notification failed", err)
		return
	}
	s.respond(c, res)
}

func (s *Server) handleTask(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	var payload clickup.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	wh, err := s.syncer.TaskWebhook(c.Request.Context(), payload.WebhookID)
	switch {
	case syncerr.IsNotFound(err):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown webhook"})
		return
	case err != nil:
		s.fail(c, "task webhook lookup failed", err)
		return
	}
	if wh.Secret != "" && !validSignature(wh.Secret, c.GetHeader(headerSignature), body) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
		return
	}

	res, err := s.syncer.HandleTaskNotification(c.Request.Context(), wh, payload)
	if err != nil {
		s.fail(c, "task notification failed", err)
		return
	}
	s.respond(c, res)
}

func (s *Server) respond(c *gin.Context, res engine.Result) {
	if res.Inactive {
		c.JSON(http.StatusOK, gin.H{"status": "inactive"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) fail(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, "path", c.Request.URL.Path, "error", err)
	status := http.StatusInternalServerError
	if syncerr.IsTransient(err) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// validSignature checks a hex HMAC-SHA256 of body keyed by secret.
func validSignature(secret, signature string, body []byte) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(expected))
}

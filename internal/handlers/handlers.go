package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/rice-vision/internal/auth"
	"github.com/example/rice-vision/internal/imagesource"
	"github.com/example/rice-vision/internal/repository"
	"github.com/example/rice-vision/internal/report"
	"github.com/example/rice-vision/internal/storage"
	"github.com/example/rice-vision/internal/workflow"
)

// MaxUploadSize bounds incoming image uploads.
const MaxUploadSize = 10 << 20

// Store is the read surface the HTTP layer needs from persistence.
type Store interface {
	LatestResult(ctx context.Context, sessionID, ownerID string) (*repository.ClassificationLog, error)
	History(ctx context.Context, ownerID string) ([]*repository.ClassificationLog, error)
	GetMetricsSummary(ctx context.Context) (*storage.MetricsSummary, error)
}

// Server bundles the collaborators behind the HTTP surface.
type Server struct {
	manager      *workflow.Manager
	orchestrator *workflow.Orchestrator
	sources      *imagesource.Adapter
	reports      *report.Generator
	store        Store
	logger       *zap.Logger
}

// NewServer constructs the HTTP server dependencies bundle.
func NewServer(
	manager *workflow.Manager,
	orchestrator *workflow.Orchestrator,
	sources *imagesource.Adapter,
	reports *report.Generator,
	store Store,
	logger *zap.Logger,
) *Server {
	return &Server{
		manager:      manager,
		orchestrator: orchestrator,
		sources:      sources,
		reports:      reports,
		store:        store,
		logger:       logger.Named("http_handlers"),
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, s *Server, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/samples", s.listSamples)

	authed := router.Group("/", authMiddleware)
	authed.POST("/sessions", s.createSession)
	authed.GET("/sessions/:id", s.getSession)
	authed.POST("/sessions/:id/image", s.uploadImage)
	authed.POST("/sessions/:id/sample", s.selectSample)
	authed.GET("/sessions/:id/image", s.serveImage)
	authed.POST("/sessions/:id/reset", s.resetSession)
	authed.GET("/sessions/:id/result", s.getResult)
	authed.GET("/sessions/:id/report", s.downloadReport)
	authed.POST("/sessions/:id/chat", s.sendChatMessage)
	authed.GET("/sessions/:id/chat", s.getChatTranscript)
	authed.GET("/history", s.getHistory)
	authed.GET("/metrics", s.getMetrics)
}

func (s *Server) listSamples(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"samples": s.sources.Samples()})
}

func (s *Server) createSession(c *gin.Context) {
	owner, ok := auth.GetOwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	session := s.manager.Create(owner)
	c.JSON(http.StatusCreated, gin.H{
		"session_id": session.ID,
		"status":     workflow.StatusEmpty,
	})
}

func (s *Server) getSession(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snapshotBody(session.Snapshot()))
}

func (s *Server) uploadImage(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}
	if int64(len(data)) > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return
	}

	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only image uploads are supported"})
		return
	}

	input, err := s.sources.FromUpload(file.Filename, contentType, data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"notification": workflow.Notification{Level: workflow.LevelError, Message: "Failed to process the selected image"},
		})
		return
	}

	s.runAnalysis(c, session, input)
}

func (s *Server) selectSample(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sample name is required"})
		return
	}

	input, err := s.sources.FromSample(c.Request.Context(), body.Name)
	if err != nil {
		s.logger.Warn("sample selection failed", zap.String("sample", body.Name), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"notification": workflow.Notification{Level: workflow.LevelError, Message: "Failed to process the sample image"},
		})
		return
	}

	s.runAnalysis(c, session, input)
}

func (s *Server) runAnalysis(c *gin.Context, session *workflow.Session, input *imagesource.ImageInput) {
	outcome := s.orchestrator.SelectImage(c.Request.Context(), session, input)
	if outcome.Superseded {
		c.JSON(http.StatusOK, gin.H{
			"superseded": true,
			"session_id": session.ID,
			"status":     session.Snapshot().Status,
		})
		return
	}

	body := snapshotBody(session.Snapshot())
	body["notification"] = outcome.Notification
	c.JSON(http.StatusOK, body)
}

func (s *Server) serveImage(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	data, contentType, ok := session.Image(c.Query("token"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no image for this token"})
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) resetSession(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	s.orchestrator.Reset(session)
	c.JSON(http.StatusOK, gin.H{
		"session_id": session.ID,
		"status":     workflow.StatusEmpty,
	})
}

// getResult serves the last persisted classification for a session. It
// deliberately skips the live-session lookup so results outlive pruning.
func (s *Server) getResult(c *gin.Context) {
	owner, ok := auth.GetOwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	log, err := s.store.LatestResult(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		if errors.Is(err, storage.ErrResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no result for this session"})
			return
		}
		s.logger.Error("result lookup failed", zap.String("session_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": log.SessionID,
		"label":      log.Label,
		"confidence": log.Confidence,
		"origin":     log.Origin,
		"created_at": log.CreatedAt,
	})
}

func (s *Server) downloadReport(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	data, notification := s.orchestrator.ReportData(session)
	if notification != nil {
		c.JSON(http.StatusConflict, gin.H{"notification": notification})
		return
	}

	artifact, err := s.reports.Generate(c.Request.Context(), *data)
	if err != nil {
		s.logger.Error("report generation failed", zap.String("session_id", session.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"notification": workflow.Notification{Level: workflow.LevelError, Message: "Failed to generate PDF report"},
		})
		return
	}

	filename := fmt.Sprintf("rice-report-%s.pdf", strings.ToLower(data.Label))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", artifact)
}

func (s *Server) sendChatMessage(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	if session.Chat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat is not configured"})
		return
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	reply, accepted := session.Chat.Send(c.Request.Context(), body.Message, session.ResultContext())
	if !accepted {
		c.JSON(http.StatusConflict, gin.H{"error": "message is empty or a reply is already pending"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

func (s *Server) getChatTranscript(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	if session.Chat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat is not configured"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages":       session.Chat.Transcript(),
		"awaiting_reply": session.Chat.Awaiting(),
	})
}

func (s *Server) getHistory(c *gin.Context) {
	owner, ok := auth.GetOwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	logs, err := s.store.History(c.Request.Context(), owner)
	if err != nil {
		s.logger.Error("history lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	entries := make([]gin.H, 0, len(logs))
	for _, log := range logs {
		entries = append(entries, gin.H{
			"request_id": log.RequestID,
			"session_id": log.SessionID,
			"label":      log.Label,
			"confidence": log.Confidence,
			"origin":     log.Origin,
			"created_at": log.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func (s *Server) getMetrics(c *gin.Context) {
	summary, err := s.store.GetMetricsSummary(c.Request.Context())
	if err != nil {
		s.logger.Error("metrics aggregation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) session(c *gin.Context) (*workflow.Session, bool) {
	owner, ok := auth.GetOwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return nil, false
	}

	session, ok := s.manager.Get(c.Param("id"), owner)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return session, true
}

func snapshotBody(snap workflow.Snapshot) gin.H {
	body := gin.H{
		"session_id": snap.SessionID,
		"status":     snap.Status,
	}
	if snap.Result != nil {
		body["result"] = snap.Result
	}
	if snap.ImageToken != "" {
		body["image_url"] = fmt.Sprintf("/sessions/%s/image?token=%s", snap.SessionID, snap.ImageToken)
		body["filename"] = snap.Filename
		body["origin"] = snap.Origin
	}
	return body
}

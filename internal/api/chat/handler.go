package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/docchat/internal/domain"
	"github.com/liliang-cn/docchat/internal/service"
	"go.uber.org/zap"
)

// Handler handles the public session API
type Handler struct {
	settings      *service.ProviderSettings
	sessions      *service.SessionManager
	uploadService *service.UploadService
	chatService   *service.ChatService
	logger        *zap.Logger
}

// NewHandler creates a new chat handler
func NewHandler(
	settings *service.ProviderSettings,
	sessions *service.SessionManager,
	uploadService *service.UploadService,
	chatService *service.ChatService,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		settings:      settings,
		sessions:      sessions,
		uploadService: uploadService,
		chatService:   chatService,
		logger:        logger,
	}
}

// RegisterRoutes registers chat routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	settings := r.Group("/settings")
	{
		settings.GET("", h.GetSettings)
		settings.POST("/credential", h.SetCredential)
	}

	sessions := r.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("/:id", h.GetSession)
		sessions.POST("/:id/upload", h.Upload)
		sessions.POST("/:id/upload/stream", h.UploadStream)
		sessions.POST("/:id/questions", h.Ask)
		sessions.GET("/:id/transcript", h.Transcript)
		sessions.POST("/:id/reload", h.Reload)
	}
}

// Settings handlers

func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"configured": h.settings.Configured(),
		"state":      h.settings.State(),
	})
}

func (h *Handler) SetCredential(c *gin.Context) {
	var req domain.CredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.settings.Configure(c.Request.Context(), req.APIKey); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"configured": true})
}

// Session handlers

func (h *Handler) CreateSession(c *gin.Context) {
	session, err := h.sessions.Create()
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *Handler) Upload(c *gin.Context) {
	file, err := openArchive(c)
	if err != nil {
		respondError(c, err)
		return
	}
	defer file.Close()

	report, err := h.uploadService.Upload(c.Request.Context(), c.Param("id"), file, nil)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// UploadStream runs an upload and reports it as server-sent events:
// "progress" per file, "warning" per skipped file, then "done" or "error".
func (h *Handler) UploadStream(c *gin.Context) {
	file, err := openArchive(c)
	if err != nil {
		respondError(c, err)
		return
	}
	defer file.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	id := c.Param("id")
	ctx := c.Request.Context()
	events := make(chan event, 16)
	reporter := &streamReporter{ctx: ctx, events: events}

	go func() {
		defer close(events)
		// gin.Recovery does not cover this goroutine
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Upload panicked",
					zap.String("session_id", id),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				reporter.send(event{name: "error", data: gin.H{"error": "internal error", "status": http.StatusInternalServerError}})
			}
		}()
		report, err := h.uploadService.Upload(ctx, id, file, reporter)
		if err != nil {
			reporter.send(event{name: "error", data: gin.H{"error": err.Error(), "status": statusFor(err)}})
			return
		}
		reporter.send(event{name: "done", data: report})
	}()

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(ev.name, ev.data)
		return true
	})

	// Wait for the upload to finish before the multipart file is released
	for range events {
	}
}

func (h *Handler) Ask(c *gin.Context) {
	var req domain.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.chatService.Ask(c.Request.Context(), c.Param("id"), req.Question)
	if errors.Is(err, domain.ErrEmptyQuestion) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

func (h *Handler) Transcript(c *gin.Context) {
	entries, err := h.chatService.Transcript(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []*domain.ChatEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) Reload(c *gin.Context) {
	session, err := h.chatService.Reload(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

type event struct {
	name string
	data any
}

// streamReporter forwards dispatcher callbacks to the event stream
type streamReporter struct {
	ctx    context.Context
	events chan<- event
}

func (r *streamReporter) Progress(p domain.Progress) {
	r.send(event{name: "progress", data: p})
}

func (r *streamReporter) Warning(w domain.Warning) {
	r.send(event{name: "warning", data: w})
}

// send drops the event once the client has gone away
func (r *streamReporter) send(ev event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

// openArchive returns the uploaded "file" field, which must be a .zip
func openArchive(c *gin.Context) (io.ReadCloser, error) {
	header, err := c.FormFile("file")
	if err != nil {
		return nil, errFileRequired
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".zip") {
		return nil, errNotZip
	}
	return header.Open()
}

var (
	errFileRequired = errors.New("file is required")
	errNotZip       = errors.New("only .zip archives are accepted")
)

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errFileRequired),
		errors.Is(err, errNotZip),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidCredential),
		errors.Is(err, domain.ErrArchive):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotConfigured),
		errors.Is(err, domain.ErrNoIndex),
		errors.Is(err, domain.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoDocuments):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrIndexBuild),
		errors.Is(err, domain.ErrQuery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

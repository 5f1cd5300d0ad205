package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/docchat/internal/domain"
	"github.com/liliang-cn/docchat/internal/service"
)

// Handler handles admin API requests
type Handler struct {
	adminService *service.AdminService
}

// NewHandler creates a new admin handler
func NewHandler(adminService *service.AdminService) *Handler {
	return &Handler{adminService: adminService}
}

// RegisterRoutes registers admin routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	sessions := r.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id", h.GetSession)
		sessions.DELETE("/:id", h.DeleteSession)
		sessions.GET("/:id/uploads", h.ListUploads)
	}

	r.GET("/stats", h.GetStats)
}

// Session handlers

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.adminService.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.adminService.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "session not found")
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.adminService.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err, "session not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "session deleted"})
}

// Upload history handler

func (h *Handler) ListUploads(c *gin.Context) {
	uploads, err := h.adminService.ListUploads(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "session not found")
		return
	}
	if uploads == nil {
		uploads = []*domain.UploadRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"uploads": uploads})
}

// Stats handler

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.adminService.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func respondError(c *gin.Context, err error, notFound string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
	case errors.Is(err, domain.ErrSessionBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

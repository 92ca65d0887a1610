package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/middleware"
	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/services/availability"
	"github.com/terminal-bench/studytrack/internal/services/guard"
	"github.com/terminal-bench/studytrack/internal/services/media"
)

// SubsectionStore resolves subsections for material lookups.
type SubsectionStore interface {
	GetByID(ctx context.Context, id int64) (*models.Subsection, error)
}

// MaterialHandler resolves a subsection's stored material to a time-limited
// download URL. Section availability and the attempt guard both apply: a
// locked or not-yet-unlocked material never resolves.
type MaterialHandler struct {
	subsections SubsectionStore
	resolver    *availability.Service
	guard       *guard.Guard
	media       *media.Service
}

// NewMaterialHandler creates a material handler.
func NewMaterialHandler(subsections SubsectionStore, resolver *availability.Service, g *guard.Guard, m *media.Service) *MaterialHandler {
	return &MaterialHandler{subsections: subsections, resolver: resolver, guard: g, media: m}
}

// URL returns the presigned download link for a subsection's material.
func (h *MaterialHandler) URL(c *gin.Context) {
	userID := middleware.GetUserID(c)
	role := middleware.GetRole(c)
	subsectionID, ok := pathID(c, "id")
	if !ok {
		return
	}

	sub, err := h.subsections.GetByID(c.Request.Context(), subsectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if sub.IsArchived || sub.ContentPath == "" {
		writeError(c, errs.ErrNotFound)
		return
	}

	dec, err := h.resolver.CanAccessSection(c.Request.Context(), userID, role, sub.SectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !dec.Available {
		writeError(c, forbidden(dec.Reason))
		return
	}
	if err := h.guard.CheckSubsection(c.Request.Context(), userID, subsectionID); err != nil {
		writeError(c, err)
		return
	}

	link, err := h.media.URL(c.Request.Context(), sub.ContentPath)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

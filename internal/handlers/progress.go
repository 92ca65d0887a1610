package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/terminal-bench/studytrack/internal/middleware"
	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/services/availability"
	"github.com/terminal-bench/studytrack/internal/services/guard"
	"github.com/terminal-bench/studytrack/internal/services/progress"
)

// TopicLister lists the non-archived topic catalog.
type TopicLister interface {
	List(ctx context.Context) ([]models.Topic, error)
}

// ProgressHandler exposes the topic catalog, progress reads and availability
// checks. Reads of progress go through the material guard first: an open test
// attempt locks the view of the covered content.
type ProgressHandler struct {
	topics   TopicLister
	progress *progress.Service
	resolver *availability.Service
	guard    *guard.Guard
}

// NewProgressHandler creates a progress handler.
func NewProgressHandler(topics TopicLister, p *progress.Service, resolver *availability.Service, g *guard.Guard) *ProgressHandler {
	return &ProgressHandler{topics: topics, progress: p, resolver: resolver, guard: g}
}

// ListTopics returns the catalog. Archived topics never appear here; an
// archived topic stays reachable by id for readers that already hold one.
func (h *ProgressHandler) ListTopics(c *gin.Context) {
	topics, err := h.topics.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, len(topics))
	for i, t := range topics {
		out[i] = gin.H{
			"id":          t.ID,
			"title":       t.Title,
			"description": t.Description,
			"category":    t.Category,
			"image_path":  t.ImagePath,
		}
	}
	c.JSON(http.StatusOK, gin.H{"topics": out})
}

// sectionProgressBody rounds the stored percentages to the integers the wire
// contract promises.
type sectionProgressBody struct {
	SectionID        int64              `json:"section_id"`
	Percentage       int                `json:"percentage"`
	StatusPercentage int                `json:"status_percentage"`
	Status           string             `json:"status"`
	Breakdown        progress.Breakdown `json:"breakdown"`
	TimeSpentSeconds int64              `json:"time_spent_seconds"`
}

// SectionProgress returns the caller's aggregated section progress.
func (h *ProgressHandler) SectionProgress(c *gin.Context) {
	userID := middleware.GetUserID(c)
	sectionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.guard.CheckSection(c.Request.Context(), userID, sectionID); err != nil {
		writeError(c, err)
		return
	}
	overview, err := h.progress.SectionOverview(c.Request.Context(), userID, sectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sectionProgressBody{
		SectionID:        overview.SectionID,
		Percentage:       roundPct(overview.Percentage),
		StatusPercentage: roundPct(overview.StatusPercentage),
		Status:           string(overview.Status),
		Breakdown:        overview.Breakdown,
		TimeSpentSeconds: overview.TimeSpentSeconds,
	})
}

type topicProgressBody struct {
	TopicID           int64  `json:"topic_id"`
	Percentage        int    `json:"percentage"`
	Status            string `json:"status"`
	CompletedSections int    `json:"completed_sections"`
	TotalSections     int    `json:"total_sections"`
	TimeSpentSeconds  int64  `json:"time_spent_seconds"`
}

// TopicProgress returns the caller's aggregated topic progress.
func (h *ProgressHandler) TopicProgress(c *gin.Context) {
	userID := middleware.GetUserID(c)
	topicID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.guard.CheckTopic(c.Request.Context(), userID, topicID); err != nil {
		writeError(c, err)
		return
	}
	overview, err := h.progress.TopicOverview(c.Request.Context(), userID, topicID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, topicProgressBody{
		TopicID:           overview.TopicID,
		Percentage:        roundPct(overview.Percentage),
		Status:            string(overview.Status),
		CompletedSections: overview.CompletedSections,
		TotalSections:     overview.TotalSections,
		TimeSpentSeconds:  overview.TimeSpentSeconds,
	})
}

// ListSections returns the topic's sections with per-user availability.
func (h *ProgressHandler) ListSections(c *gin.Context) {
	userID := middleware.GetUserID(c)
	role := middleware.GetRole(c)
	topicID, ok := pathID(c, "id")
	if !ok {
		return
	}
	dec, err := h.resolver.CanAccessTopic(c.Request.Context(), userID, role, topicID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !dec.Available {
		writeError(c, forbidden(dec.Reason))
		return
	}
	listings, err := h.resolver.ListSections(c.Request.Context(), userID, role, topicID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, len(listings))
	for i, l := range listings {
		out[i] = gin.H{
			"section_id":   l.SectionID,
			"title":        l.Title,
			"order":        l.Order,
			"is_available": l.IsAvailable,
			"is_completed": l.IsCompleted,
			"percentage":   roundPct(l.Percentage),
		}
		if l.Reason != "" {
			out[i]["reason"] = l.Reason
		}
	}
	c.JSON(http.StatusOK, gin.H{"sections": out})
}

// SectionAccess answers whether the caller may open a section.
func (h *ProgressHandler) SectionAccess(c *gin.Context) {
	userID := middleware.GetUserID(c)
	role := middleware.GetRole(c)
	sectionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	dec, err := h.resolver.CanAccessSection(c.Request.Context(), userID, role, sectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dec)
}

// TopicAccess answers whether the caller may open a topic.
func (h *ProgressHandler) TopicAccess(c *gin.Context) {
	userID := middleware.GetUserID(c)
	role := middleware.GetRole(c)
	topicID, ok := pathID(c, "id")
	if !ok {
		return
	}
	dec, err := h.resolver.CanAccessTopic(c.Request.Context(), userID, role, topicID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dec)
}

// TestAccess answers whether the caller may start a test.
func (h *ProgressHandler) TestAccess(c *gin.Context) {
	userID := middleware.GetUserID(c)
	role := middleware.GetRole(c)
	testID, ok := pathID(c, "id")
	if !ok {
		return
	}
	dec, err := h.resolver.CanStartTest(c.Request.Context(), userID, role, testID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dec)
}

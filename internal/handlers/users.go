package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/terminal-bench/studytrack/internal/middleware"
	"github.com/terminal-bench/studytrack/internal/models"
)

// UserStore resolves accounts. *repository.UserRepo satisfies it.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// UserHandler exposes the caller's own identity.
type UserHandler struct {
	users UserStore
}

// NewUserHandler creates a user handler.
func NewUserHandler(users UserStore) *UserHandler {
	return &UserHandler{users: users}
}

// Me returns the authenticated caller's profile.
func (h *UserHandler) Me(c *gin.Context) {
	user, err := h.users.GetByID(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

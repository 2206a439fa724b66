package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/adapters/storage"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

type usersAPI struct {
	store core.Store
}

type upsertUserRequest struct {
	AuthID string `json:"authId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Image  string `json:"image"`
}

func (a *usersAPI) register(api *gin.RouterGroup) {
	api.POST("/users", a.upsertUser)
	api.GET("/me", a.me)
	api.GET("/users/:id", a.getUser)
	api.GET("/users/:id/plans", a.listPlans)
	api.POST("/users/:id/plans", a.createPlan)
	api.GET("/users/:id/plans/active", a.activePlan)
	api.GET("/users/:id/conversations", a.listConversations)
}

// storeError writes the status matching a storage error.
func storeError(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
	case errors.Is(err, storage.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what})
	default:
		log.Error().Err(err).Str("module", "adapters.http").Str("what", what).Msg("storage error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
	}
}

// upsertUser syncs a profile from the auth provider and remembers it in the
// cookie session so the signal socket can attribute conversations.
func (a *usersAPI) upsertUser(c *gin.Context) {
	var req upsertUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	u, err := domain.NewUser(strings.TrimSpace(req.AuthID), strings.TrimSpace(req.Name), req.Email)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u.Image = req.Image

	saved, err := a.store.UpsertUser(c.Request.Context(), u)
	if err != nil {
		storeError(c, err, "user")
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionUserKey, string(saved.ID))
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
	}
	c.JSON(http.StatusOK, saved)
}

func (a *usersAPI) me(c *gin.Context) {
	uid, _ := sessions.Default(c).Get(sessionUserKey).(string)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no user in session"})
		return
	}
	u, err := a.store.GetUser(c.Request.Context(), domain.UserID(uid))
	if err != nil {
		storeError(c, err, "user")
		return
	}
	c.JSON(http.StatusOK, u)
}

func (a *usersAPI) getUser(c *gin.Context) {
	u, err := a.store.GetUser(c.Request.Context(), domain.UserID(c.Param("id")))
	if err != nil {
		storeError(c, err, "user")
		return
	}
	c.JSON(http.StatusOK, u)
}

func (a *usersAPI) listPlans(c *gin.Context) {
	plans, err := a.store.ListPlans(c.Request.Context(), domain.UserID(c.Param("id")))
	if err != nil {
		storeError(c, err, "plans")
		return
	}
	if plans == nil {
		plans = []*domain.Plan{}
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (a *usersAPI) createPlan(c *gin.Context) {
	ctx := c.Request.Context()
	uid := domain.UserID(c.Param("id"))
	if _, err := a.store.GetUser(ctx, uid); err != nil {
		storeError(c, err, "user")
		return
	}

	var p domain.Plan
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if strings.TrimSpace(p.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan name required"})
		return
	}
	// identity and timestamps are assigned by the store
	p.ID, p.UserID, p.CreatedAt = "", uid, time.Time{}
	if err := a.store.CreatePlan(ctx, &p); err != nil {
		storeError(c, err, "plan")
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (a *usersAPI) activePlan(c *gin.Context) {
	p, err := a.store.ActivePlan(c.Request.Context(), domain.UserID(c.Param("id")))
	if err != nil {
		storeError(c, err, "active plan")
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *usersAPI) listConversations(c *gin.Context) {
	list, err := a.store.ListConversations(c.Request.Context(), domain.UserID(c.Param("id")))
	if err != nil {
		storeError(c, err, "conversations")
		return
	}
	if list == nil {
		list = []*domain.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

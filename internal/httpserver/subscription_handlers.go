package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/subtrack/internal/repository"
	"github.com/vipul43/subtrack/internal/service"
)

func (h *handler) listSubscriptions(c *gin.Context) {
	filter := repository.SubscriptionFilter{Category: c.Query("category")}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			h.badRequest(c, fmt.Errorf("active must be true or false"))
			return
		}
		filter.Active = &active
	}

	subs, err := h.svc.Subscriptions.List(c.Request.Context(), userID(c), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *handler) getSubscription(c *gin.Context) {
	sub, err := h.svc.Subscriptions.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *handler) createSubscription(c *gin.Context) {
	var in service.SubscriptionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}

	sub, err := h.svc.Subscriptions.Create(c.Request.Context(), userID(c), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *handler) updateSubscription(c *gin.Context) {
	var in service.SubscriptionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}

	sub, err := h.svc.Subscriptions.Update(c.Request.Context(), userID(c), c.Param("id"), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *handler) deleteSubscription(c *gin.Context) {
	if err := h.svc.Subscriptions.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// recentSubscriptions lists what an import created, for review
func (h *handler) recentSubscriptions(c *gin.Context) {
	subs, err := h.svc.Subscriptions.Recent(c.Request.Context(), userID(c), c.Query("importId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *handler) subscriptionStats(c *gin.Context) {
	stats, err := h.svc.Subscriptions.Stats(c.Request.Context(), userID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

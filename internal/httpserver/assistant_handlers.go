package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/subtrack/internal/agent"
)

type templateView struct {
	ServiceName string `json:"service_name"`
	Category    string `json:"category"`
}

func (h *handler) listTemplates(c *gin.Context) {
	templates, err := h.svc.Templates.ListOrdered(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	views := make([]templateView, 0, len(templates))
	for _, t := range templates {
		views = append(views, templateView{ServiceName: t.ServiceName, Category: t.Category})
	}
	c.JSON(http.StatusOK, gin.H{"templates": views})
}

type chatRequest struct {
	Message string              `json:"message" binding:"required"`
	History []agent.ChatMessage `json:"history"`
}

func (h *handler) chat(c *gin.Context) {
	if h.svc.Assistant == nil || !h.svc.Assistant.Enabled() {
		h.writeError(c, agent.ErrDisabled)
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	reply, err := h.svc.Assistant.Chat(c.Request.Context(), userID(c), req.Message, req.History)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

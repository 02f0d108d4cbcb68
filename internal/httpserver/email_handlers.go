package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *handler) oauthURL(c *gin.Context) {
	url, err := h.svc.Connections.AuthURL(userID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// oauthCallback is hit by the provider redirect, so it carries no bearer
// token; the signed state names the user
func (h *handler) oauthCallback(c *gin.Context) {
	if msg := c.Query("error"); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization denied: " + msg})
		return
	}

	conn, err := h.svc.Connections.HandleCallback(c.Request.Context(), c.Query("state"), c.Query("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *handler) listConnections(c *gin.Context) {
	conns, err := h.svc.Connections.List(c.Request.Context(), userID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

func (h *handler) disconnect(c *gin.Context) {
	if err := h.svc.Connections.Disconnect(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// startImport returns as soon as the run row exists; processing continues
// in the background
func (h *handler) startImport(c *gin.Context) {
	run, err := h.svc.Imports.Start(c.Request.Context(), userID(c), c.Param("connectionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("import accepted",
		zap.String("user_id", run.UserID),
		zap.String("import_id", run.ID),
		zap.String("connection_id", run.ConnectionID),
	)
	c.JSON(http.StatusAccepted, gin.H{"importId": run.ID})
}

func (h *handler) getImport(c *gin.Context) {
	run, err := h.svc.ImportStatus.Get(c.Request.Context(), userID(c), c.Param("importId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *handler) listImports(c *gin.Context) {
	runs, err := h.svc.ImportStatus.List(c.Request.Context(), userID(c), c.Query("connectionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imports": runs})
}

package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vipul43/subtrack/internal/agent"
	"github.com/vipul43/subtrack/internal/models"
	"github.com/vipul43/subtrack/internal/repository"
	"github.com/vipul43/subtrack/internal/service"
)

type AuthAPI interface {
	Register(ctx context.Context, email, password, name string) (*models.User, error)
	Login(ctx context.Context, email, password string) (string, *models.User, error)
	Authenticate(ctx context.Context, token string) (*service.Identity, error)
	Logout(ctx context.Context, tokenID string) error
	Me(ctx context.Context, userID string) (*models.User, error)
}

type ConnectionAPI interface {
	AuthURL(userID string) (string, error)
	HandleCallback(ctx context.Context, state, code string) (*models.EmailConnection, error)
	List(ctx context.Context, userID string) ([]models.EmailConnection, error)
	Disconnect(ctx context.Context, userID, connectionID string) error
}

type ImportStarter interface {
	Start(ctx context.Context, userID, connectionID string) (*models.ImportRun, error)
}

type ImportStatusAPI interface {
	Get(ctx context.Context, userID, importID string) (*models.ImportRun, error)
	List(ctx context.Context, userID, connectionID string) ([]models.ImportRun, error)
}

type SubscriptionAPI interface {
	List(ctx context.Context, userID string, filter repository.SubscriptionFilter) ([]models.Subscription, error)
	Get(ctx context.Context, userID, subID string) (*models.Subscription, error)
	Create(ctx context.Context, userID string, in service.SubscriptionInput) (*models.Subscription, error)
	Update(ctx context.Context, userID, subID string, in service.SubscriptionInput) (*models.Subscription, error)
	Delete(ctx context.Context, userID, subID string) error
	Recent(ctx context.Context, userID, importID string) ([]models.Subscription, error)
	Stats(ctx context.Context, userID string) (*service.Stats, error)
}

type TemplateLister interface {
	ListOrdered(ctx context.Context) ([]models.Template, error)
}

type Assistant interface {
	Enabled() bool
	Chat(ctx context.Context, userID, message string, history []agent.ChatMessage) (string, error)
}

// Pinger is satisfied by *sql.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Services are the collaborators behind the HTTP surface
type Services struct {
	Auth          AuthAPI
	Connections   ConnectionAPI
	Imports       ImportStarter
	ImportStatus  ImportStatusAPI
	Subscriptions SubscriptionAPI
	Templates     TemplateLister
	Assistant     Assistant
	DB            Pinger
}

type handler struct {
	svc    Services
	logger *zap.Logger
}

func NewRouter(svc Services, logger *zap.Logger) *gin.Engine {
	h := &handler{svc: svc, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), requestMetrics())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", h.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public
	r.POST("/auth/register", h.register)
	r.POST("/auth/login", h.login)
	r.GET("/email/oauth/callback", h.oauthCallback)

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(svc.Auth))
	{
		auth.POST("/auth/logout", h.logout)
		auth.GET("/auth/me", h.me)

		auth.GET("/email/oauth/url", h.oauthURL)
		auth.GET("/email/connections", h.listConnections)
		auth.DELETE("/email/connections/:id", h.disconnect)

		auth.POST("/email/imports/:connectionId", h.startImport)
		auth.GET("/email/imports", h.listImports)
		auth.GET("/email/imports/:importId", h.getImport)

		auth.GET("/subs", h.listSubscriptions)
		auth.POST("/subs", h.createSubscription)
		auth.GET("/subs/recent", h.recentSubscriptions)
		auth.GET("/subs/stats", h.subscriptionStats)
		auth.GET("/subs/:id", h.getSubscription)
		auth.PUT("/subs/:id", h.updateSubscription)
		auth.DELETE("/subs/:id", h.deleteSubscription)

		auth.GET("/templates", h.listTemplates)
		auth.POST("/assistant/chat", h.chat)
	}

	return r
}

func (h *handler) ready(c *gin.Context) {
	if h.svc.DB == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()

	if err := h.svc.DB.PingContext(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

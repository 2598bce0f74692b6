package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/config"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/http/handler"
	httpmiddleware "github.com/Pushparaj13811/flowforge-ai-sub003/internal/http/middleware"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, oauthHandler *handler.OAuthHandler, rateLimiter *middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	throttled := rateLimiter.Handler()

	r.GET("/healthz", oauthHandler.Healthz)

	oauth := r.Group("/oauth")
	{
		oauth.GET("/:provider/authorize", throttled, httpmiddleware.Identity(), oauthHandler.Authorize)
		// The provider redirects the browser here mid-handshake; the caller
		// is recovered from the stored state, not from a gateway header,
		// and the leg is exempt from per-IP throttling.
		oauth.GET("/:provider/callback", oauthHandler.Callback)
	}

	integrations := r.Group("/integrations", throttled, httpmiddleware.Identity())
	{
		integrations.GET("", oauthHandler.List)
		integrations.DELETE("/:id", oauthHandler.Delete)
	}

	return r
}

package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/adapters/signal"
	"github.com/dkeye/mindflex/internal/app/orch"
	"github.com/dkeye/mindflex/internal/config"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

const (
	clientTokenCookie = "ct"
	sessionUserKey    = "user_id"
)

// TokenIssuer signs join credentials for the token endpoint.
type TokenIssuer interface {
	Issue(req core.CredentialRequest) (*core.Credentials, error)
	Configured() bool
}

type Deps struct {
	Orch   *orch.Orchestrator
	Tokens TokenIssuer
	Store  core.Store
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MindFlexSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		configured := deps.Tokens != nil && deps.Tokens.Configured()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "livekit": configured})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")
	if deps.Tokens != nil {
		api.POST("/token", tokenHandler(deps.Tokens))
	}
	if deps.Store != nil {
		users := &usersAPI{store: deps.Store}
		users.register(api)
	}

	if deps.Orch != nil {
		ctrl := signal.NewSignalWSController(deps.Orch, deps.Store, signal.Options{
			ReadLimit:   cfg.ReadLimit,
			PingPeriod:  cfg.PingPeriod,
			StartLimit:  cfg.StartLimit,
			StartWindow: cfg.StartWindow,
			ICEServers:  cfg.ICEServers,
		})
		api.GET("/ws/signal", func(c *gin.Context) {
			sid := core.SessionID(c.GetString("client_token"))
			log.Info().Str("module", "adapters.http").Str("sid", string(sid)).Msg("ws signal endpoint hit")
			ctrl.HandleSignal(ctx, c)
			if uid, ok := sessions.Default(c).Get(sessionUserKey).(string); ok && uid != "" {
				deps.Orch.Registry.SetUser(sid, domain.UserID(uid))
			}
		})
	}

	return r
}

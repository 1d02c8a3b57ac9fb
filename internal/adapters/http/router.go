// Package http wires the gin router: REST document CRUD, the
// websocket signal endpoint and the client-token middleware.
package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/delpha/deckroom/internal/adapters/ws"
	"github.com/delpha/deckroom/internal/app"
	"github.com/delpha/deckroom/internal/config"
	"github.com/delpha/deckroom/internal/store"
)

// ClientTokenMiddleware mints a stable browser token. Connection ids
// stay per-socket; the token only correlates tabs in logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, router *app.EventRouter, st *store.Store) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("DeckroomSessions", sessionStore))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &Handlers{Store: st, Registry: router.Registry, Router: router}
	wsCtl := ws.NewController(router, st)
	wsCtl.ReadLimit = cfg.ReadLimit
	wsCtl.PingPeriod = cfg.PingPeriod
	wsCtl.SendBuffer = cfg.SendBuffer

	api := r.Group("/api")
	api.GET("/health", h.Health)
	api.GET("/rooms", h.ListRooms)
	api.GET("/ws", func(c *gin.Context) {
		wsCtl.Handle(ctx, c)
	})

	pres := api.Group("/presentations")
	pres.GET("", h.ListDocuments)
	pres.POST("", h.CreateDocument)
	pres.GET("/:id", h.GetDocument)
	pres.PUT("/:id", h.UpdateDocument)
	pres.DELETE("/:id", h.DeleteDocument)
	pres.PUT("/:id/settings", h.UpdateSettings)
	pres.POST("/:id/slides", h.AddSlide)
	pres.DELETE("/:id/slides/:slideId", h.DeleteSlide)
	pres.POST("/:id/users", h.GrantAccess)
	pres.DELETE("/:id/users/:nickname", h.RevokeAccess)

	return r
}

package http

import (
	"context"

	"github.com/dkeye/meshvoice/internal/adapters/signal"
	"github.com/dkeye/meshvoice/internal/app/hub"
	"github.com/dkeye/meshvoice/internal/config"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "ct"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every client a stable token kept in its
// cookie session. Hub logs carry it so reconnects of one client can be
// correlated.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// Deps are the hub-side services behind the router. Gatherer may be nil to
// disable /metrics.
type Deps struct {
	Hub      *hub.Hub
	Store    core.Store
	Rooms    core.RoomDirectory
	Channel  *signal.ChannelWSController
	Gatherer prometheus.Gatherer
}

func SetupRouter(ctx context.Context, cfg *config.ServerConfig, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("MeshVoiceSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{hub: d.Hub, store: d.Store, rooms: d.Rooms}

	api := r.Group("/api")
	api.GET("/rooms", h.listRooms)
	api.POST("/rooms", h.createRoom)

	room := api.Group("/rooms/:room")
	room.GET("/presence", h.listPresence)
	room.GET("/members", h.listMembers)
	room.POST("/members", h.insertMember)
	room.PATCH("/members/:id", h.updateMember)
	room.DELETE("/members/:id", h.deleteMember)
	room.GET("/channel", func(c *gin.Context) {
		d.Channel.HandleChannel(ctx, c)
	})

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Bool("metrics", d.Gatherer != nil).Msg("router setup")
	return r
}

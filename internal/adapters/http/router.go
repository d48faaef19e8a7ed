package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lingxi-collab/relay/internal/adapters/ws"
	"github.com/lingxi-collab/relay/internal/app"
	"github.com/lingxi-collab/relay/internal/canvas"
	"github.com/lingxi-collab/relay/internal/config"
	"github.com/lingxi-collab/relay/internal/core"
	"github.com/lingxi-collab/relay/internal/protocol"
)

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

// SetupRouter wires HTTP routes: the relay WebSocket endpoint, room and
// conference listing, and the canvas side-channel.
func SetupRouter(ctx context.Context, cfg *config.Config, orch *app.Orchestrator, store *canvas.Store) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RelaySessions", sessionStore))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)

	ctl := ws.NewController(orch, ws.NewMessageRateLimiter(cfg.ChatRateLimit, cfg.ChatRateInterval), cfg.ReadLimit)
	r.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("ct", c.GetString("client_token")).Msg("ws endpoint hit")
		ctl.HandleRelay(ctx, c)
	})

	api := r.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": orch.Rooms.List()})
	})

	api.GET("/rooms/:id/conferences", func(c *gin.Context) {
		roomID := core.RoomID(c.Param("id"))
		c.JSON(http.StatusOK, gin.H{"conferences": orch.Conferences.ListForRoom(roomID)})
	})

	setupCanvasRoutes(api, orch, store)

	return r
}

type canvasUpload struct {
	Filename    string `json:"filename" binding:"required"`
	Content     string `json:"content" binding:"required"`
	SubmitterID string `json:"submitterId" binding:"required"`
	RoomID      string `json:"roomId"`
}

// setupCanvasRoutes wires the canvas blob side-channel. It shares the
// process with the relay but touches relay state only for the optional
// broadcast-on-update.
func setupCanvasRoutes(api *gin.RouterGroup, orch *app.Orchestrator, store *canvas.Store) {
	api.POST("/canvas/:id", func(c *gin.Context) {
		var req canvasUpload
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid canvas payload"})
			return
		}
		snap := canvas.Snapshot{
			CanvasID:    c.Param("id"),
			Filename:    req.Filename,
			Content:     req.Content,
			SubmitterID: req.SubmitterID,
		}
		if err := store.Save(c.Request.Context(), snap); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Str("canvas", snap.CanvasID).Msg("canvas save failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
			return
		}
		if req.RoomID != "" {
			orch.BroadcastRoom(core.RoomID(req.RoomID), protocol.SystemOut{
				Type:    protocol.TypeSystem,
				Content: "canvasUpdated:" + snap.CanvasID,
			})
		}
		c.JSON(http.StatusOK, gin.H{"canvasId": snap.CanvasID})
	})

	api.GET("/canvas/:id", func(c *gin.Context) {
		snap, err := store.Latest(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, canvas.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "canvas not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	api.GET("/canvas/:id/versions", func(c *gin.Context) {
		snap, err := store.Latest(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, canvas.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "canvas not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		versions, err := store.Versions(c.Request.Context(), snap.Filename)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "version lookup failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"filename": snap.Filename, "versions": versions})
	})
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/magdee/audio_go_server/config"
	"github.com/magdee/audio_go_server/internal/api/handler"
	"github.com/magdee/audio_go_server/internal/api/middleware"
)

type Router struct {
	bookHandler      *handler.BookHandler
	audioHandler     *handler.AudioHandler
	activityHandler  *handler.ActivityHandler
	websocketHandler *handler.WebSocketHandler
	cfg              *config.Config
}

func NewRouter(
	bookHandler *handler.BookHandler,
	audioHandler *handler.AudioHandler,
	activityHandler *handler.ActivityHandler,
	websocketHandler *handler.WebSocketHandler,
	cfg *config.Config,
) *Router {
	return &Router{
		bookHandler:      bookHandler,
		audioHandler:     audioHandler,
		activityHandler:  activityHandler,
		websocketHandler: websocketHandler,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1")
	{
		// WebSocket
		api.GET("/ws", r.websocketHandler.Handle)

		// 公开接口 - 状态查询和音频流（可选认证，带 token 做归属校验）
		public := api.Group("")
		public.Use(middleware.OptionalAuth(r.cfg.JWT.Secret))
		{
			public.GET("/books/:book_id/status", r.bookHandler.Status)
			public.GET("/audio/stream/:book_id", r.audioHandler.Stream)
			public.GET("/audio/:book_id/metadata", r.audioHandler.Metadata)
		}

		// 需要认证的接口
		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(r.cfg.JWT.Secret))
		{
			// 书籍
			books := authenticated.Group("/books")
			{
				books.POST("/upload/:user_id", r.bookHandler.Upload)
				books.GET("", r.bookHandler.List)
				books.DELETE("/:book_id", r.bookHandler.Delete)
			}

			// 音频
			authenticated.POST("/audio/:book_id/regenerate", r.audioHandler.Regenerate)

			// 活动日志
			authenticated.GET("/activity", r.activityHandler.List)
		}
	}

	return engine
}

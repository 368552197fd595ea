package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astroconnect/consult-service/internal/handler"
	"github.com/astroconnect/consult-service/pkg/constants"
)

// New builds the HTTP router.
func New(
	chat *handler.ChatHandler,
	walletH *handler.WalletHandler,
	chatWS *handler.ChatWSHandler,
	health *handler.HealthHandler,
) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(constants.PathHealth, health.Health)
	r.GET(constants.PathReady, health.Ready)
	r.GET(constants.PathMetrics, gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		chatGroup := api.Group("/chat")
		{
			chatGroup.POST("/create-room", chat.CreateRoom)
			chatGroup.POST("/accept", chat.Accept)
			chatGroup.POST("/reject", chat.Reject)
			chatGroup.POST("/end", chat.End)
			chatGroup.POST("/send", chat.Send)
			chatGroup.GET("/messages/:session_id", chat.GetMessages)
			chatGroup.GET("/sessions/:session_id", chat.GetSession)
			chatGroup.GET("/my-chats", chat.History)
		}
		walletGroup := api.Group("/wallet")
		{
			walletGroup.GET("/balance/:participant_id", walletH.Balance)
			walletGroup.POST("/topup", walletH.Topup)
		}
		astro := api.Group("/astrologers")
		{
			astro.GET("/:id/earnings", walletH.Earnings)
			astro.GET("/:id/settlements", walletH.Settlements)
			astro.PUT("/:id/status", walletH.SetAvailability)
		}
	}

	// WebSocket: /ws/chat/:role/:participant_id
	r.GET("/ws/chat/:role/:participant_id", chatWS.ServeWS)

	return r
}

package httpapi

import (
	"callsync/internal/backend"

	"github.com/gin-gonic/gin"
)

// Register wires the backend routes onto r. Everything but /healthz requires authMW.
func Register(r gin.IRouter, h Handlers, authMW gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)

	api := r.Group("", authMW)
	{
		api.POST(backend.PathCalls, h.CreateCall)
		api.GET(backend.PathIncoming, h.IncomingCall)
		api.GET(backend.PathCallsSummary, h.CallsSummary)
		api.GET(backend.PathCalls+"/:id", h.GetCall)
		api.POST(backend.PathCalls+"/:id/cancel", h.CancelCall)
		api.POST(backend.PathCalls+"/:id/answer", h.AnswerCall)

		api.POST(backend.PathPresence, h.ReportPresence)
		api.GET(backend.PathGlobalStatus, h.GlobalStatus)
		api.POST(backend.PathCleanup, h.Cleanup)
		api.GET(backend.PathRooms+"/:room/participants", h.RoomParticipants)

		api.POST(backend.PathBlocks, h.Block)
	}
}

package handlers

import (
	"ludo-match-system/middleware"
	"ludo-match-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupRoomRoutes(app *fiber.App, roomService *services.RoomService, claimService *services.ClaimService) {
	// 🔐 All room operations require the Gateway's user context.
	secured := app.Group("/", middleware.UserContextMiddleware())

	// Lobby & room views (polled by clients, ~5s interval)
	secured.Get("/rooms/open", roomService.GetOpenRooms)
	secured.Get("/rooms/mine", roomService.GetMyRooms)
	secured.Get("/rooms/:id", roomService.GetRoomByID)

	// Lifecycle
	secured.Post("/rooms", roomService.CreateRoom)
	secured.Post("/rooms/:id/join", roomService.JoinRoom)
	secured.Post("/rooms/:id/join-requests", roomService.HandleJoinRequest)
	secured.Put("/rooms/:id/code", roomService.SaveRoomCode)
	secured.Get("/rooms/:id/code", roomService.GetRoomCode)
	secured.Post("/rooms/:id/cancel", roomService.CancelRoom)
	secured.Post("/rooms/:id/cancel-request", roomService.RequestMutualCancellation)

	// Result claims
	secured.Post("/rooms/:id/claims", claimService.SubmitClaim)
	secured.Get("/rooms/:id/claims/mine", claimService.GetMyClaim)
}

package handlers

import (
	"ludo-match-system/middleware"
	"ludo-match-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupAdminRoutes(app *fiber.App, adminService *services.AdminService) {
	// 🔒 Admin-only: dispute resolution, overrides, audit views.
	admin := app.Group("/admin", middleware.UserContextMiddleware(), middleware.AdminOnlyMiddleware())

	admin.Get("/disputes", adminService.GetDisputes)
	admin.Post("/rooms/:id/resolve", adminService.ResolveDispute)
	admin.Post("/rooms/:id/cancel", adminService.CancelRoom)
	admin.Patch("/rooms/:id/status", adminService.UpdateRoomStatus)
	admin.Get("/rooms/:id/ledger", adminService.GetRoomLedger)
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ludo-match-system/handlers"
	"ludo-match-system/middleware"
	"ludo-match-system/models"
	"ludo-match-system/services"
	"ludo-match-system/utils"
	"ludo-match-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 20 * 1024 * 1024, // evidence screenshots only
	})

	// 🔐 GLOBAL: only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-User-ID, X-User-Roles, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitEvidenceStore(); err != nil {
		log.Fatal("failed to initialize evidence store:", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.MatchRoom{},
		&models.PlayerSlot{},
		&models.ResultClaim{},
		&models.LedgerInstruction{},
		&models.WalletMirror{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	ledger := services.NewWalletServiceClient()
	settlement := services.NewSettlementEngine(ledger)
	roomService := services.NewRoomService(db, ledger, settlement)
	claimService := services.NewClaimService(db, settlement)
	adminService := services.NewAdminService(db, settlement)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Balance mirror polling (read-side only; ledger stays authoritative)
	balanceSync := workers.NewBalanceSyncClient(db)
	go workers.PollBalances(ctx, balanceSync, 10*time.Second)

	supervisor := services.NewTimeoutSupervisor(db, settlement)
	supervisor.Start()
	defer supervisor.Stop()

	handlers.SetupRoomRoutes(app, roomService, claimService)
	handlers.SetupAdminRoutes(app, adminService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Match room service running on http://localhost:5300")
	log.Println("✅ Timeout supervisor running (deadline sweep every 5s)")
	log.Println("✅ Wallet balance polling running (every 10s)")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}

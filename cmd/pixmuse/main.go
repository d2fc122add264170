package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/pixmuse/PixMuse/app/models"
	"github.com/pixmuse/PixMuse/internal/pkg/cache"
	"github.com/pixmuse/PixMuse/internal/pkg/credits"
	"github.com/pixmuse/PixMuse/internal/pkg/database"
	"github.com/pixmuse/PixMuse/internal/pkg/entitlement"
	"github.com/pixmuse/PixMuse/internal/pkg/env"
	"github.com/pixmuse/PixMuse/internal/pkg/payments"
	"github.com/pixmuse/PixMuse/internal/pkg/plancatalog"
	"github.com/pixmuse/PixMuse/internal/pkg/reconcile"
	"github.com/pixmuse/PixMuse/internal/pkg/router"
	"github.com/pixmuse/PixMuse/internal/pkg/scheduler"
)

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()

	googleClient := payments.NewGooglePlayClientFromEnv()
	appleClient := payments.NewAppleClientFromEnv()
	stripeClient := payments.NewStripeClientFromEnv()
	verifier := payments.NewVerifier(googleClient, appleClient, stripeClient)

	planService := plancatalog.NewServiceFromDB(db, map[string]plancatalog.ProductLister{
		models.ProviderGooglePlay: googleClient,
		models.ProviderApple:      appleClient,
	}, cache.Store{})

	entitlementService := entitlement.NewServiceFromDB(db, verifier)
	creditService := credits.NewServiceFromDB(db)
	creditService.UseResetMarker(cache.Store{})
	reconciler := reconcile.NewReconcilerFromDB(db, entitlementService, map[string]reconcile.StateSource{
		models.PaymentMethodGooglePlay: reconcile.GoogleSource{Client: googleClient},
		models.PaymentMethodApple:      reconcile.AppleSource{Client: appleClient},
	})

	ctx := context.Background()
	if err := planService.EnsureDefaultPlans(ctx); err != nil {
		log.Fatalf("failed to seed default plans: %v", err)
	}

	manager := scheduler.NewManager(entitlementService, creditService, planService, reconciler)
	manager.Start()

	app := NewApplication()

	// graceful shutdown on SIGINT/SIGTERM
	shutdownDone := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		manager.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		close(shutdownDone)
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	if err := app.Listen(addr); err != nil {
		log.Fatal(err)
	}
	<-shutdownDone
}

func NewApplication() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "PixMuse Billing",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}

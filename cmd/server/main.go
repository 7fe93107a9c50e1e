package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"toolhub_api/internal/api"
	"toolhub_api/internal/app/service"
	"toolhub_api/internal/app/worker"
	"toolhub_api/internal/app/ws"
	"toolhub_api/internal/common/security"
	"toolhub_api/internal/domain/repository"
	"toolhub_api/internal/platform/config"
	"toolhub_api/internal/platform/database"
	"toolhub_api/internal/platform/queue"
	"toolhub_api/internal/platform/storage"
)

func main() {
	// 1. Load Configuration
	config.Load()
	fmt.Println("Configuration loaded.")

	// 2. Initialize JWT
	security.InitJWT()
	fmt.Println("JWT initialized.")

	// 3. Initialize Database
	database.Connect()
	defer database.Close()
	fmt.Println("Database connected.")

	// 4. Initialize Redis
	queue.ConnectRedis()
	defer queue.CloseRedis()
	fmt.Println("Redis connected.")

	// 5. Initialize Package Storage
	packageStore, err := storage.NewLocalFS(config.AppConfig.PackageRoot)
	if err != nil {
		log.Fatalf("Could not initialize package storage at %s: %v", config.AppConfig.PackageRoot, err)
	}
	fmt.Println("Package storage ready at", config.AppConfig.PackageRoot)

	// 6. Initialize Repositories
	userRepo := repository.NewPgUserRepository(database.DB)
	toolRepo := repository.NewPgToolRepository(database.DB)
	exportJobRepo := repository.NewPgExportJobRepository(database.DB)

	// 7. Initialize Services
	authService := service.NewAuthService(userRepo)
	toolService := service.NewToolService(toolRepo)
	preflightService := service.NewPreflightService(toolRepo)
	enqueuer := queue.NewRedisEnqueuer(queue.RDB, config.AppConfig.ExportQueueName)
	exportService := service.NewExportService(exportJobRepo, toolRepo, preflightService, enqueuer, packageStore)
	deliveryService := service.NewDeliveryService(exportJobRepo, toolRepo, exportService, packageStore)

	// 8. Initialize Progress Hub & Workers
	hub := ws.NewHub()
	hub.Start()

	packageTTL := time.Duration(config.AppConfig.PackageTTLHours) * time.Hour
	exportWorker := worker.NewExportWorker(queue.RDB, exportJobRepo, toolRepo, packageStore, packageTTL)
	exportWorker.SetNotifier(hub.BroadcastJobUpdate)

	cleanupWorker := worker.NewCleanupWorker(exportJobRepo, packageStore, config.AppConfig.RetentionDays)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go exportWorker.Start(workerCtx)
	fmt.Println("Export worker started.")

	if config.AppConfig.CleanupTimerEnabled {
		interval := time.Duration(config.AppConfig.CleanupIntervalHours) * time.Hour
		go cleanupWorker.StartTimer(workerCtx, interval)
		fmt.Println("Cleanup worker started with interval", interval)
	}

	// 9. Initialize Router & HTTP Server
	router := api.NewRouter(authService, toolService, preflightService, exportService, deliveryService, cleanupWorker, hub, queue.RDB)

	server := &http.Server{
		Addr:        ":" + config.AppConfig.APIPort,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: package downloads on slow links can outlast any
		// reasonable fixed deadline.
		IdleTimeout: 120 * time.Second,
	}

	// 10. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on port %s", config.AppConfig.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", config.AppConfig.APIPort, err)
		}
	}()
	log.Println("Server started successfully.")

	<-stop // Wait for interrupt signal

	log.Println("Shutting down server...")
	workerCancel() // Signal workers to stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	log.Println("Server and workers stopped gracefully.")
}

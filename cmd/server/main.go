package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/crm-sync/internal/api"
	"github.com/ignite/crm-sync/internal/config"
	"github.com/ignite/crm-sync/internal/crm"
	"github.com/ignite/crm-sync/internal/pkg/distlock"
	"github.com/ignite/crm-sync/internal/pkg/logger"
	"github.com/ignite/crm-sync/internal/repository/postgres"
	"github.com/ignite/crm-sync/internal/storage"
	syncer "github.com/ignite/crm-sync/internal/sync"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat("config/config.yaml"); err == nil {
			configPath = "config/config.yaml"
		}
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	if cfg.CRM.BaseURL == "" {
		log.Fatal("CRM_BASE_URL is required")
	}
	client := crm.NewClient(crm.Config{
		BaseURL:        cfg.CRM.BaseURL,
		TokenURL:       cfg.CRM.TokenURL,
		ClientID:       cfg.CRM.ClientID,
		ClientSecret:   cfg.CRM.ClientSecret,
		RefreshToken:   cfg.CRM.RefreshToken,
		TimeoutSeconds: cfg.CRM.TimeoutSeconds,
	})

	handlers := api.NewHandlers(cfg, client)

	// Run log is optional: without DATABASE_URL runs are tracked only
	// in Redis progress.
	runLog, err := postgres.Open(cfg.Database.URL)
	if err != nil {
		log.Printf("Warning: run log unavailable: %v", err)
	} else if runLog != nil {
		handlers.SetRunLog(runLog)
		log.Println("[server] run log connected")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: redis unavailable, progress tracking disabled: %v", err)
		} else {
			redisClient = client
			handlers.SetProgressTracker(syncer.NewProgressTracker(redisClient))
			log.Printf("[server] progress tracking via redis at %s", cfg.Redis.Addr)
		}
		cancel()
	}

	// One run at a time across all hosts: Redis lock when available,
	// PG advisory lock as fallback, no locking with neither backend.
	if redisClient != nil || runLog.DB() != nil {
		handlers.SetRunLockFactory(func() distlock.DistLock {
			return distlock.NewLock(redisClient, runLog.DB(), "crm-sync-run", 30*time.Minute)
		})
	}

	if cfg.Input.S3Bucket != "" {
		source, err := storage.NewS3Source(context.Background(), storage.S3SourceConfig{
			Bucket: cfg.Input.S3Bucket,
			Prefix: cfg.Input.S3Prefix,
			Region: cfg.Input.S3Region,
		})
		if err != nil {
			log.Printf("Warning: S3 input source unavailable: %v", err)
		} else {
			handlers.SetS3Source(source)
		}
	}

	server := api.NewServer(cfg.Server, handlers)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	go func() {
		log.Printf("[server] listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/crm-sync/internal/config"
	"github.com/ignite/crm-sync/internal/crm"
	"github.com/ignite/crm-sync/internal/pkg/logger"
	"github.com/ignite/crm-sync/internal/repository/postgres"
	"github.com/ignite/crm-sync/internal/storage"
	syncer "github.com/ignite/crm-sync/internal/sync"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml (optional, env vars override)")
		filePath   = flag.String("file", "", "local CSV export to sync")
		s3Key      = flag.String("s3-key", "", "S3 export key to sync")
		latest     = flag.Bool("latest", false, "sync the newest CSV export in the configured bucket")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	if cfg.CRM.BaseURL == "" {
		log.Fatal("CRM_BASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input, source, err := openInput(ctx, cfg, *filePath, *s3Key, *latest)
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}
	defer input.Close()

	client := crm.NewClient(crm.Config{
		BaseURL:        cfg.CRM.BaseURL,
		TokenURL:       cfg.CRM.TokenURL,
		ClientID:       cfg.CRM.ClientID,
		ClientSecret:   cfg.CRM.ClientSecret,
		RefreshToken:   cfg.CRM.RefreshToken,
		TimeoutSeconds: cfg.CRM.TimeoutSeconds,
	})

	opts := syncer.Options{
		BatchSize:       cfg.Sync.BatchSize,
		PoolSize:        cfg.Sync.PoolSize,
		LookupChunkSize: cfg.Sync.LookupChunkSize,
		LookupPause:     cfg.Sync.LookupPause(),
		WaveCooldown:    cfg.Sync.WaveCooldown(),
	}

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err == nil {
			opts.Progress = syncer.NewProgressTracker(redisClient)
		}
	}

	exec := syncer.NewExecutor(client, opts)

	runLog, err := postgres.Open(cfg.Database.URL)
	if err != nil {
		log.Printf("Warning: run log unavailable: %v", err)
	}
	if err := runLog.Start(ctx, exec.RunID(), source); err != nil {
		log.Printf("Warning: run log start failed: %v", err)
	}

	summary, err := exec.SyncCSV(ctx, input)
	if err != nil {
		if logErr := runLog.Finish(ctx, exec.RunID(), "failed", nil); logErr != nil {
			log.Printf("Warning: run log finish failed: %v", logErr)
		}
		log.Fatalf("Sync failed: %v", err)
	}
	if err := runLog.Finish(ctx, exec.RunID(), "completed", summary); err != nil {
		log.Printf("Warning: run log finish failed: %v", err)
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
}

func openInput(ctx context.Context, cfg *config.Config, filePath, s3Key string, latest bool) (io.ReadCloser, string, error) {
	switch {
	case filePath != "":
		f, err := os.Open(filePath)
		if err != nil {
			return nil, "", err
		}
		return f, "file:" + filePath, nil
	case s3Key != "" || latest:
		if cfg.Input.S3Bucket == "" {
			return nil, "", fmt.Errorf("INPUT_S3_BUCKET is required for S3 input")
		}
		source, err := storage.NewS3Source(ctx, storage.S3SourceConfig{
			Bucket: cfg.Input.S3Bucket,
			Prefix: cfg.Input.S3Prefix,
			Region: cfg.Input.S3Region,
		})
		if err != nil {
			return nil, "", err
		}
		key := s3Key
		if key == "" {
			key, err = source.Latest(ctx)
			if err != nil {
				return nil, "", err
			}
			log.Printf("[sync] latest export: %s", key)
		}
		rc, err := source.Open(ctx, key)
		if err != nil {
			return nil, "", err
		}
		return rc, "s3:" + key, nil
	case cfg.Input.LocalPath != "":
		f, err := os.Open(cfg.Input.LocalPath)
		if err != nil {
			return nil, "", err
		}
		return f, "file:" + cfg.Input.LocalPath, nil
	default:
		return nil, "", fmt.Errorf("no input: pass -file, -s3-key, or -latest")
	}
}

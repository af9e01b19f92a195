package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"

	"taskboard/internal/config"
	"taskboard/internal/logging"
	"taskboard/storage"
)

func main() {
	// auth settings are not used here
	if _, ok := os.LookupEnv("AUTH_MODE"); !ok {
		os.Setenv("AUTH_MODE", "none")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, logClose, err := logging.New(cfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logClose.Close()
	if cfg.ConnectionString == "" {
		logger.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	logger.Info("storage init starting")

	ctx := context.Background()
	if err := storage.CreateTables(ctx, cfg.ConnectionString, storage.TableNames{
		Tasks:   cfg.TasksTable,
		Titles:  cfg.TitlesTable,
		Actions: cfg.ActionsTable,
		Users:   cfg.UsersTable,
	}); err != nil {
		logger.Fatalf("create tables: %v", err)
	}
	if err := storage.CreateQueues(ctx, cfg.ConnectionString, cfg.ActionsQueue); err != nil {
		logger.Fatalf("create queues: %v", err)
	}

	logger.Info("storage init complete")
}

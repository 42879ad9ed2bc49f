package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"board-api/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("load .env: %v", err)
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	err := storage.Provision(context.Background(), connStr,
		[]string{os.Getenv("RECORDS_TABLE")},
		[]string{os.Getenv("BOARD_EVENTS_QUEUE")},
	)
	if err != nil {
		log.Fatalf("provision: %v", err)
	}
	log.Info("storage init complete")
}

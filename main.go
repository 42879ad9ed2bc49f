package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-api/api"
	"board-api/domain"
	"board-api/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("load .env: %v", err)
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	recordsTableName := os.Getenv("RECORDS_TABLE")
	eventsQueueName := os.Getenv("BOARD_EVENTS_QUEUE")
	if connStr == "" || recordsTableName == "" {
		log.Fatal("missing storage config")
	}
	tableStore, err := storage.New(connStr, recordsTableName, eventsQueueName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(parseRedisOptions(redisConn))

	cacheTTL := durationEnv("BOARD_CACHE_TTL", time.Hour)
	dedupeTTL := durationEnv("DEDUPER_TTL", 24*time.Hour)
	channel := os.Getenv("BOARD_UPDATES_CHANNEL")
	if channel == "" {
		channel = "board-updates"
	}

	logger := log.New()
	logger.SetLevel(log.GetLevel())

	store := storage.NewCache(tableStore, rc, cacheTTL)
	updates := api.NewRedisUpdates(rc, channel)
	boards, err := api.NewBoards(store, domain.UUIDGenerator{}, updates, logger, api.BoardsConfigFromEnv())
	if err != nil {
		log.Fatalf("boards: %v", err)
	}
	deduper := api.NewRedisDeduper(rc, dedupeTTL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go updates.Listen(ctx, boards, logger)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "Idempotency-Key"},
		ExposeHeaders: []string{"Idempotent-Replayed"},
	}))
	api.Register(e, boards, deduper, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	boards.Close()
	_ = rc.Close()
}

// parseRedisOptions accepts a redis:// URL or the Azure form
// "host:port,password=...,ssl=true".
func parseRedisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func durationEnv(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %v", name, v)
	}
	return d
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"edulms/chatcore/internal/config"
	"edulms/chatcore/internal/stubserver"
	"edulms/chatcore/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: no .env file loaded")
	}

	cfg, err := config.LoadStub()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	var store stubserver.Store = stubserver.NewMemoryStore()
	if cfg.DBDSN != "" {
		gs, err := stubserver.NewGormStore(cfg.DBDSN)
		if err != nil {
			log.Fatal("failed to open database", zap.Error(err))
		}
		store = gs
		log.Info("using postgres store")
	}

	ctx := context.Background()
	var presence stubserver.Presence = stubserver.NewMemoryPresence()
	if cfg.RedisAddr != "" {
		rp, err := stubserver.NewRedisPresence(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatal("failed to connect redis", zap.Error(err))
		}
		presence = rp
		log.Info("using redis presence store", zap.String("addr", cfg.RedisAddr))
	}

	srv := stubserver.New(store, presence, cfg.JWTSecret, log)
	srv.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := &http.Server{
		Addr:           addr,
		Handler:        srv.Handler(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	log.Info("stub chat backend listening", zap.String("addr", addr))
	if err := httpSrv.ListenAndServe(); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

// Command server runs the protocol-translation proxy: OpenAI and Claude
// clients in, a Gemini-style generateContent backend out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/geminibridge/geminibridge/internal/api"
	"github.com/geminibridge/geminibridge/internal/api/handlers"
	geminiauth "github.com/geminibridge/geminibridge/internal/auth/gemini"
	"github.com/geminibridge/geminibridge/internal/cache"
	"github.com/geminibridge/geminibridge/internal/config"
	"github.com/geminibridge/geminibridge/internal/grounding"
	"github.com/geminibridge/geminibridge/internal/logging"
	"github.com/geminibridge/geminibridge/internal/registry"
	"github.com/geminibridge/geminibridge/internal/runtime/executor"
	"github.com/geminibridge/geminibridge/internal/watcher"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to the configuration file")
		maxConns   = flag.Int("max-conns", 0, "maximum concurrent client connections (0 = unlimited)")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("could not load .env: %v", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config %s: %v", *configPath, err)
	}

	logging.Setup(cfg.Debug, cfg.LoggingToFile, "logs")
	if cfg.Debug {
		logging.SetVerboseEnabled(true)
	}

	pool := geminiauth.NewPool()
	if cfg.AuthDir != "" {
		if err = pool.LoadFromDir(cfg.AuthDir); err != nil {
			log.Warnf("load credentials from %s: %v", cfg.AuthDir, err)
		}
	}
	if pool.EnabledCount() == 0 {
		log.Warn("no enabled credentials; requests will fail until accounts are added")
	}

	base := handlers.NewBaseAPIHandler(
		cfg,
		pool,
		executor.NewGeminiExecutor(cfg, pool),
		cache.NewSignatureCache(),
		registry.NewToolNameRegistry(),
		grounding.NewResolver(cache.NewRedirectCache(), nil),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := watcher.New(*configPath, cfg.AuthDir, pool, func(next *config.Config) {
		base.SwapConfig(next)
	})
	if err = w.Start(ctx); err != nil {
		log.Warnf("file watcher unavailable: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}
	if *maxConns > 0 {
		listener = netutil.LimitListener(listener, *maxConns)
	}

	server := &http.Server{Handler: api.NewRouter(base)}
	go func() {
		log.Infof("listening on %s (%d credential(s) enabled)", addr, pool.EnabledCount())
		if errServe := server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Fatalf("serve: %v", errServe)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}

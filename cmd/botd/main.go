package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tallybot.org/internal/auth"
	"tallybot.org/internal/cache"
	"tallybot.org/internal/config"
	"tallybot.org/internal/engine"
	"tallybot.org/internal/history"
	"tallybot.org/internal/httpapi"
	"tallybot.org/internal/ledger"
	"tallybot.org/internal/obs"
)

var version = "1.3.0"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("TALLY_COMMIT"))

	mirror, err := cache.New(cfg.CacheDir())
	if err != nil {
		log.Fatalf("open cache dir: %v", err)
	}
	hist, err := history.New(cfg.HistoryDir())
	if err != nil {
		log.Fatalf("open history dir: %v", err)
	}

	registry := ledger.NewRegistry(mirror)
	if err := registry.LoadAll(); err != nil {
		log.Fatalf("restore ledgers: %v", err)
	}

	var roles auth.RoleSource
	switch {
	case cfg.RoleOracleURL != "":
		roles = auth.NewHTTPRoleSource(cfg.RoleOracleURL, cfg.OracleTimeout)
	case cfg.AllowAllRoles:
		log.Printf("TALLY_ALLOW_ALL=1: every user is treated as an administrator")
		roles = auth.StaticSource(auth.RoleAdministrator)
	}
	guard := auth.NewGuard(roles, cfg.OracleTimeout, cfg.OracleLookupsPerS, cfg.OracleBurst)

	eng := engine.New(registry, hist, guard)
	api := httpapi.New(httpapi.ReadyProbe{DataDir: cfg.DataDir}, version, eng)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tallybot %s on %s (data dir %s)", version, srv.Addr, cfg.DataDir)
	if !auth.TokensConfigured() {
		log.Printf("TALLY_AUTH_SECRET is not set; API runs without token auth")
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/multisourcesearch/mss/internal/cloud"
	"github.com/multisourcesearch/mss/internal/crypto"
	"github.com/multisourcesearch/mss/internal/drives"
	"github.com/multisourcesearch/mss/internal/logx"
	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/server"
	"github.com/multisourcesearch/mss/internal/server/db"
	"github.com/multisourcesearch/mss/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or MSS_LOG_LEVEL)")
	configPath := flag.String("config", "", "Path to a TOML config file (or MSS_CONFIG)")
	flag.BoolVar(showVersion, "v", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("mss-server"))
		fmt.Fprintf(os.Stderr, "mss-server stores photo metadata and keeps users' cloud drive links fresh.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  MSS_ENCRYPTION_KEY      Secret the token cipher key is derived from (required)\n")
		fmt.Fprintf(os.Stderr, "  MSS_SESSION_SECRET      HMAC secret for session tokens and OAuth state (min 16 chars, required)\n")
		fmt.Fprintf(os.Stderr, "  MSS_DB_PATH             SQLite database path (default: mss.db)\n")
		fmt.Fprintf(os.Stderr, "  MSS_LISTEN_ADDR         Listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  MSS_BASE_URL            Public base URL for OAuth callbacks\n")
		fmt.Fprintf(os.Stderr, "  MSS_FRONTEND_URL        Dashboard URL the OAuth callback redirects to\n")
		fmt.Fprintf(os.Stderr, "  MSS_PROVIDER_TIMEOUT    Timeout for provider token requests (default: %s)\n", provider.DefaultTimeout)
		fmt.Fprintf(os.Stderr, "  MSS_KEEP_LINKS_ON_NETWORK_ERROR  Keep drive links when a refresh fails on the network (default: false)\n")
		fmt.Fprintf(os.Stderr, "  {GOOGLE,ONEDRIVE,DROPBOX}_CLIENT_ID / _CLIENT_SECRET / _REDIRECT_URI\n")
		fmt.Fprintf(os.Stderr, "  MSS_LOG_LEVEL           Log level: debug|info|warn|error (default: info)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("mss-server"))
		os.Exit(0)
	}

	if err := logx.Configure(*logLevel, *verbose); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("token cipher: %v", err)
	}

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	registry := provider.NewRegistry(cfg.ProviderCredentials(), provider.WithTimeout(cfg.ProviderTimeout))
	refresher := drives.NewRefresher(store, drives.FromRegistry(registry), cipher,
		drives.WithLogger(logx.Logger()),
		drives.WithPolicy(cfg.FailurePolicy()),
	)
	gw := drives.NewGateway(refresher, cloud.ForProviders(cloud.Options{Logger: logx.Logger()}))

	r := server.NewRouter(cfg, server.Deps{
		Store:    store,
		Cipher:   cipher,
		Registry: registry,
		Gateway:  gw,
	})
	logx.Infof("server config: providers=%v base_url=%s keep_on_network_error=%v",
		registry.Configured(), cfg.BaseURL, cfg.KeepLinksOnNetworkError)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("mss-server listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case <-ctx.Done():
		logx.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Errorf("shutdown: %v", err)
		}
	}
}

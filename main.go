package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/NamanBalaji/sharebridge/internal/account"
	"github.com/NamanBalaji/sharebridge/internal/api"
	"github.com/NamanBalaji/sharebridge/internal/config"
	"github.com/NamanBalaji/sharebridge/internal/engine"
	"github.com/NamanBalaji/sharebridge/internal/logger"
	"github.com/NamanBalaji/sharebridge/internal/repository"
	"github.com/NamanBalaji/sharebridge/internal/resolver"
	"github.com/NamanBalaji/sharebridge/internal/search"
	httpPkg "github.com/NamanBalaji/sharebridge/pkg/http"
)

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	configPath := flag.String("config", config.Path(), "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v\n", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v\n", err)
	}

	err = os.MkdirAll(cfg.DataDir, 0o755)
	if err != nil {
		log.Fatalf("Error creating data directory: %v\n", err)
	}

	err = logger.InitLogging(*debug, filepath.Join(cfg.DataDir, "sharebridge.log"))
	if err != nil {
		log.Fatalf("Warning: Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	if cfg.Resolver.Endpoint == "" {
		log.Fatalf("Error: resolver.endpoint is not configured\n")
	}

	repo, err := repository.NewBboltRepository(filepath.Join(cfg.DataDir, "sharebridge.db"))
	if err != nil {
		log.Fatalf("Error creating repository: %v\n", err)
	}

	defer func() {
		if err := repo.Close(); err != nil {
			log.Printf("Error closing repository: %v\n", err)
		}
	}()

	pool := account.NewPool(cfg.Download.PerAccountConcurrency, repo)

	err = seedAccounts(pool, repo, cfg.Accounts)
	if err != nil {
		log.Fatalf("Error loading accounts: %v\n", err)
	}

	res := resolver.WithProbe(
		resolver.NewHTTPResolver(cfg.Resolver.Endpoint, cfg.Resolver.Token, cfg.Resolver.Timeout),
		httpPkg.NewClient(),
	)

	var provider search.Provider = search.Disabled{}
	if cfg.Search.Endpoint != "" {
		provider = search.NewHTTPProvider(cfg.Search.Endpoint, cfg.Search.Token, cfg.Search.Timeout)
	} else {
		logger.Warnf("No search endpoint configured, indexer searches return no results")
	}

	eng, err := engine.New(engine.FromConfig(cfg), repo, pool, res)
	if err != nil {
		log.Fatalf("Error creating engine: %v\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = eng.Start(ctx)
	if err != nil {
		log.Fatalf("Error starting engine: %v\n", err)
	}

	if cfg.APIKey == "" {
		logger.Warnf("No apiKey configured, the API accepts every request")
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(eng, provider, cfg.APIKey).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Listening on %s", cfg.Listen)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server error: %v", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Infof("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// open event streams only end when the engine closes the bus
	go func() {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("HTTP server shutdown: %v", err)
		}
	}()

	err = eng.Shutdown()
	if err != nil {
		logger.Errorf("Error during engine shutdown: %v", err)
	}

	logger.Infof("Shutdown complete.")
}

// seedAccounts loads persisted accounts and merges the configured ones.
// Persisted usage survives a restart; credentials and quota come from the
// config when it names the account. A configured account that was taken out
// of service returns to it, since its credentials or quota window may have
// changed while the process was down.
func seedAccounts(pool *account.Pool, repo *repository.BboltRepository, configured []config.AccountConfig) error {
	stored, err := repo.FindAllAccounts()
	if err != nil {
		return err
	}

	byID := make(map[string]*account.Account, len(stored))
	for _, a := range stored {
		byID[a.ID] = a
	}

	named := make(map[string]bool, len(configured))

	for _, c := range configured {
		named[c.Name] = true

		a, ok := byID[c.Name]
		if !ok {
			a = &account.Account{ID: c.Name, Name: c.Name}
			byID[c.Name] = a
			stored = append(stored, a)
		}

		a.Credentials = account.Credentials{Username: c.Username, Password: c.Password, Cookie: c.Cookie}

		if c.TrafficTotal > 0 {
			a.TrafficTotal = int64(c.TrafficTotal)
		}
	}

	for _, a := range stored {
		if err := pool.Add(a); err != nil {
			return err
		}

		if named[a.ID] && a.Status != account.Active {
			if err := pool.Revalidate(a.ID, -1, -1); err != nil {
				return err
			}

			logger.Infof("Account %s was %s (%s), back in service", a.ID, a.Status, a.Reason)

			continue
		}

		logger.Infof("Account %s loaded (%s)", a.ID, a.Status)
	}

	return nil
}

// Command copycore is the entrypoint: it loads configuration, wires the
// adapter factory registry, the connection registry, the replication and
// reconciliation engines, then hands off to either the CLI subcommand
// router or (when COPYCORE_STATUS_ADDR is set) the background status
// HTTP server plus the reconciliation loop, exiting on SIGINT/SIGTERM.
//
// Grounded on this repo's own main.go wiring order (config -> core
// services -> background loops -> signal-driven shutdown) adapted from a
// single-process trading engine to the leader/follower copy-trading
// domain.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"copycore/internal/adapter"
	"copycore/internal/adapter/binancefutures"
	"copycore/internal/adapter/binancesdk"
	"copycore/internal/appconfig"
	"copycore/internal/cli"
	"copycore/internal/connregistry"
	"copycore/internal/credstore"
	"copycore/internal/locale"
	"copycore/internal/model"
	"copycore/internal/reconciliation"
	"copycore/internal/replication"
	"copycore/internal/statusapi"
	"copycore/pkg/crypto"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := appconfig.Load()
	if err != nil {
		log.Fatalf("❌ failed to load config: %v", err)
	}
	locale.SetLanguage(locale.Language(cfg.Language))
	log.Println(locale.M().EngineStarting)
	log.Printf(locale.M().ConfigLoaded, cfg.Port)

	keyMgr, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("❌ failed to init key manager: %v", err)
	}
	store := credstore.New(cfg.CredentialStorePath, keyMgr)

	factories := adapter.NewFactoryRegistry()
	factories.Register("binance", binancefutures.Factory(cfg.LeaderTestnet))
	factories.Register("binance-sdk", binancesdk.Factory(cfg.LeaderTestnet))

	registry := connregistry.New(factories)
	if cfg.LeaderAPIKey != "" && cfg.LeaderAPISecret != "" {
		registry.SetLeader(model.Account{
			UserID:     model.LeaderUserID,
			ExchangeID: cfg.LeaderExchangeID,
			APIKey:     cfg.LeaderAPIKey,
			APISecret:  cfg.LeaderAPISecret,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer registry.CloseAll(context.Background())

	replicator := replication.New(registry, store)

	reconciler := reconciliation.New(registry, store, cfg.ReconciliationInterval)

	if addr := os.Getenv("COPYCORE_STATUS_ADDR"); addr != "" {
		reconciler.Start(ctx)

		snapshot := statusapi.BuildSnapshot(registry, func() []model.Account {
			followers, err := store.LoadCopyEnabled()
			if err != nil {
				log.Printf("❌ status: load followers: %v", err)
				return nil
			}
			return followers
		})
		server := statusapi.NewServer(registry, snapshot, os.Getenv("COPYCORE_STATUS_JWT_SECRET"))
		go func() {
			if err := server.Start(addr); err != nil {
				log.Fatalf("❌ status API error: %v", err)
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Println("🔄 shutting down gracefully...")
		return
	}

	code := cli.Run(ctx, cli.Deps{Registry: registry, Store: store, Replicator: replicator}, os.Args[1:])
	os.Exit(code)
}

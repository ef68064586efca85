// Package main boots the enclave host: configuration, the enclave runtime,
// the four subsystems and the dispatcher, exposed through a single envelope
// ingress plus health and metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/r3e-network/neo-service-layer-sub002/internal/audit"
	"github.com/r3e-network/neo-service-layer-sub002/internal/chain"
	"github.com/r3e-network/neo-service-layer-sub002/internal/config"
	"github.com/r3e-network/neo-service-layer-sub002/internal/events"
	"github.com/r3e-network/neo-service-layer-sub002/internal/metrics"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage/memory"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage/postgres"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage/rediskv"
	"github.com/r3e-network/neo-service-layer-sub002/pkg/logger"
	"github.com/r3e-network/neo-service-layer-sub002/tee/custodian"
	"github.com/r3e-network/neo-service-layer-sub002/tee/dispatch"
	"github.com/r3e-network/neo-service-layer-sub002/tee/enclave"
	"github.com/r3e-network/neo-service-layer-sub002/tee/functions"
	"github.com/r3e-network/neo-service-layer-sub002/tee/pricefeed"
	"github.com/r3e-network/neo-service-layer-sub002/tee/vault"
)

const rotationSweepInterval = time.Hour

func main() {
	// A missing .env is fine; the environment may be fully provisioned.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Name:   "enclave-host",
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("enclave host exited")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := audit.New(os.Stdout)

	// Enclave runtime.
	runtime, err := enclave.New(enclave.Config{
		Mode:           enclave.Mode(cfg.Enclave.Mode),
		EnclaveID:      cfg.Enclave.ID,
		SealingKeyPath: cfg.Enclave.SealingKeyPath,
	})
	if err != nil {
		return fmt.Errorf("create enclave runtime: %w", err)
	}
	if err := runtime.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize enclave runtime: %w", err)
	}
	defer func() {
		if err := runtime.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("enclave shutdown")
		}
	}()

	// Storage collaborators. Postgres and Redis are optional; the memory
	// store covers simulation deployments and anything not configured.
	memStore := memory.New()
	var secretStore storage.SecretStore = memStore
	var walletStore storage.WalletStore = memStore
	if cfg.Postgres.DSN != "" {
		pg, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		secretStore, walletStore = pg, pg
		log.Info("using postgres storage")
	}

	var kv storage.KVStore = memStore
	if cfg.Redis.Addr != "" {
		rds, err := rediskv.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		defer rds.Close()
		kv = rds
		log.Info("using redis function storage")
	}

	// Chain collaborators, enabled when a node is configured.
	var (
		chainClient *chain.Client
		builder     *chain.TxBuilder
		oracle      *chain.OracleContract
	)
	if cfg.Chain.RPCURL != "" {
		chainClient, err = chain.NewClient(chain.Config{
			RPCURL:       cfg.Chain.RPCURL,
			NetworkMagic: cfg.Chain.NetworkMagic,
			Timeout:      cfg.Chain.Timeout,
		})
		if err != nil {
			return fmt.Errorf("create chain client: %w", err)
		}
		builder = chain.NewTxBuilder(chainClient, cfg.Chain.NetworkMagic)
		if cfg.Chain.OracleContract != "" {
			oracle, err = chain.NewOracleContract(builder, cfg.Chain.OracleContract)
			if err != nil {
				return fmt.Errorf("create oracle contract: %w", err)
			}
		}
	}

	// Key custodian.
	cust, err := custodian.New(custodian.Config{
		Store:                 walletStore,
		Client:                chainClient,
		Builder:               builder,
		ServiceWalletWIF:      cfg.ServiceWallet.WIF,
		ServiceWalletPassword: cfg.ServiceWallet.Password,
		Audit:                 sink,
		Logger:                logger.NewDefault("custodian"),
	})
	if err != nil {
		return fmt.Errorf("create custodian: %w", err)
	}
	if err := cust.EnsureServiceWallet(ctx); err != nil {
		return fmt.Errorf("provision service wallet: %w", err)
	}

	// Secret vault.
	vlt, err := vault.New(vault.Config{
		Runtime:      runtime,
		Store:        secretStore,
		MasterKeyHex: cfg.Vault.MasterKeyHex,
		Audit:        sink,
		Logger:       logger.NewDefault("vault"),
	})
	if err != nil {
		return fmt.Errorf("create vault: %w", err)
	}

	// Event monitor and function engine. The trigger callback closes the
	// engine/monitor construction cycle.
	monitor := events.NewMonitor(events.Config{
		WSURL:  cfg.Chain.WSURL,
		Logger: logger.NewDefault("events"),
	})
	engine, err := functions.NewEngine(functions.Config{
		Runtime: functions.NewGojaRuntime(vlt, logger.NewDefault("functions.runtime")),
		KV:      kv,
		Events:  monitor,
		Logger:  logger.NewDefault("functions"),
	})
	if err != nil {
		return fmt.Errorf("create function engine: %w", err)
	}
	monitor.SetTrigger(func(ctx context.Context, functionID string, event events.Event) {
		if _, err := engine.ExecuteForEvent(ctx, functionID, event); err != nil {
			log.WithError(err).WithField("function_id", functionID).Warn("event-triggered execution failed")
		}
	})
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("start event monitor: %w", err)
	}
	defer monitor.Stop()

	// Price feed.
	var sources []pricefeed.Source
	if cfg.PriceFeed.SourcesFile != "" {
		sources, err = pricefeed.LoadSources(cfg.PriceFeed.SourcesFile)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load price sources: %w", err)
			}
			log.WithField("path", cfg.PriceFeed.SourcesFile).Warn("price sources file not found, starting without sources")
		}
	}
	feed, err := pricefeed.New(pricefeed.Config{
		Sources:      sources,
		Signer:       cust,
		Oracle:       oracle,
		FetchTimeout: cfg.PriceFeed.RequestTimeout,
		Audit:        sink,
		Logger:       logger.NewDefault("pricefeed"),
	})
	if err != nil {
		return fmt.Errorf("create price feed: %w", err)
	}

	// Dispatcher over every subsystem's operations.
	registry := dispatch.NewRegistry()
	engine.Register(registry)
	vlt.Register(registry)
	cust.Register(registry)
	feed.Register(registry)
	dispatcher := dispatch.New(registry, sink, logger.NewDefault("dispatch"))
	log.WithField("operations", len(registry.Operations())).Info("dispatcher ready")

	// Hourly sweep rotating secrets whose rotation period has lapsed.
	go func() {
		ticker := time.NewTicker(rotationSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := vlt.RotateDue(ctx); err != nil {
					log.WithError(err).Warn("rotation sweep failed")
				} else if n > 0 {
					log.WithField("rotated", n).Info("rotation sweep completed")
				}
			}
		}
	}()

	router := mux.NewRouter()
	router.Handle("/enclave/process", dispatch.HTTPHandler(dispatcher)).Methods(http.MethodPost)
	router.HandleFunc("/health", healthHandler(runtime)).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      metrics.InstrumentHandler(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(map[string]interface{}{
			"port": cfg.Server.Port,
			"mode": cfg.Enclave.Mode,
		}).Info("enclave host listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// healthHandler reports enclave health plus host process resource usage.
func healthHandler(runtime enclave.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":    "ok",
			"enclaveId": runtime.EnclaveID(),
			"mode":      string(runtime.Mode()),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		code := http.StatusOK

		if err := runtime.Health(r.Context()); err != nil {
			status["status"] = "degraded"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}

		if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
			if rss, err := proc.MemoryInfo(); err == nil && rss != nil {
				status["rssBytes"] = rss.RSS
			}
			if cpu, err := proc.CPUPercent(); err == nil {
				status["cpuPercent"] = cpu
			}
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			status["systemMemoryUsedPercent"] = vm.UsedPercent
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

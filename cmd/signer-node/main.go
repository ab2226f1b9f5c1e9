package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/opencustody/signer-node/api"
	"github.com/opencustody/signer-node/config"
	"github.com/opencustody/signer-node/dlq"
	"github.com/opencustody/signer-node/kv"
	"github.com/opencustody/signer-node/log"
	"github.com/opencustody/signer-node/planner"
	"github.com/opencustody/signer-node/queue"
	"github.com/opencustody/signer-node/secrets"
	"github.com/opencustody/signer-node/service"
	"github.com/opencustody/signer-node/storage"
	"github.com/opencustody/signer-node/worker"
)

// Services holds all the running services
type Services struct {
	Store   storage.Store
	KV      kv.Store
	Signers []*service.SignerService
	API     *api.API
}

func main() {
	// Load configuration
	cfg, v, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	log.Init(cfg.Log.Level, cfg.Log.Output)
	log.Infow("starting signer-node", "version", Version)

	// Validate configuration
	if err := validateConfig(cfg, v); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup services
	services, err := setupServices(ctx, cfg, v)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *Config, v *viper.Viper) (*Services, error) {
	services := &Services{}

	// Initialize the persistence layer
	if cfg.Mongo.URI != "" {
		log.Infow("connecting to mongodb", "database", cfg.Mongo.Database)
		store, err := storage.NewMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		services.Store = store
	} else {
		log.Warnw("no mongo uri configured, request state is in-memory only")
		services.Store = storage.NewMemory()
	}

	// Initialize the nonce and retry state store
	if cfg.Redis.Addr != "" {
		log.Infow("connecting to redis", "addr", cfg.Redis.Addr)
		kvStore, err := kv.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		services.KV = kvStore
	} else {
		log.Warnw("no redis address configured, nonce state is in-process only")
		services.KV = kv.NewMemoryStore()
	}

	// Start one signer service per configured (chain, network) pair
	for _, pair := range cfg.Chains {
		chain, network, err := parseChainPair(pair)
		if err != nil {
			return nil, err
		}
		settings := chainSettings(v, cfg, chain, network)

		ingress, err := newQueue(ctx, cfg.AWS.Region, settings.Ingress)
		if err != nil {
			return nil, fmt.Errorf("ingress queue for %s: %w", pair, err)
		}
		egress, err := newQueue(ctx, cfg.AWS.Region, settings.Egress)
		if err != nil {
			return nil, fmt.Errorf("egress queue for %s: %w", pair, err)
		}
		deadLetter, err := newQueue(ctx, cfg.AWS.Region, settings.DLQ)
		if err != nil {
			return nil, fmt.Errorf("dead-letter queue for %s: %w", pair, err)
		}

		keys, err := keySource(ctx, cfg, settings)
		if err != nil {
			return nil, fmt.Errorf("key source for %s: %w", pair, err)
		}

		svc := service.NewSigner(service.Options{
			Chain:      config.MustChain(chain, network),
			RPCs:       settings.RPCs,
			Ingress:    ingress,
			Egress:     egress,
			DeadLetter: deadLetter,
			Store:      services.Store,
			KV:         services.KV,
			Keys:       keys,
			Datadir:    cfg.Datadir,
			Worker: worker.Config{
				BatchEnabled:         cfg.Batch.Enabled,
				BatchSize:            cfg.Batch.Size,
				MinBatchSize:         cfg.Batch.MinSize,
				BatchThreshold:       cfg.Batch.Threshold,
				MinGasSavingsPercent: cfg.Batch.MinSavingsPercent,
				SingleTxGas:          cfg.Batch.SingleTxGas,
				BatchBaseGas:         cfg.Batch.BaseGas,
				BatchPerTxGas:        cfg.Batch.PerTxGas,
			},
			Planner: planner.Config{
				MulticallOverhead:    cfg.Gas.MulticallOverhead,
				BaseTransferGas:      cfg.Gas.BaseTransferGas,
				AdditionalGasPerCall: cfg.Gas.AdditionalPerCall,
				SafetyMargin:         cfg.Gas.SafetyMargin,
				TotalBuffer:          cfg.Gas.TotalBuffer,
				MaxBatchSize:         cfg.Gas.MaxBatchSize,
			},
			DLQPolicy:   dlq.Policy(cfg.DLQ.Policy),
			MaxRetries:  cfg.Retry.Max,
			GasPriceTTL: cfg.Gas.PriceCacheTTL,
			NonceTTL:    cfg.Nonce.TTL,
		})
		if err := svc.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start signer service for %s: %w", pair, err)
		}
		services.Signers = append(services.Signers, svc)
	}

	// Start the operational API
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	log.Infow("starting API service", "addr", addr)
	signers := services.Signers
	services.API = api.New(addr, func() []api.WorkerStatus {
		statuses := make([]api.WorkerStatus, 0, len(signers))
		for _, s := range signers {
			statuses = append(statuses, s.Status())
		}
		return statuses
	})
	go services.API.Start()

	return services, nil
}

// newQueue returns an SQS client for a URL, or an in-process queue when the
// URL is empty.
func newQueue(ctx context.Context, region, url string) (queue.Queue, error) {
	if url == "" {
		return queue.NewMemory(), nil
	}
	return queue.NewSQS(ctx, region, url)
}

// keySource builds the signing key source for one chain from the configured
// secrets backend.
func keySource(ctx context.Context, cfg *Config, settings ChainSettings) (secrets.Source, error) {
	switch cfg.Secrets.Source {
	case "static":
		return secrets.Static(settings.PrivKey), nil
	case "env":
		return secrets.Env(settings.EnvVar), nil
	case "aws":
		return secrets.NewAWSSecretsManager(ctx, cfg.AWS.Region, settings.SecretID, cfg.Secrets.JSONKey)
	default:
		return nil, fmt.Errorf("unknown secrets source %q", cfg.Secrets.Source)
	}
}

// shutdownServices gracefully stops all services
func shutdownServices(services *Services) {
	log.Info("shutting down services")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, s := range services.Signers {
		s.Stop()
	}
	if services.API != nil {
		if err := services.API.Shutdown(ctx); err != nil {
			log.Warnw("api shutdown failed", "error", err.Error())
		}
	}
	if services.Store != nil {
		if err := services.Store.Close(ctx); err != nil {
			log.Warnw("storage close failed", "error", err.Error())
		}
	}
	if services.KV != nil {
		if err := services.KV.Close(); err != nil {
			log.Warnw("kv store close failed", "error", err.Error())
		}
	}
	log.Info("shutdown complete")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	firebase "firebase.google.com/go/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/code-payments/flipchat-billing/billing"
	"github.com/code-payments/flipchat-billing/billing/googleplay"
	"github.com/code-payments/flipchat-billing/billing/memory"
	"github.com/code-payments/flipchat-billing/config"
	"github.com/code-payments/flipchat-billing/logger"
	"github.com/code-payments/flipchat-billing/metrics"
	"github.com/code-payments/flipchat-billing/notify"
	"github.com/code-payments/flipchat-billing/push"
)

const defaultMemoryPackage = "xyz.flipchat.billing"

func main() {
	configPath := flag.String("config", "billing.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to create logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Fatal("Billing server failed", zap.Error(err))
	}
}

func run(ctx context.Context, log *zap.Logger, cfg config.Config) error {
	registry := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(registry)
	if err != nil {
		return err
	}

	binding, err := newProviderBinding(log, cfg.Billing)
	if err != nil {
		return err
	}

	coordinator := billing.New(log, binding.factory, billing.WithObserver(collector))
	if err := coordinator.Init(ctx, binding.publicKey); err != nil {
		return err
	}
	defer coordinator.Destroy()

	coordinator.RegisterListener(billing.ListenerFunc(func(e billing.InventoryEvent) {
		if e.Err != nil || e.Result.Failed() {
			log.Info("Inventory refresh failed", zap.Stringer("result", e.Result), zap.Error(e.Err))
			return
		}
		log.Info("Inventory refreshed", zap.Strings("owned", e.Inventory.AllOwnedSKUs()))
	}))

	if len(cfg.Billing.ConsumeSKUs) > 0 {
		coordinator.RegisterListener(newAutoConsumer(log, coordinator, cfg.Billing.ConsumeSKUs))
	}

	if cfg.Push.CredentialsFile != "" {
		pusher, err := newInventoryPusher(ctx, log, cfg.Push)
		if err != nil {
			return err
		}
		coordinator.RegisterListener(pusher)
	}

	var client *redis.Client
	if cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
	}

	local := notify.NewLocal(coordinator, binding.tracker)

	var notifier notify.Notifier = local
	if client != nil {
		notifier = notify.NewRedisPublisher(client, cfg.Redis.Channel)
	}

	err = coordinator.StartSetup(func(result billing.Result) {
		if result.Failed() {
			return
		}
		if err := coordinator.QueryInventory(cfg.Billing.SKUs...); err != nil {
			log.Warn("Failed to query inventory", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	notify.NewHandler(log, notifier, coordinator, cfg.Billing.PackageName).Register(r)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(registry))

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if client != nil {
		source := notify.NewRedisSource(log, client, cfg.Redis.Channel, local)
		g.Go(func() error {
			return source.Run(ctx)
		})
	}

	return g.Wait()
}

type providerBinding struct {
	factory   billing.ProviderFactory
	publicKey string
	tracker   notify.Tracker
}

func newProviderBinding(log *zap.Logger, cfg config.BillingConfig) (*providerBinding, error) {
	switch cfg.Provider {
	case config.ProviderGooglePlay:
		var opts []option.ClientOption
		if cfg.ServiceAccountFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.ServiceAccountFile))
		}

		tokens := googleplay.NewTokens()
		return &providerBinding{
			factory: googleplay.NewFactory(log, googleplay.Config{
				PackageName: cfg.PackageName,
				CatalogTTL:  cfg.CatalogTTL,
			}, tokens, opts...),
			publicKey: cfg.PublicKey,
			tracker:   tokens,
		}, nil

	case config.ProviderMemory:
		_, priv, err := memory.GenerateKeyPair()
		if err != nil {
			return nil, err
		}

		packageName := cfg.PackageName
		if packageName == "" {
			packageName = defaultMemoryPackage
		}

		service := memory.NewService(packageName, priv)
		for _, product := range cfg.Products {
			if err := service.AddProduct(billing.ItemType(product.Type), product.JSON); err != nil {
				return nil, fmt.Errorf("invalid product in config: %w", err)
			}
		}

		if cfg.PublicKey != "" {
			log.Warn("Ignoring configured public key, the memory provider signs with its own key")
		}

		return &providerBinding{
			factory:   memory.NewFactory(log, service),
			publicKey: service.PublicKey(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown billing provider %q", cfg.Provider)
	}
}

func newInventoryPusher(ctx context.Context, log *zap.Logger, cfg config.PushConfig) (*push.InventoryPusher, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	store := push.NewMemory()
	for installID, token := range cfg.DeviceTokens {
		if err := store.AddToken(ctx, installID, token); err != nil {
			return nil, err
		}
	}

	return push.NewInventoryPusher(log, store, client), nil
}

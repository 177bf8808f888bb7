// Command paygated runs the payment-gated delivery daemon: an HTTP
// transport in front of the payment gate, with the configured payment
// rails and delivery executors wired in.
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
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	paygate "github.com/agentpay/paygate"
	"github.com/agentpay/paygate/config"
	"github.com/agentpay/paygate/deliver"
	"github.com/agentpay/paygate/gate"
	"github.com/agentpay/paygate/rails/fetdirect"
	"github.com/agentpay/paygate/rails/skyfire"
	"github.com/agentpay/paygate/rails/stripecheckout"
	"github.com/agentpay/paygate/session"
	"github.com/agentpay/paygate/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional, env-only works too)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "paygated:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newSessionStore(cfg.Session, log)
	if err != nil {
		return err
	}
	session.StartSweeper(ctx, store, cfg.Session.SweepInterval, func(dropped int) {
		if dropped > 0 {
			log.WithField("dropped", dropped).Info("swept expired sessions")
		}
	})

	registry, err := newRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	if len(registry.Supported()) == 0 {
		return errors.New("no payment rail is configured")
	}
	log.WithField("rails", registry.Supported()).Info("payment rails registered")

	executor, err := newExecutor(cfg.Delivery, log)
	if err != nil {
		return err
	}

	accepted, err := acceptedFunds(cfg, registry)
	if err != nil {
		return err
	}

	outbox := transport.NewWebhookOutbox(
		transport.FixedCallback(cfg.Outbox.CallbackURL), nil, log)

	g := gate.New(
		gate.Config{
			Recipient:       cfg.Gate.Recipient,
			DeadlineSeconds: cfg.Gate.DeadlineSeconds,
			RetryBudget:     cfg.Gate.RetryBudget,
			RequestMetadata: map[string]string{
				"provider_wallet": cfg.Gate.Recipient,
				"service_id":      cfg.Rails.Skyfire.ServiceID,
			},
		},
		store,
		registry,
		outbox,
		executor,
		gate.FixedPricer{Accepted: accepted, Description: cfg.Gate.Description},
		gate.StaticPlanner{Kind: paygate.WorkOrderImage},
		gate.NewDedupCache(2*time.Minute),
		log,
	)

	svc := transport.NewService(g, transport.Config{}, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	transport.RegisterEcho(e, svc)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Address).Info("listening")
		if err := e.Start(cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	return svc.Shutdown(shutdownCtx)
}

func newLogger(cfg config.LogConfig) (*logrus.Entry, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(log), nil
}

func newSessionStore(cfg config.SessionConfig, log *logrus.Entry) (session.Store, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		log.WithField("addr", cfg.RedisAddr).Info("using redis session store")
		return session.NewRedisStore(client, cfg.TTL), nil
	default:
		return session.NewMemoryStore(cfg.TTL), nil
	}
}

func newRegistry(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*paygate.VerifierRegistry, error) {
	registry := paygate.NewVerifierRegistry()

	if cfg.Rails.HasFetDirect() {
		client, err := ethclient.DialContext(ctx, cfg.Rails.FetDirect.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial chain rpc: %w", err)
		}
		if !common.IsHexAddress(cfg.Rails.FetDirect.TokenAddress) {
			return nil, fmt.Errorf("fet_direct token_address %q is not a hex address", cfg.Rails.FetDirect.TokenAddress)
		}
		registry.Register(fetdirect.New(client, fetdirect.Config{
			TokenAddress: common.HexToAddress(cfg.Rails.FetDirect.TokenAddress),
		}, log))
	}

	if cfg.Rails.HasSkyfire() {
		registry.Register(skyfire.New(skyfire.Config{
			JWKSURL:   cfg.Rails.Skyfire.JWKSURL,
			ChargeURL: cfg.Rails.Skyfire.ChargeURL,
			Issuer:    cfg.Rails.Skyfire.Issuer,
			Audience:  cfg.Rails.Skyfire.Audience,
			ServiceID: cfg.Rails.Skyfire.ServiceID,
			APIKey:    cfg.Rails.Skyfire.APIKey,
		}, nil, log))
	}

	if cfg.Rails.HasStripe() {
		registry.Register(stripecheckout.New(stripecheckout.Config{
			APIKey:      cfg.Rails.Stripe.APIKey,
			ProductName: cfg.Rails.Stripe.ProductName,
			ReturnURL:   cfg.Rails.Stripe.ReturnURL,
			Expiry:      cfg.Rails.Stripe.Expiry,
		}, log))
	}

	return registry, nil
}

func newExecutor(cfg config.DeliveryConfig, log *logrus.Entry) (deliver.Executor, error) {
	if cfg.RenderBaseURL == "" || cfg.StorageBaseURL == "" {
		return nil, errors.New("delivery.render_base_url and delivery.storage_base_url are required")
	}

	image := deliver.NewImageExecutor(deliver.ImageConfig{
		RenderBaseURL: cfg.RenderBaseURL,
		Width:         cfg.ImageWidth,
		Height:        cfg.ImageHeight,
		Timeout:       cfg.RenderTimeout,
		Storage:       deliver.NewStorageClient(cfg.StorageBaseURL, cfg.StorageAPIKey),
	}, log)

	router := deliver.NewRouter().Register(paygate.WorkOrderImage, image)

	// One execution marker per paid work order, so a crash between
	// charge and delivery never renders twice.
	return deliver.WithMarker(router, deliver.NewMemoryMarkerStore(time.Hour)), nil
}

// acceptedFunds resolves the price list, dropping entries whose rail is
// not registered. With no configured prices each registered rail gets
// its customary default.
func acceptedFunds(cfg *config.Config, registry *paygate.VerifierRegistry) ([]paygate.Funds, error) {
	supported := make(map[string]bool)
	for _, method := range registry.Supported() {
		supported[method] = true
	}

	var out []paygate.Funds
	for _, f := range cfg.Gate.Accepted {
		if !supported[f.Method] {
			return nil, fmt.Errorf("accepted funds name unconfigured rail %q", f.Method)
		}
		out = append(out, paygate.Funds{Currency: f.Currency, Amount: f.Amount, PaymentMethod: f.Method})
	}
	if len(out) > 0 {
		return out, nil
	}

	defaults := []paygate.Funds{
		{Currency: "FET", Amount: "0.1", PaymentMethod: paygate.MethodFetDirect},
		{Currency: "USDC", Amount: "0.001", PaymentMethod: paygate.MethodSkyfire},
		{Currency: "USD", Amount: "0.50", PaymentMethod: paygate.MethodStripeCheckout},
	}
	for _, f := range defaults {
		if supported[f.PaymentMethod] {
			out = append(out, f)
		}
	}
	return out, nil
}

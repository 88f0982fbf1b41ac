package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/TammyLattimore/bloom-focus-chain/auth"
	"github.com/TammyLattimore/bloom-focus-chain/cmd/internal/passphrase"
	"github.com/TammyLattimore/bloom-focus-chain/config"
	"github.com/TammyLattimore/bloom-focus-chain/core"
	bloomcrypto "github.com/TammyLattimore/bloom-focus-chain/crypto"
	"github.com/TammyLattimore/bloom-focus-chain/fhe"
	"github.com/TammyLattimore/bloom-focus-chain/gateway"
	"github.com/TammyLattimore/bloom-focus-chain/ledger"
	"github.com/TammyLattimore/bloom-focus-chain/observability"
	"github.com/TammyLattimore/bloom-focus-chain/observability/logging"
)

const keystorePassEnv = "BLOOM_KEYSTORE_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BLOOM_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("bloomd", env, logging.WithRotatingFile(cfg.LogFile))

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Error("failed to create data dir", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}

	passSource := passphrase.NewSource(keystorePassEnv)
	key, err := loadOrCreateOwnerKey(cfg.KeystorePath, passSource)
	if err != nil {
		logger.Error("failed to open owner keystore", "path", cfg.KeystorePath, "err", err)
		os.Exit(1)
	}
	owner := key.Address()
	logger.Info("owner key loaded", "address", owner.String(), "eth", owner.Eth().Hex())

	registry := ledger.DefaultRegistry()
	deployment, ok := registry.Resolve(cfg.ChainID)
	if override := strings.TrimSpace(cfg.LedgerAddress); override != "" {
		deployment = core.Deployment{ChainID: cfg.ChainID, Address: common.HexToAddress(override)}
		registry[cfg.ChainID] = deployment
		ok = true
	}
	if !ok {
		logger.Error("no ledger deployment for chain", "chainId", cfg.ChainID)
		os.Exit(1)
	}

	eth, err := ethclient.Dial(cfg.ChainRPCURL)
	if err != nil {
		logger.Error("failed to dial chain RPC", "url", cfg.ChainRPCURL, "err", err)
		os.Exit(1)
	}
	defer eth.Close()

	ledgerClient, err := ledger.NewEVMClient(eth, cfg.ChainID, deployment.Address, owner.Eth(),
		ledger.WithSigningKey(key.PrivateKey),
		ledger.WithEVMLogger(logger.With("component", "ledger")),
	)
	if err != nil {
		logger.Error("failed to build ledger client", "err", err)
		os.Exit(1)
	}

	relayer, err := fhe.NewRelayerClient(cfg.RelayerURL)
	if err != nil {
		logger.Error("failed to build relayer client", "err", err)
		os.Exit(1)
	}

	artifactStore, err := auth.NewBoltStore(filepath.Join(cfg.DataDir, "authorizations.db"), nil)
	if err != nil {
		logger.Error("failed to open authorization store", "err", err)
		os.Exit(1)
	}
	defer artifactStore.Close()

	signer, err := auth.NewLocalSigner(key.PrivateKey, auth.WithValidDays(cfg.AuthValidDays))
	if err != nil {
		logger.Error("failed to build authorization signer", "err", err)
		os.Exit(1)
	}

	engine, err := core.NewEngine(ledgerClient, relayer, relayer, signer,
		core.WithAuthorizationCache(auth.NewCache(artifactStore, auth.WithLogger(logger.With("component", "auth")))),
		core.WithDeploymentResolver(registry.Resolve),
		core.WithLogger(logger.With("component", "engine")),
		core.WithMetrics(observability.Engine()),
	)
	if err != nil {
		logger.Error("failed to build engine", "err", err)
		os.Exit(1)
	}
	if err := engine.Activate(cfg.ChainID, owner.Eth()); err != nil {
		logger.Error("failed to activate synchronization context", "err", err)
		os.Exit(1)
	}

	serverOpts := []gateway.ServerOption{
		gateway.WithServerLogger(logger.With("component", "gateway")),
		gateway.WithRateLimiter(gateway.NewRateLimiter(gateway.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}, logger)),
	}
	if cfg.Auth.Enabled {
		authn, err := gateway.NewAuthenticator(gateway.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger)
		if err != nil {
			logger.Error("failed to configure gateway auth", "err", err)
			os.Exit(1)
		}
		serverOpts = append(serverOpts, gateway.WithAuthenticator(authn))
	}
	server := gateway.NewServer(engine, serverOpts...)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Warm the local view before serving; failures degrade to status
	// messages, never startup aborts.
	go func() {
		engine.Refresh(ctx)
		if err := engine.Decrypt(ctx); err != nil {
			logger.Warn("initial decrypt did not complete", "err", err)
		}
	}()

	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", "err", err)
	}
}

// loadOrCreateOwnerKey opens the keystore at path, generating and saving a
// fresh owner key on first run.
func loadOrCreateOwnerKey(path string, pass *passphrase.Source) (*bloomcrypto.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		secret, err := pass.Get()
		if err != nil {
			return nil, err
		}
		return bloomcrypto.LoadFromKeystore(path, secret)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err := bloomcrypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	secret, err := pass.Get()
	if err != nil {
		return nil, err
	}
	if err := bloomcrypto.SaveToKeystore(path, key, secret); err != nil {
		return nil, err
	}
	return key, nil
}

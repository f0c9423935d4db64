// Command proxy is the blob write proxy's entrypoint: it wires config,
// signer, verifier, executor, cache, queue, breakers, and the HTTP
// router together and serves the request pipeline on the configured
// address until a termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/blobkit/proxy/pkg/breaker"
	"github.com/blobkit/proxy/pkg/cache"
	"github.com/blobkit/proxy/pkg/config"
	"github.com/blobkit/proxy/pkg/database"
	"github.com/blobkit/proxy/pkg/escrow"
	"github.com/blobkit/proxy/pkg/executor"
	"github.com/blobkit/proxy/pkg/metrics"
	"github.com/blobkit/proxy/pkg/queue"
	"github.com/blobkit/proxy/pkg/server"
	"github.com/blobkit/proxy/pkg/signer"
	"github.com/blobkit/proxy/pkg/verifier"
)

// fullSigner is every capability main.go's collaborators need out of
// the configured backend, whichever it is.
type fullSigner interface {
	Address() common.Address
	SignTx(tx *ethtypes.Transaction, chainID int64) (*ethtypes.Transaction, error)
	SignMessage(msg []byte) ([]byte, error)
	TransactOpts(chainID int64) (*bind.TransactOpts, error)
}

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 clean shutdown, 1 fatal startup
// error, 2 abort on signal.
func run() int {
	logger := log.New(log.Writer(), "[Proxy] ", log.LstdFlags)

	showHelp := flag.Bool("help", false, "show help message")
	flag.Parse()
	if *showHelp {
		printHelp()
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Printf("fatal: load config: %v", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		logger.Printf("fatal: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Printf("fatal: bootstrap: %v", err)
		return 1
	}
	defer deps.dbClient.Close()

	deps.queue.Start(ctx)
	defer deps.queue.Stop()

	srv := server.New(server.Deps{
		Config:    cfg,
		Signer:    deps.signer,
		Verifier:  deps.verifier,
		Executor:  deps.executor,
		Cache:     deps.cache,
		Queue:     deps.queue,
		Breakers:  deps.breakers,
		Metrics:   deps.metrics,
		RPCHealth: deps.rpcHealth,
		Logger:    log.New(log.Writer(), "[Server] ", log.LstdFlags),
	})
	go srv.RunMetricsLoop(ctx)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.ListenAddr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Printf("fatal: http server: %v", err)
		return 1
	case sig := <-quit:
		logger.Printf("received %s, shutting down", sig)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
		return 2
	}

	logger.Println("shutdown complete")
	return 0
}

// deps bundles every wired collaborator, built in the order config →
// breakers → signer → verifier → executor → cache → queue → metrics →
// HTTP router (all breakers are registered first, since each component
// needs its named breaker at construction time).
type deps struct {
	signer    fullSigner
	verifier  *verifier.Verifier
	executor  *executor.Executor
	cache     *cache.Store
	queue     *queue.Queue
	breakers  *breaker.Registry
	metrics   *metrics.Registry
	rpcHealth server.RPCHealthChecker
	dbClient  *database.Client
}

func bootstrap(ctx context.Context, cfg *config.Config, logger *log.Logger) (*deps, error) {
	breakers := breaker.NewRegistry(log.New(log.Writer(), "[Breakers] ", log.LstdFlags))
	breakers.Register(breaker.Config{
		Name:             "escrow-contract",
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringPeriod: time.Minute,
		MinimumRequests:  5,
		SuccessThreshold: 2,
	})
	breakers.Register(breaker.Config{
		Name:             "blob-executor",
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		MonitoringPeriod: 2 * time.Minute,
		MinimumRequests:  3,
		SuccessThreshold: 2,
	})
	breakers.Register(breaker.Config{
		Name:             "cache-store",
		FailureThreshold: 5,
		ResetTimeout:     15 * time.Second,
		MonitoringPeriod: time.Minute,
		MinimumRequests:  5,
		SuccessThreshold: 2,
	})

	var sgnr fullSigner
	switch cfg.SignerBackend {
	case "kms":
		client := signer.NewHTTPKMSClient(cfg.KMSSignerURL, cfg.KMSKeyID, 5*time.Second)
		s, err := signer.NewKMSSigner(client, log.New(log.Writer(), "[Signer] ", log.LstdFlags))
		if err != nil {
			return nil, fmt.Errorf("construct KMS signer: %w", err)
		}
		sgnr = s
	default:
		s, err := signer.NewRawKeySigner(cfg.PrivateKey, log.New(log.Writer(), "[Signer] ", log.LstdFlags))
		if err != nil {
			return nil, fmt.Errorf("construct raw key signer: %w", err)
		}
		sgnr = s
	}
	logger.Printf("signer address: %s", sgnr.Address().Hex())

	ethClient, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial execution RPC: %w", err)
	}

	escrowContract, err := escrow.NewContract(ethClient, common.HexToAddress(cfg.EscrowContract), cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("bind escrow contract: %w", err)
	}

	v := verifier.New(ethClient, escrowContract, breakers.Get("escrow-contract"), sgnr)
	exec := executor.New(ethClient, sgnr, cfg.ChainID, breakers.Get("blob-executor"), log.New(log.Writer(), "[BlobExecutor] ", log.LstdFlags))

	cacheStore, err := cache.New(cfg.RedisURL, breakers.Get("cache-store"), log.New(log.Writer(), "[JobCache] ", log.LstdFlags))
	if err != nil {
		return nil, fmt.Errorf("construct job cache: %w", err)
	}
	if err := cacheStore.Health(ctx); err != nil {
		return nil, fmt.Errorf("job cache unreachable at boot: %w", err)
	}

	dbClient, err := database.NewClient(cfg.DatabaseURL, 10, 5, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("connect to completion queue database: %w", err)
	}
	if err := dbClient.MigrateUp(ctx); err != nil {
		return nil, fmt.Errorf("apply database migrations: %w", err)
	}

	completionQueue := queue.New(dbClient.DB(), cacheStore, v, 60*time.Second, log.New(log.Writer(), "[CompletionQueue] ", log.LstdFlags))

	metricsRegistry := metrics.New()

	return &deps{
		signer:    sgnr,
		verifier:  v,
		executor:  exec,
		cache:     cacheStore,
		queue:     completionQueue,
		breakers:  breakers,
		metrics:   metricsRegistry,
		rpcHealth: escrow.NewRPCHealthChecker(ethClient),
		dbClient:  dbClient,
	}, nil
}

func printHelp() {
	fmt.Println("proxy: submits EIP-4844 blob transactions on behalf of users who deposited into the escrow contract")
	fmt.Println()
	fmt.Println("Configuration is read from the environment (RPC_URL, ESCROW_CONTRACT, REQUEST_SIGNING_SECRET, etc).")
	flag.PrintDefaults()
}

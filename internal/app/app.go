package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/chain"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/config"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/coord"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/execmode"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/gas"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/nonce"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/orchestrator"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("ensure ledger schema: %w", err)
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openCoord connects to the coordination store. An unreachable store is
// not fatal: mode reads fail safe to dry and nonce reservation errors
// surface as retryable outcomes.
func (a *App) openCoord(ctx context.Context) (*coord.Client, func()) {
	client := coord.New(coord.Options{
		Addr:      a.Config.Redis.Addr,
		Password:  a.Config.Redis.Password,
		DB:        a.Config.Redis.DB,
		KeyPrefix: a.Config.Redis.KeyPrefix,
	})
	if err := client.Ping(ctx); err != nil {
		a.Logger.Warn().Err(err).Str("addr", a.Config.Redis.Addr).Msg("coordination store unreachable, executing fail-safe dry")
	}
	closer := func() {
		_ = client.Close()
	}
	return client, closer
}

func (a *App) newModeManager(flags execmode.Flags) *execmode.Manager {
	return execmode.NewManager(flags, execmode.Options{
		ConsecutiveOK: a.Config.ExecMode.ConsecutiveOK,
		PollInterval:  a.Config.ExecMode.PollInterval,
	}, a.Logger)
}

func (a *App) newSigner() (chain.TxSigner, error) {
	if a.Config.Ethereum.PrivateKey == "" {
		a.Logger.Warn().Msg("ethereum.private_key not configured; live sends will fail to sign")
		return unconfiguredSigner{}, nil
	}
	return chain.NewSigner(a.Config.Ethereum.PrivateKey, a.Config.Ethereum.ChainID)
}

// buildEngine assembles the orchestrator from configuration and the open
// store and coordination handles.
func (a *App) buildEngine(store *storage.Store, crd *coord.Client, manager *execmode.Manager) (*orchestrator.Engine, error) {
	signer, err := a.newSigner()
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	policy, err := gas.NewPolicy(gas.Options{
		SurgeMultiplier:    a.Config.Gas.SurgeMultiplier,
		PriorityFeeGwei:    a.Config.Gas.PriorityFeeGwei,
		CeilingGwei:        a.Config.Gas.CeilingGwei,
		ReplacementBumpPct: a.Config.Gas.ReplacementBumpPct,
	})
	if err != nil {
		return nil, err
	}

	rpc := chain.NewClient(chain.ClientOptions{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)

	builder := chain.NewRouterBuilder(chain.RouterOptions{
		RouterAddress: a.Config.Ethereum.RouterAddress,
	})

	allocator := nonce.NewAllocator(signer.Address(), crd, rpc, a.Logger)

	engine := orchestrator.NewEngine(orchestrator.Options{
		InclusionTimeout:    a.Config.Executor.InclusionTimeout,
		ReceiptPollInterval: a.Config.Executor.ReceiptPollInterval,
		MaxReplacements:     a.Config.Executor.MaxReplacements,
		IdempotencyBucket:   a.Config.Executor.IdempotencyBucket,
		DefaultGasLimit:     a.Config.Executor.DefaultGasLimit,
	}, orchestrator.Deps{
		Modes:    manager,
		Nonces:   allocator,
		Fees:     policy,
		RPC:      rpc,
		Signer:   signer,
		Builder:  builder,
		Intents:  store,
		Attempts: store,
		Receipts: store,
	}, a.Logger)

	return engine, nil
}

var errNoDatabase = errors.New("database.dsn not configured; the executor needs its ledger")

// unconfiguredSigner lets a dry-only deployment start without a key.
type unconfiguredSigner struct{}

func (unconfiguredSigner) Address() common.Address { return common.Address{} }

func (unconfiguredSigner) Sign(chain.TxPayload) (*types.Transaction, error) {
	return nil, errors.New("ethereum.private_key not configured")
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// PendingOptions configure the pending report.
type PendingOptions struct {
	OlderThan time.Duration
}

// ExportOptions hold parameters for exporting receipt history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

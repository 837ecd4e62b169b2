package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	confirm "github.com/gagliardetto/solana-go/rpc/sendAndConfirmTransaction"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"go.uber.org/zap"

	"solana-multisig-go/internal/config"
	"solana-multisig-go/internal/logging"
)

// ErrConfirmTimeout is returned when a transaction does not reach the
// requested commitment in time.
var ErrConfirmTimeout = errors.New("transaction confirmation timed out")

// Provider pairs a cluster connection with the wallet paying for transactions.
type Provider struct {
	Connection *rpc.Client
	Wallet     solana.PrivateKey

	ws     *ws.Client
	cfg    config.ProviderConfig
	logger *zap.Logger
}

// NewProvider loads the wallet keypair and connects to the cluster.
func NewProvider(ctx context.Context, cfg config.ProviderConfig, logger *zap.Logger) (*Provider, error) {
	if cfg.URL == "" {
		return nil, config.ErrMissingProviderURL
	}
	if cfg.WalletPath == "" {
		return nil, config.ErrMissingWallet
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wallet, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet %s: %w", cfg.WalletPath, err)
	}
	return NewProviderWithWallet(ctx, cfg, wallet, logger)
}

// NewProviderWithWallet is NewProvider with an in-memory keypair.
func NewProviderWithWallet(ctx context.Context, cfg config.ProviderConfig, wallet solana.PrivateKey, logger *zap.Logger) (*Provider, error) {
	logger = logging.OrNop(logger)
	p := &Provider{
		Connection: rpc.New(cfg.URL),
		Wallet:     wallet,
		cfg:        cfg,
		logger:     logger,
	}
	if cfg.WSURL != "" {
		client, err := ws.Connect(ctx, cfg.WSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.WSURL, err)
		}
		p.ws = client
	}
	logger.Debug("provider ready",
		zap.String("url", cfg.URL),
		zap.String("wallet", wallet.PublicKey().String()),
		zap.Bool("websocket", p.ws != nil))
	return p, nil
}

// ProviderFromEnv builds a provider from ANCHOR_PROVIDER_URL and ANCHOR_WALLET.
func ProviderFromEnv(ctx context.Context, logger *zap.Logger) (*Provider, error) {
	cfg, err := config.LoadProvider()
	if err != nil {
		return nil, err
	}
	return NewProvider(ctx, cfg, logger)
}

// PublicKey is the wallet address.
func (p *Provider) PublicKey() solana.PublicKey {
	return p.Wallet.PublicKey()
}

// Commitment is the level transactions are confirmed at.
func (p *Provider) Commitment() rpc.CommitmentType {
	return rpc.CommitmentType(p.cfg.Commitment)
}

// Config returns the provider's configuration.
func (p *Provider) Config() config.ProviderConfig {
	return p.cfg
}

// Logger returns the provider's logger.
func (p *Provider) Logger() *zap.Logger {
	return p.logger
}

// SendAndConfirm signs ixs with the wallet and any extra signers, submits
// them as one transaction and waits for confirmation.
func (p *Provider) SendAndConfirm(ctx context.Context, ixs []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, error) {
	tx, err := p.BuildTransaction(ctx, ixs, signers...)
	if err != nil {
		return solana.Signature{}, err
	}
	return p.SendTransaction(ctx, tx)
}

// BuildTransaction assembles and signs ixs against the latest blockhash.
func (p *Provider) BuildTransaction(ctx context.Context, ixs []solana.Instruction, signers ...solana.PrivateKey) (*solana.Transaction, error) {
	recent, err := p.Connection.GetLatestBlockhash(ctx, p.Commitment())
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(ixs, recent.Value.Blockhash, solana.TransactionPayer(p.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	keys := map[solana.PublicKey]*solana.PrivateKey{}
	for _, k := range append([]solana.PrivateKey{p.Wallet}, signers...) {
		k := k
		keys[k.PublicKey()] = &k
	}
	for i := 0; i < int(tx.Message.Header.NumRequiredSignatures); i++ {
		key := tx.Message.AccountKeys[i]
		if _, ok := keys[key]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSigner, key)
		}
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		return keys[key]
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}

// SendTransaction submits a signed transaction and waits for confirmation.
func (p *Provider) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	opts := rpc.TransactionOpts{
		SkipPreflight:       p.cfg.SkipPreflight,
		PreflightCommitment: p.Commitment(),
	}
	if p.ws != nil {
		timeout := p.cfg.ConfirmTimeout
		sig, err := confirm.SendAndConfirmTransactionWithOpts(ctx, p.Connection, p.ws, tx, opts, &timeout)
		if err != nil {
			return sig, err
		}
		p.logger.Debug("transaction confirmed", zap.Stringer("signature", sig))
		return sig, nil
	}

	sig, err := p.Connection.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return sig, err
	}
	if err := p.waitForStatus(ctx, sig); err != nil {
		return sig, err
	}
	p.logger.Debug("transaction confirmed", zap.Stringer("signature", sig))
	return sig, nil
}

// waitForStatus polls getSignatureStatuses until sig reaches the configured
// commitment or reports an execution error.
func (p *Provider) waitForStatus(ctx context.Context, sig solana.Signature) error {
	deadline := time.NewTimer(p.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		out, err := p.Connection.GetSignatureStatuses(ctx, true, sig)
		if err != nil && !errors.Is(err, rpc.ErrNotFound) {
			return fmt.Errorf("failed to get signature status: %w", err)
		}
		if out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return StatusError(st.Err, nil)
			}
			if reached(st.ConfirmationStatus, p.Commitment()) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrConfirmTimeout, sig)
		case <-ticker.C:
		}
	}
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	return rank[string(status)] >= rank[string(want)]
}

// Close releases the websocket connection if one was opened.
func (p *Provider) Close() {
	if p.ws != nil {
		p.ws.Close()
	}
}

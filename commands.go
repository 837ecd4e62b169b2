package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"solana-multisig-go/internal/lamports"
	"solana-multisig-go/internal/localnet"
	"solana-multisig-go/internal/multisig"
)

// OwnerKeypair selects the key that signs as owner; the provider wallet by default.
type OwnerKeypair struct {
	Keypair string `help:"Owner keypair file (defaults to the provider wallet)." type:"existingfile"`
}

func (k OwnerKeypair) load(wallet solana.PrivateKey) (solana.PrivateKey, error) {
	if k.Keypair == "" {
		return wallet, nil
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(k.Keypair)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair %s: %w", k.Keypair, err)
	}
	return key, nil
}

type InitializeCmd struct{}

func (c *InitializeCmd) Run(ctx context.Context, g *Globals) error {
	client, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	sig, err := client.Initialize(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(g.out, "Your transaction signature", sig)
	return nil
}

type CreateCmd struct {
	Owner     []solana.PublicKey `help:"Owner address (repeatable)." required:""`
	Threshold uint64             `help:"Approvals needed to execute." required:""`
}

func (c *CreateCmd) Run(ctx context.Context, g *Globals) error {
	client, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	sig, addr, err := client.CreateMultisig(ctx, c.Owner, c.Threshold)
	if err != nil {
		return err
	}
	signer, _, err := client.Signer(addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out, "Multisig:  %s\nSigner:    %s\nSignature: %s\n", addr, signer, sig)
	return nil
}

type ShowCmd struct {
	Multisig solana.PublicKey `arg:"" help:"Multisig address."`
}

func (c *ShowCmd) Run(ctx context.Context, g *Globals) error {
	client, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	m, err := client.FetchMultisig(ctx, c.Multisig)
	if err != nil {
		return err
	}
	signer, _, err := client.Signer(c.Multisig)
	if err != nil {
		return err
	}
	balance, err := provider.Connection.GetBalance(ctx, signer, provider.Commitment())
	if err != nil {
		return fmt.Errorf("failed to get signer balance: %w", err)
	}

	fmt.Fprintf(g.out, "Multisig:  %s\n", c.Multisig)
	fmt.Fprintf(g.out, "Signer:    %s (%s)\n", signer, lamports.Format(balance.Value))
	fmt.Fprintf(g.out, "Threshold: %d of %d\n", m.Threshold, len(m.Owners))
	fmt.Fprintf(g.out, "Seqno:     %d\n", m.OwnerSetSeqno)
	for i, o := range m.Owners {
		fmt.Fprintf(g.out, "  owner %d: %s\n", i, o)
	}
	return nil
}

type ProposeTransferCmd struct {
	Multisig solana.PublicKey `arg:"" help:"Multisig address."`
	To       solana.PublicKey `help:"Recipient." required:""`
	Amount   string           `help:"Amount in SOL." required:""`
	OwnerKeypair
}

func (c *ProposeTransferCmd) Run(ctx context.Context, g *Globals) error {
	amount, err := lamports.FromSOL(c.Amount)
	if err != nil {
		return err
	}
	client, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	proposer, err := c.load(provider.Wallet)
	if err != nil {
		return err
	}
	ix, err := client.TransferInstruction(c.Multisig, c.To, amount)
	if err != nil {
		return err
	}
	sig, txAddr, err := client.Propose(ctx, c.Multisig, ix, proposer)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out, "Proposal:  %s\nTransfer:  %s to %s\nSignature: %s\n", txAddr, lamports.Format(amount), c.To, sig)
	return nil
}

type ProposeOwnersCmd struct {
	Multisig  solana.PublicKey   `arg:"" help:"Multisig address."`
	Owner     []solana.PublicKey `help:"New owner (repeatable)." required:""`
	Threshold uint64             `help:"Also change the threshold."`
	OwnerKeypair
}

func (c *ProposeOwnersCmd) Run(ctx context.Context, g *Globals) error {
	client, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	proposer, err := c.load(provider.Wallet)
	if err != nil {
		return err
	}
	var (
		sig    solana.Signature
		txAddr solana.PublicKey
	)
	if c.Threshold > 0 {
		sig, txAddr, err = client.ProposeSetOwnersAndChangeThreshold(ctx, c.Multisig, c.Owner, c.Threshold, proposer)
	} else {
		sig, txAddr, err = client.ProposeSetOwners(ctx, c.Multisig, c.Owner, proposer)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out, "Proposal:  %s\nSignature: %s\n", txAddr, sig)
	return nil
}

type ProposeThresholdCmd struct {
	Multisig  solana.PublicKey `arg:"" help:"Multisig address."`
	Threshold uint64           `arg:"" help:"New threshold."`
	OwnerKeypair
}

func (c *ProposeThresholdCmd) Run(ctx context.Context, g *Globals) error {
	client, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	proposer, err := c.load(provider.Wallet)
	if err != nil {
		return err
	}
	sig, txAddr, err := client.ProposeChangeThreshold(ctx, c.Multisig, c.Threshold, proposer)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out, "Proposal:  %s\nSignature: %s\n", txAddr, sig)
	return nil
}

type ApproveCmd struct {
	Multisig    solana.PublicKey `arg:"" help:"Multisig address."`
	Transaction solana.PublicKey `arg:"" help:"Proposal address."`
	OwnerKeypair
}

func (c *ApproveCmd) Run(ctx context.Context, g *Globals) error {
	client, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	owner, err := c.load(provider.Wallet)
	if err != nil {
		return err
	}
	sig, err := client.Approve(ctx, c.Multisig, c.Transaction, owner)
	if err != nil {
		return err
	}
	fmt.Fprintln(g.out, "Approved:", sig)
	return nil
}

type ExecuteCmd struct {
	Multisig    solana.PublicKey `arg:"" help:"Multisig address."`
	Transaction solana.PublicKey `arg:"" help:"Proposal address."`
}

func (c *ExecuteCmd) Run(ctx context.Context, g *Globals) error {
	client, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	sig, err := client.Execute(ctx, c.Multisig, c.Transaction)
	if err != nil {
		return err
	}
	fmt.Fprintln(g.out, "Executed:", sig)
	return nil
}

type PendingCmd struct {
	Multisig solana.PublicKey `arg:"" help:"Multisig address."`
}

func (c *PendingCmd) Run(ctx context.Context, g *Globals) error {
	client, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	m, err := client.FetchMultisig(ctx, c.Multisig)
	if err != nil {
		return err
	}
	pending, err := client.PendingTransactions(ctx, c.Multisig)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(g.out, "No pending transactions")
		return nil
	}
	for _, p := range pending {
		state := fmt.Sprintf("%d/%d approvals", p.Approvals(), m.Threshold)
		if p.Stale {
			state = "stale (owners changed)"
		}
		fmt.Fprintf(g.out, "%s  program %s  %s\n", p.Address, p.ProgramID, state)
	}
	return nil
}

type HistoryCmd struct {
	Address solana.PublicKey `arg:"" help:"Address to list transactions for."`
	Limit   int              `help:"Maximum number of transactions." default:"20"`
}

func (c *HistoryCmd) Run(ctx context.Context, g *Globals) error {
	client, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	entries, err := client.History(ctx, c.Address, c.Limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		status := "ok"
		if e.Failed {
			status = fmt.Sprintf("failed: %v", e.Err)
		}
		fmt.Fprintf(g.out, "%s  slot %d  %s  %s\n", e.Time.Format(time.RFC3339), e.Slot, e.Signature, status)
	}
	return nil
}

type AirdropCmd struct {
	Address solana.PublicKey `arg:"" help:"Recipient."`
	Amount  string           `arg:"" help:"Amount in SOL."`
}

func (c *AirdropCmd) Run(ctx context.Context, g *Globals) error {
	amount, err := lamports.FromSOL(c.Amount)
	if err != nil {
		return err
	}
	_, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	sig, err := provider.Connection.RequestAirdrop(ctx, c.Address, amount, provider.Commitment())
	if err != nil {
		return fmt.Errorf("failed to request airdrop: %w", err)
	}
	fmt.Fprintf(g.out, "Airdropped %s to %s: %s\n", lamports.Format(amount), c.Address, sig)
	return nil
}

type WatchCmd struct {
	Multisig solana.PublicKey `arg:"" help:"Multisig address."`
	Interval time.Duration    `help:"Check interval." default:"5s"`
}

func (c *WatchCmd) Run(ctx context.Context, g *Globals) error {
	client, provider, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer provider.Close()

	monitor := multisig.NewExecutionMonitor(client, c.Multisig, c.Interval, func(e multisig.ExecutionEvent) {
		if e.Err != nil {
			fmt.Fprintf(g.out, "%s  execution failed: %v\n", e.Transaction, e.Err)
			return
		}
		fmt.Fprintf(g.out, "%s  executed: %s\n", e.Transaction, e.Signature)
	})
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	g.logger.Info("watching multisig", zap.Stringer("multisig", c.Multisig), zap.Duration("interval", c.Interval))
	<-ctx.Done()
	monitor.Stop()
	return nil
}

type LocalnetCmd struct {
	Addr    string             `help:"Listen address (overrides LOCALNET_ADDR)."`
	Ledger  string             `help:"Journal database, :memory: keeps it in RAM (overrides LOCALNET_LEDGER)."`
	Fund    []solana.PublicKey `help:"Address to fund at startup (repeatable). The workspace wallet is always funded."`
	FundSOL string             `name:"fund-sol" help:"Amount each funded address receives." default:"100"`
}

func (c *LocalnetCmd) Run(ctx context.Context, g *Globals) error {
	v, addr, err := c.validator(g)
	if err != nil {
		return err
	}
	defer v.Close()
	return v.Start(ctx, addr)
}

// validator builds the cluster with the multisig program deployed and the
// requested accounts funded, and returns it with the address to serve on.
func (c *LocalnetCmd) validator(g *Globals) (*localnet.Validator, string, error) {
	amount, err := lamports.FromSOL(c.FundSOL)
	if err != nil {
		return nil, "", err
	}
	addr, ledger := g.cfg.Localnet.Addr, g.cfg.Localnet.LedgerPath
	if c.Addr != "" {
		addr = c.Addr
	}
	if c.Ledger != "" {
		ledger = c.Ledger
	}

	v, err := localnet.NewValidator(localnet.Options{
		LedgerPath:     ledger,
		FaucetLamports: uint64(g.cfg.Localnet.FaucetSOL) * lamports.PerSOL,
		Logger:         g.logger,
	})
	if err != nil {
		return nil, "", err
	}
	v.Deploy(multisig.ProgramID, multisig.Processor)

	fund := append([]solana.PublicKey(nil), c.Fund...)
	if wallet, ok := g.workspaceWallet(); ok {
		fund = append(fund, wallet)
	}
	for _, key := range fund {
		if _, err := v.Bank.Airdrop(key, amount); err != nil {
			v.Close()
			return nil, "", fmt.Errorf("failed to fund %s: %w", key, err)
		}
		g.logger.Info("funded account", zap.Stringer("address", key), zap.String("amount", lamports.Format(amount)))
	}
	return v, addr, nil
}

// workspaceWallet returns the public key of the configured wallet, if any.
func (g *Globals) workspaceWallet() (solana.PublicKey, bool) {
	pcfg, err := g.loadWorkspace().ProviderConfig(g.cfg.Provider)
	if err != nil {
		return solana.PublicKey{}, false
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(pcfg.WalletPath)
	if err != nil {
		g.logger.Warn("wallet not funded", zap.String("path", pcfg.WalletPath), zap.Error(err))
		return solana.PublicKey{}, false
	}
	return key.PublicKey(), true
}

package multisig

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"solana-multisig-go/internal/anchor"
	"solana-multisig-go/internal/logging"
)

// Client wraps the multisig program's Anchor handle with typed calls.
type Client struct {
	program *anchor.Program
	logger  *zap.Logger

	historyOnce sync.Once
	history     *History
}

// NewClient wraps an already resolved program handle. A nil logger is
// replaced with a no-op logger.
func NewClient(program *anchor.Program, logger *zap.Logger) *Client {
	return &Client{program: program, logger: logging.OrNop(logger)}
}

// FromWorkspace resolves the program from ws, registering the embedded IDL
// when the workspace has not been built.
func FromWorkspace(ws *anchor.Workspace, provider *anchor.Provider, logger *zap.Logger) (*Client, error) {
	if _, ok := ws.IDL(ProgramName); !ok {
		ws.Register(IDL())
	}
	program, err := ws.Program(ProgramName, provider)
	if err != nil {
		return nil, err
	}
	return NewClient(program, logger), nil
}

// Program returns the underlying Anchor handle.
func (c *Client) Program() *anchor.Program {
	return c.program
}

func (c *Client) provider() *anchor.Provider {
	return c.program.Provider
}

// Signer derives the PDA that acts on behalf of multisig.
func (c *Client) Signer(multisig solana.PublicKey) (solana.PublicKey, uint8, error) {
	return SignerAddress(multisig, c.program.ProgramID)
}

// Initialize calls the no-op initialize instruction.
func (c *Client) Initialize(ctx context.Context) (solana.Signature, error) {
	return c.program.Methods("initialize").RPC(ctx)
}

// createAccountIx allocates a fresh program-owned account of space bytes,
// funded by the provider wallet.
func (c *Client) createAccountIx(ctx context.Context, account solana.PublicKey, space uint64) (solana.Instruction, error) {
	rent, err := c.provider().Connection.GetMinimumBalanceForRentExemption(ctx, space, c.provider().Commitment())
	if err != nil {
		return nil, fmt.Errorf("failed to get rent exemption: %w", err)
	}
	return system.NewCreateAccountInstruction(
		rent,
		space,
		c.program.ProgramID,
		c.provider().PublicKey(),
		account,
	).Build(), nil
}

// CreateMultisig creates a multisig account with the given owners.
func (c *Client) CreateMultisig(ctx context.Context, owners []solana.PublicKey, threshold uint64) (solana.Signature, solana.PublicKey, error) {
	account, err := solana.NewRandomPrivateKey()
	if err != nil {
		return solana.Signature{}, solana.PublicKey{}, err
	}
	addr := account.PublicKey()
	signer, _, err := c.Signer(addr)
	if err != nil {
		return solana.Signature{}, addr, err
	}
	createIx, err := c.createAccountIx(ctx, addr, MultisigSpace())
	if err != nil {
		return solana.Signature{}, addr, err
	}

	sig, err := c.program.Methods("createMultisig").
		Args(owners, threshold).
		Accounts(map[string]solana.PublicKey{
			"multisig":       addr,
			"multisigSigner": signer,
		}).
		PreInstructions(createIx).
		Signers(account).
		RPC(ctx)
	if err != nil {
		return sig, addr, err
	}
	c.logger.Info("multisig created",
		zap.Stringer("multisig", addr),
		zap.Stringer("signer", signer),
		zap.Int("owners", len(owners)),
		zap.Uint64("threshold", threshold))
	return sig, addr, nil
}

// Propose stores ix as a proposal under multisig. The proposer must be an
// owner and counts as its first approval.
func (c *Client) Propose(ctx context.Context, multisig solana.PublicKey, ix solana.Instruction, proposer solana.PrivateKey) (solana.Signature, solana.PublicKey, error) {
	m, err := c.FetchMultisig(ctx, multisig)
	if err != nil {
		return solana.Signature{}, solana.PublicKey{}, err
	}
	data, err := ix.Data()
	if err != nil {
		return solana.Signature{}, solana.PublicKey{}, fmt.Errorf("failed to encode proposal: %w", err)
	}
	metas := ix.Accounts()
	accs := make([]TransactionAccount, len(metas))
	for i, meta := range metas {
		accs[i] = TransactionAccount{Pubkey: meta.PublicKey, IsSigner: meta.IsSigner, IsWritable: meta.IsWritable}
	}

	account, err := solana.NewRandomPrivateKey()
	if err != nil {
		return solana.Signature{}, solana.PublicKey{}, err
	}
	addr := account.PublicKey()
	createIx, err := c.createAccountIx(ctx, addr, TransactionSpace(len(accs), len(data), len(m.Owners)))
	if err != nil {
		return solana.Signature{}, addr, err
	}

	sig, err := c.program.Methods("createTransaction").
		Args(ix.ProgramID(), accs, data).
		Accounts(map[string]solana.PublicKey{
			"multisig":    multisig,
			"transaction": addr,
			"proposer":    proposer.PublicKey(),
		}).
		PreInstructions(createIx).
		Signers(account, proposer).
		RPC(ctx)
	if err != nil {
		return sig, addr, err
	}
	c.logger.Info("transaction proposed",
		zap.Stringer("multisig", multisig),
		zap.Stringer("transaction", addr),
		zap.Stringer("program", ix.ProgramID()))
	return sig, addr, nil
}

// Approve records owner's approval of tx.
func (c *Client) Approve(ctx context.Context, multisig, tx solana.PublicKey, owner solana.PrivateKey) (solana.Signature, error) {
	return c.program.Methods("approve").
		Accounts(map[string]solana.PublicKey{
			"multisig":    multisig,
			"transaction": tx,
			"owner":       owner.PublicKey(),
		}).
		Signers(owner).
		RPC(ctx)
}

// Execute runs an approved proposal. The stored accounts are passed as
// remaining accounts with the signer PDA demoted, since only the program
// can sign for it.
func (c *Client) Execute(ctx context.Context, multisig, txAddr solana.PublicKey) (solana.Signature, error) {
	tx, err := c.FetchTransaction(ctx, txAddr)
	if err != nil {
		return solana.Signature{}, err
	}
	signer, _, err := c.Signer(multisig)
	if err != nil {
		return solana.Signature{}, err
	}

	remaining := make([]*solana.AccountMeta, 0, len(tx.Accounts)+1)
	for _, a := range tx.Accounts {
		isSigner := a.IsSigner && !a.Pubkey.Equals(signer)
		remaining = append(remaining, solana.NewAccountMeta(a.Pubkey, a.IsWritable, isSigner))
	}
	remaining = append(remaining, solana.NewAccountMeta(tx.ProgramID, false, false))

	sig, err := c.program.Methods("executeTransaction").
		Accounts(map[string]solana.PublicKey{
			"multisig":       multisig,
			"multisigSigner": signer,
			"transaction":    txAddr,
		}).
		RemainingAccounts(remaining...).
		RPC(ctx)
	if err != nil {
		return sig, err
	}
	c.logger.Info("transaction executed",
		zap.Stringer("multisig", multisig),
		zap.Stringer("transaction", txAddr),
		zap.Stringer("signature", sig))
	return sig, nil
}

// authorityCall builds an instruction that only the multisig itself may
// execute, to be wrapped in a proposal.
func (c *Client) authorityCall(multisig solana.PublicKey, method string, args ...interface{}) (solana.Instruction, error) {
	signer, _, err := c.Signer(multisig)
	if err != nil {
		return nil, err
	}
	return c.program.Methods(method).
		Args(args...).
		Accounts(map[string]solana.PublicKey{
			"multisig":       multisig,
			"multisigSigner": signer,
		}).
		Instruction()
}

// ProposeSetOwners proposes replacing the owner set.
func (c *Client) ProposeSetOwners(ctx context.Context, multisig solana.PublicKey, owners []solana.PublicKey, proposer solana.PrivateKey) (solana.Signature, solana.PublicKey, error) {
	ix, err := c.authorityCall(multisig, "setOwners", owners)
	if err != nil {
		return solana.Signature{}, solana.PublicKey{}, err
	}
	return c.Propose(ctx, multisig, ix, proposer)
}

// ProposeChangeThreshold proposes a new approval threshold.
func (c *Client) ProposeChangeThreshold(ctx context.Context, multisig solana.PublicKey, threshold uint64, proposer solana.PrivateKey) (solana.Signature, solana.PublicKey, error) {
	ix, err := c.authorityCall(multisig, "changeThreshold", threshold)
	if err != nil {
		return solana.Signature{}, solana.PublicKey{}, err
	}
	return c.Propose(ctx, multisig, ix, proposer)
}

// ProposeSetOwnersAndChangeThreshold proposes both changes atomically.
func (c *Client) ProposeSetOwnersAndChangeThreshold(ctx context.Context, multisig solana.PublicKey, owners []solana.PublicKey, threshold uint64, proposer solana.PrivateKey) (solana.Signature, solana.PublicKey, error) {
	ix, err := c.authorityCall(multisig, "setOwnersAndChangeThreshold", owners, threshold)
	if err != nil {
		return solana.Signature{}, solana.PublicKey{}, err
	}
	return c.Propose(ctx, multisig, ix, proposer)
}

// TransferInstruction moves lamports out of the multisig's signer PDA.
func (c *Client) TransferInstruction(multisig, to solana.PublicKey, lamports uint64) (solana.Instruction, error) {
	signer, _, err := c.Signer(multisig)
	if err != nil {
		return nil, err
	}
	return system.NewTransferInstruction(lamports, signer, to).Build(), nil
}

// FetchMultisig loads and decodes the multisig account at addr. Missing
// accounts match anchor.ErrAccountNotFound.
func (c *Client) FetchMultisig(ctx context.Context, addr solana.PublicKey) (*Multisig, error) {
	var m Multisig
	if err := c.program.Account("Multisig").Fetch(ctx, addr, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FetchTransaction loads and decodes the proposal at addr.
func (c *Client) FetchTransaction(ctx context.Context, addr solana.PublicKey) (*Transaction, error) {
	var t Transaction
	if err := c.program.Account("Transaction").Fetch(ctx, addr, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Proposal is a transaction account together with its address.
type Proposal struct {
	Address solana.PublicKey
	*Transaction
	// Stale proposals were created under an older owner set and can no
	// longer be approved or executed.
	Stale bool
}

// PendingTransactions lists the proposals of multisig that have not been
// executed, ordered by address.
func (c *Client) PendingTransactions(ctx context.Context, multisig solana.PublicKey) ([]Proposal, error) {
	m, err := c.FetchMultisig(ctx, multisig)
	if err != nil {
		return nil, err
	}
	accounts, err := c.program.Account("Transaction").All(ctx, rpc.RPCFilter{
		Memcmp: &rpc.RPCFilterMemcmp{
			Offset: TransactionMultisigOffset,
			Bytes:  solana.Base58(multisig.Bytes()),
		},
	})
	if err != nil {
		return nil, err
	}

	var out []Proposal
	for _, acc := range accounts {
		tx, err := DecodeTransaction(acc.Data)
		if err != nil {
			c.logger.Warn("skipping undecodable transaction account",
				zap.Stringer("address", acc.Pubkey), zap.Error(err))
			continue
		}
		if tx.DidExecute {
			continue
		}
		out = append(out, Proposal{
			Address:     acc.Pubkey,
			Transaction: tx,
			Stale:       tx.OwnerSetSeqno != m.OwnerSetSeqno,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out, nil
}

// History lists recent transactions touching addr, newest first.
func (c *Client) History(ctx context.Context, addr solana.PublicKey, limit int) ([]HistoryEntry, error) {
	c.historyOnce.Do(func() {
		c.history = NewHistory(c.provider().Connection)
	})
	return c.history.Fetch(ctx, addr, limit)
}

// IsProgramError reports whether err is the given multisig error code.
func IsProgramError(err error, code ErrorCode) bool {
	var pe *anchor.ProgramError
	return errors.As(err, &pe) && pe.Code == uint32(code)
}

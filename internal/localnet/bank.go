package localnet

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"go.uber.org/zap"

	"solana-multisig-go/internal/logging"
)

const (
	// FeePerSignature is charged to the fee payer for every signature.
	FeePerSignature = 5000
	// MaxRecentBlockhashes is how many slots a blockhash stays usable.
	MaxRecentBlockhashes = 150

	lamportsPerByteYear    = 3480
	exemptionYears         = 2
	accountStorageOverhead = 128
)

// NativeLoaderID owns builtin programs.
var NativeLoaderID = solana.MustPublicKeyFromBase58("NativeLoader1111111111111111111111111111111")

// SimulationError is returned when a transaction is rejected before it is recorded.
type SimulationError struct {
	Err  *TransactionError
	Logs []string
}

func (e *SimulationError) Error() string {
	return "Transaction simulation failed: " + e.Err.Error()
}

func (e *SimulationError) Unwrap() error { return e.Err }

// KeyedAccount pairs an address with its account state.
type KeyedAccount struct {
	Pubkey  solana.PublicKey
	Account *Account
}

// Bank holds the ledger state of the local cluster.
type Bank struct {
	mu          sync.RWMutex
	accounts    map[solana.PublicKey]*Account
	programs    map[solana.PublicKey]Program
	slot        uint64
	blockhashes []solana.Hash
	issued      map[solana.Hash]uint64

	journal   *Journal
	faucet    solana.PrivateKey
	listeners map[int]func(*TxRecord)
	nextID    int
	logger    *zap.Logger
	now       func() time.Time
}

// NewBank creates a bank whose faucet holds faucetLamports.
func NewBank(journal *Journal, faucetLamports uint64, logger *zap.Logger) (*Bank, error) {
	faucet, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to create faucet key: %w", err)
	}

	b := &Bank{
		accounts:  make(map[solana.PublicKey]*Account),
		programs:  make(map[solana.PublicKey]Program),
		issued:    make(map[solana.Hash]uint64),
		journal:   journal,
		faucet:    faucet,
		listeners: make(map[int]func(*TxRecord)),
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}

	genesis := sha256.Sum256([]byte("localnet genesis"))
	b.pushBlockhash(solana.HashFromBytes(genesis[:]))

	b.accounts[faucet.PublicKey()] = &Account{Lamports: faucetLamports, Owner: solana.SystemProgramID}
	b.accounts[solana.SystemProgramID] = &Account{Lamports: 1, Owner: NativeLoaderID, Executable: true}
	b.programs[solana.SystemProgramID] = SystemProgram
	return b, nil
}

// Deploy registers a native program at programID.
func (b *Bank) Deploy(programID solana.PublicKey, prog Program) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.programs[programID] = prog
	b.accounts[programID] = &Account{Lamports: 1, Owner: solana.BPFLoaderUpgradeableProgramID, Executable: true}
	b.logger.Info("program deployed", zap.String("program_id", programID.String()))
}

// SetAccount overwrites the state of key.
func (b *Bank) SetAccount(key solana.PublicKey, acc *Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[key] = acc.clone()
}

// Account returns a copy of the account at key.
func (b *Bank) Account(key solana.PublicKey) (*Account, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	acc, ok := b.accounts[key]
	if !ok {
		return nil, false
	}
	return acc.clone(), true
}

// Balance returns the lamports held by key.
func (b *Bank) Balance(key solana.PublicKey) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if acc, ok := b.accounts[key]; ok {
		return acc.Lamports
	}
	return 0
}

// ProgramAccounts returns copies of every account owned by owner, ordered by address.
func (b *Bank) ProgramAccounts(owner solana.PublicKey) []KeyedAccount {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []KeyedAccount
	for key, acc := range b.accounts {
		if acc.Owner == owner {
			out = append(out, KeyedAccount{Pubkey: key, Account: acc.clone()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Pubkey[:], out[j].Pubkey[:]) < 0
	})
	return out
}

// Slot returns the current slot, which doubles as block height.
func (b *Bank) Slot() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.slot
}

// LatestBlockhash returns the newest blockhash and the last block height it is valid for.
func (b *Bank) LatestBlockhash() (solana.Hash, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h := b.blockhashes[len(b.blockhashes)-1]
	return h, b.issued[h] + MaxRecentBlockhashes
}

// IsBlockhashValid reports whether h can still be used by a transaction.
func (b *Bank) IsBlockhashValid(h solana.Hash) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.issued[h]
	return ok
}

// MinimumBalance returns the rent-exempt minimum for size bytes of data.
func (b *Bank) MinimumBalance(size uint64) uint64 {
	return (accountStorageOverhead + size) * lamportsPerByteYear * exemptionYears
}

// Journal exposes the transaction journal.
func (b *Bank) Journal() *Journal {
	return b.journal
}

// OnCommit registers fn to be called for every recorded transaction.
// The returned function removes the registration.
func (b *Bank) OnCommit(fn func(*TxRecord)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Airdrop transfers lamports from the faucet to the given address.
func (b *Bank) Airdrop(to solana.PublicKey, lamports uint64) (solana.Signature, error) {
	blockhash, _ := b.LatestBlockhash()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, b.faucet.PublicKey(), to).Build(),
		},
		blockhash,
		solana.TransactionPayer(b.faucet.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build airdrop: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(b.faucet.PublicKey()) {
			return &b.faucet
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign airdrop: %w", err)
	}

	rec, err := b.Process(tx, false)
	if err != nil {
		return solana.Signature{}, err
	}
	return rec.Signature, nil
}

// Process executes tx. With preflight enabled, a failing transaction returns
// a *SimulationError and leaves no trace. With skipPreflight, the fee is
// charged and the failure recorded.
func (b *Bank) Process(tx *solana.Transaction, skipPreflight bool) (*TxRecord, error) {
	b.mu.Lock()
	rec, err := b.process(tx, skipPreflight)
	var listeners []func(*TxRecord)
	if err == nil {
		for _, fn := range b.listeners {
			listeners = append(listeners, fn)
		}
	}
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, fn := range listeners {
		fn(rec)
	}
	return rec, nil
}

func reject(kind string) error {
	return &SimulationError{Err: txError(kind)}
}

func (b *Bank) process(tx *solana.Transaction, skipPreflight bool) (*TxRecord, error) {
	msg := &tx.Message
	if len(tx.Signatures) == 0 || len(msg.AccountKeys) == 0 || msg.NumLookups() > 0 {
		return nil, reject(TxSanitizeFailure)
	}
	sig := tx.Signatures[0]

	if _, ok := b.issued[msg.RecentBlockhash]; !ok {
		return nil, reject(TxBlockhashNotFound)
	}
	if err := tx.VerifySignatures(); err != nil {
		return nil, reject(TxSignatureFailure)
	}
	seen, err := b.journal.Has(sig)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	if seen {
		return nil, reject(TxAlreadyProcessed)
	}

	payer := msg.AccountKeys[0]
	fee := uint64(FeePerSignature * len(tx.Signatures))
	payerAcc, ok := b.accounts[payer]
	if !ok {
		return nil, reject(TxAccountNotFound)
	}
	if payerAcc.Lamports < fee {
		return nil, reject(TxInsufficientFundsForFee)
	}

	metas, err := msg.AccountMetaList()
	if err != nil {
		return nil, reject(TxSanitizeFailure)
	}

	rt := &runtime{
		programs: b.programs,
		accounts: make(map[solana.PublicKey]*Account, len(metas)),
		rent:     b.MinimumBalance,
	}
	for _, m := range metas {
		if acc, ok := b.accounts[m.PublicKey]; ok {
			rt.accounts[m.PublicKey] = acc.clone()
		}
	}
	rt.accounts[payer].Lamports -= fee

	var failure *TransactionError
	for i := range msg.Instructions {
		ci := &msg.Instructions[i]
		programID, err := msg.Program(ci.ProgramIDIndex)
		if err != nil {
			return nil, reject(TxSanitizeFailure)
		}
		ixMetas, err := ci.ResolveInstructionAccounts(msg)
		if err != nil {
			return nil, reject(TxSanitizeFailure)
		}
		if err := rt.execute(programID, ixMetas, []byte(ci.Data), 1); err != nil {
			failure = instructionError(i, err)
			break
		}
	}

	if failure != nil {
		if !skipPreflight {
			return nil, &SimulationError{Err: failure, Logs: rt.logs}
		}
		payerAcc.Lamports -= fee
	} else {
		for _, m := range metas {
			if !m.IsWritable {
				continue
			}
			acc := rt.accounts[m.PublicKey]
			if acc == nil {
				continue
			}
			if acc.Lamports == 0 {
				delete(b.accounts, m.PublicKey)
				continue
			}
			b.accounts[m.PublicKey] = acc
		}
	}

	b.advance()
	rec := &TxRecord{
		Signature: sig,
		Slot:      b.slot,
		BlockTime: b.now(),
		Logs:      rt.logs,
		Accounts:  msg.AccountKeys,
	}
	if failure != nil {
		rec.Err = failure.MarshalJSONValue()
	}
	if err := b.journal.Record(rec); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	if failure != nil {
		b.logger.Warn("transaction failed",
			zap.String("signature", sig.String()),
			zap.Uint64("slot", rec.Slot),
			zap.Error(failure))
	} else {
		b.logger.Debug("transaction processed",
			zap.String("signature", sig.String()),
			zap.Uint64("slot", rec.Slot))
	}
	return rec, nil
}

// advance moves to the next slot and issues a fresh blockhash.
func (b *Bank) advance() {
	b.slot++
	prev := b.blockhashes[len(b.blockhashes)-1]
	var buf [40]byte
	copy(buf[:32], prev[:])
	binary.LittleEndian.PutUint64(buf[32:], b.slot)
	next := sha256.Sum256(buf[:])
	b.pushBlockhash(solana.HashFromBytes(next[:]))
}

func (b *Bank) pushBlockhash(h solana.Hash) {
	b.blockhashes = append(b.blockhashes, h)
	b.issued[h] = b.slot
	for len(b.blockhashes) > MaxRecentBlockhashes {
		delete(b.issued, b.blockhashes[0])
		b.blockhashes = b.blockhashes[1:]
	}
}

package multisig

import (
	"bytes"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"solana-multisig-go/internal/anchor"
	"solana-multisig-go/internal/localnet"
)

// Processor executes the multisig program inside the local cluster.
var Processor localnet.Program = localnet.ProgramFunc(process)

type handler func(ctx *localnet.InvokeContext, it *accountIter, args []byte) error

type route struct {
	name    string
	handler handler
}

var routes = map[[8]byte]route{}

func init() {
	for name, h := range map[string]handler{
		"Initialize":                  initialize,
		"CreateMultisig":              createMultisig,
		"CreateTransaction":           createTransaction,
		"Approve":                     approve,
		"SetOwners":                   setOwners,
		"ChangeThreshold":             changeThreshold,
		"SetOwnersAndChangeThreshold": setOwnersAndChangeThreshold,
		"ExecuteTransaction":          executeTransaction,
	} {
		var key [8]byte
		copy(key[:], ag_binary.SighashInstruction(name))
		routes[key] = route{name: name, handler: h}
	}
}

func process(ctx *localnet.InvokeContext, accounts []*localnet.AccountInfo, data []byte) error {
	if len(data) < 8 {
		return frameworkError(ctx, anchor.ErrInstructionMissing)
	}
	var key [8]byte
	copy(key[:], data[:8])
	r, ok := routes[key]
	if !ok {
		return frameworkError(ctx, anchor.ErrInstructionFallbackNotFound)
	}
	ctx.Log("Instruction: %s", r.name)
	return r.handler(ctx, &accountIter{ctx: ctx, accounts: accounts}, data[8:])
}

func frameworkError(ctx *localnet.InvokeContext, code anchor.ErrorCode) error {
	ctx.Log("AnchorError occurred. Error Code: %s. Error Number: %d. Error Message: %s.", code.Name(), uint32(code), code.Error())
	return localnet.CustomError(code)
}

func programError(ctx *localnet.InvokeContext, code ErrorCode) error {
	ctx.Log("AnchorError occurred. Error Code: %s. Error Number: %d. Error Message: %s.", code.Name(), uint32(code), code.Error())
	return localnet.CustomError(code)
}

type accountIter struct {
	ctx      *localnet.InvokeContext
	accounts []*localnet.AccountInfo
	pos      int
}

func (it *accountIter) next() (*localnet.AccountInfo, error) {
	if it.pos >= len(it.accounts) {
		return nil, frameworkError(it.ctx, anchor.ErrAccountNotEnoughKeys)
	}
	info := it.accounts[it.pos]
	it.pos++
	return info, nil
}

func (it *accountIter) signer() (*localnet.AccountInfo, error) {
	info, err := it.next()
	if err != nil {
		return nil, err
	}
	if !info.IsSigner {
		return nil, frameworkError(it.ctx, anchor.ErrAccountNotSigner)
	}
	return info, nil
}

// owned returns the next account after checking it belongs to this program.
func (it *accountIter) owned(mut bool) (*localnet.AccountInfo, error) {
	info, err := it.next()
	if err != nil {
		return nil, err
	}
	if mut && !info.IsWritable {
		return nil, frameworkError(it.ctx, anchor.ErrConstraintMut)
	}
	if !info.Owner.Equals(it.ctx.ProgramID) {
		return nil, frameworkError(it.ctx, anchor.ErrAccountOwnedByWrongProgram)
	}
	return info, nil
}

// zeroed returns the next account, which must be writable, program-owned
// and not yet initialised.
func (it *accountIter) zeroed() (*localnet.AccountInfo, error) {
	info, err := it.owned(true)
	if err != nil {
		return nil, err
	}
	if len(info.Data) < ag_binary.ACCOUNT_DISCRIMINATOR_SIZE {
		return nil, frameworkError(it.ctx, anchor.ErrAccountDiscriminatorNotFound)
	}
	for _, b := range info.Data[:8] {
		if b != 0 {
			return nil, frameworkError(it.ctx, anchor.ErrAccountDiscriminatorAlreadySet)
		}
	}
	return info, nil
}

func (it *accountIter) multisig(mut bool) (*localnet.AccountInfo, *Multisig, error) {
	info, err := it.owned(mut)
	if err != nil {
		return nil, nil, err
	}
	if err := it.checkDiscriminator(info, MultisigDiscriminator); err != nil {
		return nil, nil, err
	}
	var m Multisig
	if err := ag_binary.NewBorshDecoder(info.Data[8:]).Decode(&m); err != nil {
		return nil, nil, frameworkError(it.ctx, anchor.ErrAccountDidNotDeserialize)
	}
	return info, &m, nil
}

func (it *accountIter) transaction() (*localnet.AccountInfo, *Transaction, error) {
	info, err := it.owned(true)
	if err != nil {
		return nil, nil, err
	}
	if err := it.checkDiscriminator(info, TransactionDiscriminator); err != nil {
		return nil, nil, err
	}
	var t Transaction
	if err := ag_binary.NewBorshDecoder(info.Data[8:]).Decode(&t); err != nil {
		return nil, nil, frameworkError(it.ctx, anchor.ErrAccountDidNotDeserialize)
	}
	return info, &t, nil
}

func (it *accountIter) checkDiscriminator(info *localnet.AccountInfo, want []byte) error {
	if len(info.Data) < ag_binary.ACCOUNT_DISCRIMINATOR_SIZE {
		return frameworkError(it.ctx, anchor.ErrAccountDiscriminatorNotFound)
	}
	if !bytes.Equal(info.Data[:8], want) {
		return frameworkError(it.ctx, anchor.ErrAccountDiscriminatorMismatch)
	}
	return nil
}

// authority checks that signer is the multisig's PDA and that it signed.
func (it *accountIter) authority(multisig *localnet.AccountInfo, m *Multisig) error {
	signer, err := it.next()
	if err != nil {
		return err
	}
	if err := it.signerPDA(signer, multisig, m); err != nil {
		return err
	}
	if !signer.IsSigner {
		return frameworkError(it.ctx, anchor.ErrAccountNotSigner)
	}
	return nil
}

func (it *accountIter) signerPDA(signer, multisig *localnet.AccountInfo, m *Multisig) error {
	pda, err := solana.CreateProgramAddress(signerSeeds(multisig.Key, m.Nonce), it.ctx.ProgramID)
	if err != nil || !pda.Equals(signer.Key) {
		return frameworkError(it.ctx, anchor.ErrConstraintSeeds)
	}
	return nil
}

// store writes disc || borsh(v) into the account's existing allocation.
func store(ctx *localnet.InvokeContext, info *localnet.AccountInfo, disc []byte, v interface{}) error {
	data, err := encodeAccount(disc, v)
	if err != nil || len(data) > len(info.Data) {
		return frameworkError(ctx, anchor.ErrAccountDidNotSerialize)
	}
	copy(info.Data, data)
	return nil
}

func decodeArgs(ctx *localnet.InvokeContext, args []byte, out interface{}) error {
	if err := ag_binary.NewBorshDecoder(args).Decode(out); err != nil {
		return frameworkError(ctx, anchor.ErrInstructionDidNotDeserialize)
	}
	return nil
}

func initialize(ctx *localnet.InvokeContext, _ *accountIter, _ []byte) error {
	return nil
}

func validateOwners(ctx *localnet.InvokeContext, owners []solana.PublicKey) error {
	if len(owners) == 0 || len(owners) > MaxOwners {
		return programError(ctx, ErrInvalidOwnersLen)
	}
	seen := make(map[solana.PublicKey]struct{}, len(owners))
	for _, o := range owners {
		if _, dup := seen[o]; dup {
			return programError(ctx, ErrUniqueOwners)
		}
		seen[o] = struct{}{}
	}
	return nil
}

func createMultisig(ctx *localnet.InvokeContext, it *accountIter, args []byte) error {
	var in struct {
		Owners    []solana.PublicKey
		Threshold uint64
	}
	if err := decodeArgs(ctx, args, &in); err != nil {
		return err
	}
	multisig, err := it.zeroed()
	if err != nil {
		return err
	}
	signer, err := it.next()
	if err != nil {
		return err
	}
	pda, bump, err := SignerAddress(multisig.Key, ctx.ProgramID)
	if err != nil || !pda.Equals(signer.Key) {
		return frameworkError(ctx, anchor.ErrConstraintSeeds)
	}

	if err := validateOwners(ctx, in.Owners); err != nil {
		return err
	}
	if in.Threshold == 0 || in.Threshold > uint64(len(in.Owners)) {
		return programError(ctx, ErrInvalidThreshold)
	}

	return store(ctx, multisig, MultisigDiscriminator, &Multisig{
		Owners:        in.Owners,
		Threshold:     in.Threshold,
		Nonce:         bump,
		OwnerSetSeqno: 0,
	})
}

func createTransaction(ctx *localnet.InvokeContext, it *accountIter, args []byte) error {
	var in struct {
		Pid  solana.PublicKey
		Accs []TransactionAccount
		Data []byte
	}
	if err := decodeArgs(ctx, args, &in); err != nil {
		return err
	}
	multisig, m, err := it.multisig(false)
	if err != nil {
		return err
	}
	txInfo, err := it.zeroed()
	if err != nil {
		return err
	}
	proposer, err := it.signer()
	if err != nil {
		return err
	}

	idx := m.OwnerIndex(proposer.Key)
	if idx < 0 {
		return programError(ctx, ErrInvalidOwner)
	}
	signers := make([]bool, len(m.Owners))
	signers[idx] = true

	return store(ctx, txInfo, TransactionDiscriminator, &Transaction{
		Multisig:      multisig.Key,
		ProgramID:     in.Pid,
		Accounts:      in.Accs,
		Data:          in.Data,
		Signers:       signers,
		DidExecute:    false,
		OwnerSetSeqno: m.OwnerSetSeqno,
	})
}

func approve(ctx *localnet.InvokeContext, it *accountIter, _ []byte) error {
	multisig, m, err := it.multisig(false)
	if err != nil {
		return err
	}
	txInfo, tx, err := it.transaction()
	if err != nil {
		return err
	}
	owner, err := it.signer()
	if err != nil {
		return err
	}
	if !tx.Multisig.Equals(multisig.Key) {
		return frameworkError(ctx, anchor.ErrConstraintHasOne)
	}
	if tx.OwnerSetSeqno != m.OwnerSetSeqno {
		return frameworkError(ctx, anchor.ErrConstraintRaw)
	}
	if tx.DidExecute {
		return programError(ctx, ErrAlreadyExecuted)
	}

	idx := m.OwnerIndex(owner.Key)
	if idx < 0 || idx >= len(tx.Signers) {
		return programError(ctx, ErrInvalidOwner)
	}
	tx.Signers[idx] = true
	return store(ctx, txInfo, TransactionDiscriminator, tx)
}

func setOwners(ctx *localnet.InvokeContext, it *accountIter, args []byte) error {
	var in struct {
		Owners []solana.PublicKey
	}
	if err := decodeArgs(ctx, args, &in); err != nil {
		return err
	}
	multisig, m, err := it.multisig(true)
	if err != nil {
		return err
	}
	if err := it.authority(multisig, m); err != nil {
		return err
	}
	if err := applyOwners(ctx, m, in.Owners); err != nil {
		return err
	}
	return store(ctx, multisig, MultisigDiscriminator, m)
}

func changeThreshold(ctx *localnet.InvokeContext, it *accountIter, args []byte) error {
	var in struct {
		Threshold uint64
	}
	if err := decodeArgs(ctx, args, &in); err != nil {
		return err
	}
	multisig, m, err := it.multisig(true)
	if err != nil {
		return err
	}
	if err := it.authority(multisig, m); err != nil {
		return err
	}
	if err := applyThreshold(ctx, m, in.Threshold); err != nil {
		return err
	}
	return store(ctx, multisig, MultisigDiscriminator, m)
}

func setOwnersAndChangeThreshold(ctx *localnet.InvokeContext, it *accountIter, args []byte) error {
	var in struct {
		Owners    []solana.PublicKey
		Threshold uint64
	}
	if err := decodeArgs(ctx, args, &in); err != nil {
		return err
	}
	multisig, m, err := it.multisig(true)
	if err != nil {
		return err
	}
	if err := it.authority(multisig, m); err != nil {
		return err
	}
	if err := applyOwners(ctx, m, in.Owners); err != nil {
		return err
	}
	if err := applyThreshold(ctx, m, in.Threshold); err != nil {
		return err
	}
	return store(ctx, multisig, MultisigDiscriminator, m)
}

// applyOwners replaces the owner set and invalidates outstanding proposals.
func applyOwners(ctx *localnet.InvokeContext, m *Multisig, owners []solana.PublicKey) error {
	if err := validateOwners(ctx, owners); err != nil {
		return err
	}
	if uint64(len(owners)) < m.Threshold {
		m.Threshold = uint64(len(owners))
	}
	m.Owners = owners
	m.OwnerSetSeqno++
	return nil
}

func applyThreshold(ctx *localnet.InvokeContext, m *Multisig, threshold uint64) error {
	if threshold == 0 || threshold > uint64(len(m.Owners)) {
		return programError(ctx, ErrInvalidThreshold)
	}
	m.Threshold = threshold
	return nil
}

func executeTransaction(ctx *localnet.InvokeContext, it *accountIter, _ []byte) error {
	multisig, m, err := it.multisig(false)
	if err != nil {
		return err
	}
	signer, err := it.next()
	if err != nil {
		return err
	}
	if err := it.signerPDA(signer, multisig, m); err != nil {
		return err
	}
	txInfo, tx, err := it.transaction()
	if err != nil {
		return err
	}
	if !tx.Multisig.Equals(multisig.Key) {
		return frameworkError(ctx, anchor.ErrConstraintHasOne)
	}
	if tx.DidExecute {
		return programError(ctx, ErrAlreadyExecuted)
	}
	if tx.OwnerSetSeqno != m.OwnerSetSeqno {
		return frameworkError(ctx, anchor.ErrConstraintRaw)
	}
	if tx.Approvals() < m.Threshold {
		return programError(ctx, ErrNotEnoughSigners)
	}

	// marked before the call so a re-entrant execute sees it
	tx.DidExecute = true
	if err := store(ctx, txInfo, TransactionDiscriminator, tx); err != nil {
		return err
	}
	return ctx.InvokeSigned(tx.Instruction(), signerSeeds(multisig.Key, m.Nonce))
}

package multisig

import (
	"bytes"
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// MaxOwners bounds the owner set; the multisig account is sized for it.
const MaxOwners = 10

// ProgramID is the address the multisig program is deployed at.
var ProgramID = solana.MustPublicKeyFromBase58("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")

var (
	MultisigDiscriminator    = ag_binary.SighashAccount("Multisig")
	TransactionDiscriminator = ag_binary.SighashAccount("Transaction")
)

// Multisig is the on-chain owner set.
type Multisig struct {
	Owners        []solana.PublicKey
	Threshold     uint64
	Nonce         uint8
	OwnerSetSeqno uint32
}

// TransactionAccount is an account meta as stored in a proposal.
type TransactionAccount struct {
	Pubkey     solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

// Transaction is a proposed instruction awaiting approvals.
type Transaction struct {
	Multisig      solana.PublicKey
	ProgramID     solana.PublicKey
	Accounts      []TransactionAccount
	Data          []byte
	Signers       []bool
	DidExecute    bool
	OwnerSetSeqno uint32
}

// MultisigSpace is the account size allocated for a multisig.
func MultisigSpace() uint64 {
	return 8 + 4 + 32*MaxOwners + 8 + 1 + 4
}

// TransactionSpace is the account size needed for a proposal of ix under a
// multisig with ownerCount owners.
func TransactionSpace(accounts, dataLen, ownerCount int) uint64 {
	return uint64(8 + 32 + 32 + 4 + 34*accounts + 4 + dataLen + 4 + ownerCount + 1 + 4)
}

// TransactionMultisigOffset is where the multisig key sits in a transaction
// account; used for memcmp filters.
const TransactionMultisigOffset = 8

// OwnerIndex returns the position of owner, or -1.
func (m *Multisig) OwnerIndex(owner solana.PublicKey) int {
	for i, o := range m.Owners {
		if o.Equals(owner) {
			return i
		}
	}
	return -1
}

// Approvals counts the owners that have signed t.
func (t *Transaction) Approvals() uint64 {
	var n uint64
	for _, s := range t.Signers {
		if s {
			n++
		}
	}
	return n
}

// Instruction rebuilds the proposed instruction.
func (t *Transaction) Instruction() solana.Instruction {
	metas := make(solana.AccountMetaSlice, len(t.Accounts))
	for i, a := range t.Accounts {
		metas[i] = &solana.AccountMeta{PublicKey: a.Pubkey, IsSigner: a.IsSigner, IsWritable: a.IsWritable}
	}
	return solana.NewInstruction(t.ProgramID, metas, t.Data)
}

// encodeAccount serializes v behind disc.
func encodeAccount(disc []byte, v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(disc)
	if err := ag_binary.NewBorshEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMultisig parses a multisig account, discriminator included.
func DecodeMultisig(data []byte) (*Multisig, error) {
	if err := checkDiscriminator(data, MultisigDiscriminator); err != nil {
		return nil, err
	}
	var m Multisig
	if err := ag_binary.NewBorshDecoder(data[8:]).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode multisig: %w", err)
	}
	return &m, nil
}

// DecodeTransaction parses a transaction account, discriminator included.
func DecodeTransaction(data []byte) (*Transaction, error) {
	if err := checkDiscriminator(data, TransactionDiscriminator); err != nil {
		return nil, err
	}
	var t Transaction
	if err := ag_binary.NewBorshDecoder(data[8:]).Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return &t, nil
}

// MarshalMultisig serializes m with its discriminator.
func MarshalMultisig(m *Multisig) ([]byte, error) {
	return encodeAccount(MultisigDiscriminator, m)
}

// MarshalTransaction serializes t with its discriminator.
func MarshalTransaction(t *Transaction) ([]byte, error) {
	return encodeAccount(TransactionDiscriminator, t)
}

func checkDiscriminator(data, want []byte) error {
	if len(data) < ag_binary.ACCOUNT_DISCRIMINATOR_SIZE {
		return ErrDiscriminatorNotFound
	}
	if !bytes.Equal(data[:8], want) {
		return ErrDiscriminatorMismatch
	}
	return nil
}

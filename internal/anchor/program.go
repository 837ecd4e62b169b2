package anchor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stoewer/go-strcase"
)

// Program is a client handle bound to one deployed program.
type Program struct {
	IDL       *IDL
	ProgramID solana.PublicKey
	Provider  *Provider
}

// NewProgram binds idl to programID. provider may be nil when the handle is
// only used to encode instructions or decode accounts.
func NewProgram(idl *IDL, programID solana.PublicKey, provider *Provider) *Program {
	return &Program{IDL: idl, ProgramID: programID, Provider: provider}
}

// TranslateError maps custom error codes in err to *ProgramError using the
// program's IDL.
func (p *Program) TranslateError(err error) error {
	return TranslateError(err, p.IDL)
}

// Methods starts building a call to the named instruction.
func (p *Program) Methods(name string) *MethodBuilder {
	b := &MethodBuilder{program: p, name: name, accounts: map[string]solana.PublicKey{}}
	ix, ok := p.IDL.Instruction(name)
	if !ok {
		b.err = fmt.Errorf("%w: %s", ErrUnknownInstruction, name)
		return b
	}
	b.ix = ix
	return b
}

// MethodBuilder accumulates the arguments, accounts and signers of a call.
type MethodBuilder struct {
	program   *Program
	name      string
	ix        *IdlInstruction
	args      []interface{}
	accounts  map[string]solana.PublicKey
	remaining solana.AccountMetaSlice
	signers   []solana.PrivateKey
	pre       []solana.Instruction
	err       error
}

// Args sets the positional instruction arguments.
func (b *MethodBuilder) Args(args ...interface{}) *MethodBuilder {
	b.args = args
	return b
}

// Accounts sets named accounts. Names may use any casing.
func (b *MethodBuilder) Accounts(accounts map[string]solana.PublicKey) *MethodBuilder {
	for name, pk := range accounts {
		b.accounts[strcase.LowerCamelCase(name)] = pk
	}
	return b
}

// RemainingAccounts appends metas after the IDL-declared accounts.
func (b *MethodBuilder) RemainingAccounts(metas ...*solana.AccountMeta) *MethodBuilder {
	b.remaining = append(b.remaining, metas...)
	return b
}

// Signers adds keypairs that must sign besides the wallet.
func (b *MethodBuilder) Signers(keys ...solana.PrivateKey) *MethodBuilder {
	b.signers = append(b.signers, keys...)
	return b
}

// PreInstructions are sent ahead of the call in the same transaction.
func (b *MethodBuilder) PreInstructions(ixs ...solana.Instruction) *MethodBuilder {
	b.pre = append(b.pre, ixs...)
	return b
}

// Instruction encodes the call: the 8-byte sighash followed by the
// Borsh-encoded arguments, with accounts in IDL order.
func (b *MethodBuilder) Instruction() (solana.Instruction, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.args) != len(b.ix.Args) {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", b.ix.Name, len(b.ix.Args), len(b.args))
	}

	buf := new(bytes.Buffer)
	buf.Write(b.ix.Discriminator())
	enc := ag_binary.NewBorshEncoder(buf)
	for i, arg := range b.ix.Args {
		if err := b.program.IDL.checkValue(arg.Type, reflect.ValueOf(b.args[i])); err != nil {
			return nil, fmt.Errorf("%s: argument %s: %w", b.ix.Name, arg.Name, err)
		}
		if err := enc.Encode(b.args[i]); err != nil {
			return nil, fmt.Errorf("%s: failed to encode %s: %w", b.ix.Name, arg.Name, err)
		}
	}

	metas := make(solana.AccountMetaSlice, 0, len(b.ix.Accounts)+len(b.remaining))
	for _, ref := range b.ix.Accounts {
		pk, ok := b.accounts[strcase.LowerCamelCase(ref.Name)]
		if !ok {
			return nil, fmt.Errorf("%s: missing account %s", b.ix.Name, ref.Name)
		}
		metas = append(metas, solana.NewAccountMeta(pk, ref.IsMut, ref.IsSigner))
	}
	metas = append(metas, b.remaining...)

	return solana.NewInstruction(b.program.ProgramID, metas, buf.Bytes()), nil
}

// RPC sends the call and waits for confirmation. Program failures are
// returned as *ProgramError.
func (b *MethodBuilder) RPC(ctx context.Context) (solana.Signature, error) {
	ixs, err := b.instructions()
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := b.program.Provider.SendAndConfirm(ctx, ixs, b.signers...)
	if err != nil {
		return sig, b.program.TranslateError(err)
	}
	return sig, nil
}

func (b *MethodBuilder) instructions() ([]solana.Instruction, error) {
	ix, err := b.Instruction()
	if err != nil {
		return nil, err
	}
	ixs := make([]solana.Instruction, 0, len(b.pre)+1)
	ixs = append(ixs, b.pre...)
	return append(ixs, ix), nil
}

// AccountClient fetches and decodes accounts of one IDL type.
type AccountClient struct {
	program *Program
	def     *IdlTypeDef
	err     error
}

// Account returns a client for the named account type.
func (p *Program) Account(name string) *AccountClient {
	def, ok := p.IDL.Account(name)
	if !ok {
		return &AccountClient{program: p, err: fmt.Errorf("%w: %s", ErrUnknownAccountType, name)}
	}
	return &AccountClient{program: p, def: def}
}

// Decode checks the discriminator and Borsh-decodes data into out.
func (a *AccountClient) Decode(data []byte, out interface{}) error {
	if a.err != nil {
		return a.err
	}
	if len(data) < ag_binary.ACCOUNT_DISCRIMINATOR_SIZE {
		return fmt.Errorf("%s: %w", a.def.Name, ErrAccountDiscriminatorNotFound)
	}
	if !bytes.Equal(data[:8], a.def.Discriminator()) {
		return fmt.Errorf("%s: %w", a.def.Name, ErrAccountDiscriminatorMismatch)
	}
	if err := ag_binary.NewBorshDecoder(data[8:]).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: %v", a.def.Name, ErrAccountDidNotDeserialize, err)
	}
	return nil
}

// Fetch loads addr and decodes it into out. It returns ErrAccountNotFound
// when the account does not exist.
func (a *AccountClient) Fetch(ctx context.Context, addr solana.PublicKey, out interface{}) error {
	if a.err != nil {
		return a.err
	}
	res, err := a.program.Provider.Connection.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: a.program.Provider.Commitment(),
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", a.def.Name, addr, ErrAccountNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", addr, err)
	}
	if !res.Value.Owner.Equals(a.program.ProgramID) {
		return fmt.Errorf("%s %s: %w", a.def.Name, addr, ErrAccountWrongOwner)
	}
	return a.Decode(res.Value.Data.GetBinary(), out)
}

// ProgramAccount is an account returned by All.
type ProgramAccount struct {
	Pubkey solana.PublicKey
	Data   []byte
}

// All lists every account of this type owned by the program. Extra filters
// are combined with the discriminator match.
func (a *AccountClient) All(ctx context.Context, filters ...rpc.RPCFilter) ([]ProgramAccount, error) {
	if a.err != nil {
		return nil, a.err
	}
	opts := &rpc.GetProgramAccountsOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: a.program.Provider.Commitment(),
		Filters: append([]rpc.RPCFilter{{
			Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(a.def.Discriminator())},
		}}, filters...),
	}
	res, err := a.program.Provider.Connection.GetProgramAccountsWithOpts(ctx, a.program.ProgramID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s accounts: %w", a.def.Name, err)
	}
	out := make([]ProgramAccount, 0, len(res))
	for _, ka := range res {
		if ka == nil || ka.Account == nil {
			continue
		}
		out = append(out, ProgramAccount{Pubkey: ka.Pubkey, Data: ka.Account.Data.GetBinary()})
	}
	return out, nil
}
